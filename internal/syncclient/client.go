// Package syncclient is the device's HTTP client for the report sync API.
// Every failure is returned as an apperr taxonomy error so the sync loop
// can decide between retrying, failing and waiting.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer credential.
	Token string
	// Timeout bounds one request including the body transfer.
	Timeout time.Duration
	// HTTPClient replaces the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to the sync API.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *zap.Logger
}

// New builds a Client.
func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &Client{base: strings.TrimRight(cfg.BaseURL, "/"), token: cfg.Token, http: hc, log: log}
}

// SubmitRequest is the body of POST /submissions.
type SubmitRequest struct {
	Key        string          `json:"key"`
	ClientUUID string          `json:"client_uuid"`
	ReportKind string          `json:"report_kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Outcome is the final answer for a submission key.
type Outcome struct {
	Status            string `json:"status"`
	CanonicalEntityID string `json:"canonical_entity_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error,omitempty"`
	Replayed          bool   `json:"replayed"`
}

// Attachment is the server's view of one attachment.
type Attachment struct {
	AttachmentID      string `json:"attachment_id"`
	State             string `json:"state"`
	CanonicalEntityID string `json:"canonical_entity_id,omitempty"`
	UploadAttempts    int    `json:"upload_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

// UploadRequest is one attachment upload attempt.
type UploadRequest struct {
	AttachmentID    string
	OwnerClientUUID string
	FileName        string
	ContentType     string
	Body            io.Reader
}

// Submit sends a submission. A permanent rejection is an Outcome with
// status FAILED, not an error.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	var out Outcome
	if err := c.do(ctx, http.MethodPost, "/submissions", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status polls the outcome of a submission key.
func (c *Client) Status(ctx context.Context, key string) (*Outcome, error) {
	var out Outcome
	if err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(key), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload performs one upload attempt. The body is streamed.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*Attachment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, req))
	}()
	var out Attachment
	err := c.do(ctx, http.MethodPost, "/attachments", mw.FormDataContentType(), pr, &out)
	// unblocks the writer if the request ended before reading the body
	pr.Close()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func writeUpload(mw *multipart.Writer, req UploadRequest) error {
	if err := mw.WriteField("owner_client_uuid", req.OwnerClientUUID); err != nil {
		return err
	}
	if req.AttachmentID != "" {
		if err := mw.WriteField("attachment_id", req.AttachmentID); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(req.FileName)))
	h.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return err
	}
	return mw.Close()
}

// RetryAttachment asks the server to reopen a FAILED attachment.
func (c *Client) RetryAttachment(ctx context.Context, id string) (*Attachment, error) {
	var out Attachment
	if err := c.do(ctx, http.MethodPost, "/attachments/"+url.PathEscape(id)+"/retry", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// no answer: the server may or may not have acted
		return apperr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Transient("read response", err)
	}
	c.log.Debug("sync api call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Transient("decode response", err)
		}
		return nil
	}
	return classify(resp, raw)
}

// ServerError is a non-2xx answer. It is the cause of the taxonomy error
// returned to callers.
type ServerError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d %s", e.Status, e.Code)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func classify(resp *http.Response, raw []byte) error {
	var b errorBody
	_ = json.Unmarshal(raw, &b)
	se := &ServerError{Status: resp.StatusCode, Code: b.Error, Message: b.Message}
	if se.Message == "" {
		se.Message = b.Msg
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.RetryAfter = time.Duration(secs) * time.Second
	}

	code := se.Code
	var kind apperr.Kind
	switch {
	case resp.StatusCode == http.StatusConflict && code == "in_progress":
		kind = apperr.InProgress
	case resp.StatusCode == http.StatusConflict:
		kind = apperr.Conflict
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		kind = apperr.PermanentRejection
	case resp.StatusCode == http.StatusNotFound:
		kind = apperr.NotFound
	case resp.StatusCode == http.StatusBadGateway:
		kind = apperr.UploadFailure
	default:
		// 401/403 included: the credential may be refreshed before the
		// attempt budget runs out
		kind = apperr.TransientFailure
	}
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	return apperr.Wrap(kind, code, "", se)
}

// Unreachable reports whether err means the request never left the device:
// the host did not resolve or the connection could not be opened.
func Unreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// RetryAfter returns the wait the server asked for, or zero.
func RetryAfter(err error) time.Duration {
	var se *ServerError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
