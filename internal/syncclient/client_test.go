package syncclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/apitest"
)

func newClient(t *testing.T) (*Client, *apitest.Server) {
	t.Helper()
	srv := apitest.New(t)
	return New(Config{BaseURL: srv.URL + "/", Token: apitest.Token("device-7"), Timeout: 5 * time.Second}, nil), srv
}

func submission(key, payload string) SubmitRequest {
	return SubmitRequest{Key: key, ClientUUID: "draft-" + key, ReportKind: "INCIDENT", Payload: json.RawMessage(payload)}
}

func TestSubmit_SyncedThenReplayed(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	first, err := c.Submit(ctx, submission("k-1", `{"note":"landslide"}`))
	require.NoError(t, err)
	assert.Equal(t, "SYNCED", first.Status)
	assert.False(t, first.Replayed)
	require.NotEmpty(t, first.CanonicalEntityID)

	again, err := c.Submit(ctx, submission("k-1", `{"note":"landslide"}`))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.CanonicalEntityID, again.CanonicalEntityID)

	st, err := c.Status(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "SYNCED", st.Status)
}

func TestSubmit_ClassifiesErrors(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	_, err := c.Submit(ctx, submission("k-1", `{"note":"a"}`))
	require.NoError(t, err)

	_, err = c.Submit(ctx, submission("k-1", `{"note":"b"}`))
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "idempotency_key_conflict", apperr.CodeOf(err))

	_, err = c.Submit(ctx, SubmitRequest{Key: "k-2", ReportKind: "not a kind", Payload: json.RawMessage(`{}`)})
	assert.True(t, apperr.Is(err, apperr.PermanentRejection))
	assert.Equal(t, "validation_failed", apperr.CodeOf(err))

	out, err := c.Submit(ctx, SubmitRequest{Key: "k-3", ReportKind: "PATROL", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err, "a domain rejection is an answer, not an error")
	assert.Equal(t, "FAILED", out.Status)
	assert.Equal(t, "invalid_report_kind", out.ErrorCode)

	_, err = c.Status(ctx, "unknown")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestSubmit_ServerUnavailableIsTransient(t *testing.T) {
	c, srv := newClient(t)
	srv.Gate.Fail(http.StatusServiceUnavailable)

	_, err := c.Submit(context.Background(), submission("k-1", `{}`))
	assert.True(t, apperr.Retryable(err))
	assert.True(t, apperr.Is(err, apperr.TransientFailure))
}

func TestSubmit_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url, Timeout: time.Second}, nil).Submit(context.Background(), submission("k-1", `{}`))
	assert.True(t, apperr.Is(err, apperr.TransientFailure))
	assert.True(t, Unreachable(err))
}

func TestUnreachable_OnlyWhenNothingWasSent(t *testing.T) {
	c, srv := newClient(t)
	srv.Gate.Fail(http.StatusServiceUnavailable)
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.False(t, Unreachable(err))

	assert.False(t, Unreachable(apperr.Transient("read response", io.ErrUnexpectedEOF)))
	assert.False(t, Unreachable(nil))
}

func TestSubmit_InProgressCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"in_progress"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}, nil).Submit(context.Background(), submission("k-1", `{}`))
	assert.True(t, apperr.Is(err, apperr.InProgress))
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(apperr.Transient("x", nil)))
}

func TestSubmit_SendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"SYNCED","canonical_entity_id":"r-1","replayed":false}`))
	}))
	defer srv.Close()

	out, err := New(Config{BaseURL: srv.URL, Token: "tok"}, nil).Submit(context.Background(), submission("k-1", `{}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "r-1", out.CanonicalEntityID)
}

func TestUpload_StoresFileWithContentType(t *testing.T) {
	c, srv := newClient(t)

	a, err := c.Upload(context.Background(), UploadRequest{
		AttachmentID:    "att-1",
		OwnerClientUUID: "draft-1",
		FileName:        `scene "1".jpg`,
		ContentType:     "image/jpeg",
		Body:            strings.NewReader("jpeg-bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "att-1", a.AttachmentID)
	assert.Equal(t, "UPLOADED", a.State)

	b, ok := srv.S3.Object("reports/draft-1/att-1")
	require.True(t, ok)
	assert.Equal(t, "jpeg-bytes", string(b))
}

func TestUpload_FailuresThenManualRetry(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()
	srv.S3.FailNext(5)
	req := func() UploadRequest {
		return UploadRequest{AttachmentID: "att-1", OwnerClientUUID: "draft-1", FileName: "a.jpg", ContentType: "image/jpeg", Body: strings.NewReader("x")}
	}

	for i := 1; i < 5; i++ {
		_, err := c.Upload(ctx, req())
		assert.True(t, apperr.Is(err, apperr.UploadFailure), "attempt %d: %v", i, err)
	}
	_, err := c.Upload(ctx, req())
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "attachment_failed", apperr.CodeOf(err))

	reopened, err := c.RetryAttachment(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, "PENDING", reopened.State)

	a, err := c.Upload(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, "UPLOADED", a.State)
	assert.Equal(t, 5, a.UploadAttempts)
}

func TestUpload_RejectedMediaIsPermanent(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.Upload(context.Background(), UploadRequest{OwnerClientUUID: "draft-1", FileName: "a.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF")})
	assert.True(t, apperr.Is(err, apperr.PermanentRejection))
	assert.Equal(t, "unsupported_media_type", apperr.CodeOf(err))
}

func TestHealth(t *testing.T) {
	c, _ := newClient(t)
	require.NoError(t, c.Health(context.Background()))
}
