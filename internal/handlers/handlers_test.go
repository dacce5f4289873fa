package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/awslabs/aws-lambda-go-api-proxy/core"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reports"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/submission"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/awsfake"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/dynamofake"
)

type server struct {
	r       *gin.Engine
	s3      *awsfake.S3
	keys    *idempotency.Store
	reports *reports.Store
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := dynamofake.New().
		CreateTable("idempotency", "idempotency_key").
		CreateTable("drafts", "client_uuid").
		CreateTable("reports", "report_id").
		CreateTable("attachments", "attachment_id").
		AddIndex("attachments", "owner_client_uuid-index", "owner_client_uuid")

	srv := &server{s3: &awsfake.S3{}}
	srv.keys = idempotency.NewStore(fake, "idempotency", 48*time.Hour)
	srv.reports = reports.NewStore(fake, "drafts", "reports")
	atts := media.NewStore(fake, "attachments", "owner_client_uuid-index")
	limits := media.Limits{MaxPhotos: 3, MaxVideos: 1}
	pipeline := media.NewPipeline(atts, media.NewObjectStore(srv.s3, "evidence"), srv.reports,
		media.PipelineConfig{Limits: limits, MaxAttempts: 5, MaxBytes: 1 << 20}, nil)
	svc := submission.NewService(submission.Deps{
		Processor:   idempotency.NewProcessor(srv.keys, nil),
		Reports:     srv.reports,
		Attachments: atts,
		Linker:      reconcile.NewLinker(atts, srv.reports, nil),
		Publisher:   aws.NewPublisher(&awsfake.SQS{}, ""),
		Limits:      limits,
		StaleAfter:  15 * time.Minute,
	})

	srv.r = gin.New()
	RegisterRoutes(srv.r, HandlerConfig{
		Submissions:    svc,
		Pipeline:       pipeline,
		RequestTimeout: 5 * time.Second,
		MaxUploadBytes: 1 << 20,
		RetryAfter:     3 * time.Second,
		DevBypassAuth:  true,
		AdminSubjects:  []string{"ops"},
	})
	return srv
}

// token builds an unsigned JWT carrying sub.
func token(sub string) string {
	enc := base64.RawURLEncoding
	claims, _ := json.Marshal(map[string]string{"sub": sub})
	return "Bearer " + enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString(claims) + ".sig"
}

func (s *server) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token("agent-7"))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

func submitBody(key, payload string) []byte {
	return []byte(`{"key":"` + key + `","client_uuid":"draft-1","report_kind":"INCIDENT","payload":` + payload + `}`)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealth_NoAuth(t *testing.T) {
	s := newServer(t)
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmit_RequiresCredential(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{}`), map[string]string{"Authorization": ""})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{}`), map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmit_SyncedThenReplayed(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{"note":"gas leak"}`), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, "SYNCED", first["status"])
	assert.Equal(t, false, first["replayed"])
	id, _ := first["canonical_entity_id"].(string)
	require.NotEmpty(t, id)

	rep, err := s.reports.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", rep.Author)

	w = s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{ "note" : "gas leak" }`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode(t, w)
	assert.Equal(t, id, again["canonical_entity_id"])
	assert.Equal(t, true, again["replayed"])

	w = s.do(t, http.MethodGet, "/submissions/k1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SYNCED", decode(t, w)["status"])
}

func TestSubmit_ErrorMapping(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{"note":"a"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{"note":"b"}`), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "idempotency_key_conflict", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/submissions", []byte(`{"key":"k2","report_kind":"INCIDENT","payload":[1]}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/submissions", []byte(`{"key":"k3","report_kind":"PATROL","payload":{}}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "invalid_report_kind", body["error_code"])

	w = s.do(t, http.MethodGet, "/submissions/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmit_InProgressCarriesRetryAfter(t *testing.T) {
	s := newServer(t)

	// another attempt holds k1
	body := submitBody("k1", `{"note":"a"}`)
	var env struct {
		ClientUUID string          `json:"client_uuid"`
		ReportKind string          `json:"report_kind"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	fp, err := idempotency.Fingerprint(submission.Operation, env)
	require.NoError(t, err)
	_, claimed, err := s.keys.Claim(context.Background(), idempotency.Request{Key: "k1", Operation: submission.Operation, Fingerprint: fp})
	require.NoError(t, err)
	require.True(t, claimed)

	w := s.do(t, http.MethodPost, "/submissions", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "in_progress", decode(t, w)["error"])
	assert.Equal(t, "3", w.Header().Get("Retry-After"))

	w = s.do(t, http.MethodGet, "/submissions/k1", nil, nil)
	assert.Equal(t, "IN_PROGRESS", decode(t, w)["status"])
}

func multipartUpload(t *testing.T, owner, id, contentType string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("owner_client_uuid", owner))
	if id != "" {
		require.NoError(t, mw.WriteField("attachment_id", id))
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="scene.jpg"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func (s *server) upload(t *testing.T, owner, id, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartUpload(t, owner, id, contentType, []byte("image-bytes"))
	return s.do(t, http.MethodPost, "/attachments", body, map[string]string{
		"Content-Type":  ct,
		"Authorization": "",
		"X-User-Sub":    "agent-7",
	})
}

func TestUpload_ThenSubmitLinksAttachment(t *testing.T) {
	s := newServer(t)

	w := s.upload(t, "draft-1", "a-1", "image/jpeg")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "UPLOADED", body["state"])
	assert.Nil(t, body["canonical_entity_id"])
	stored, ok := s.s3.Object("reports/draft-1/a-1")
	require.True(t, ok)
	assert.Equal(t, []byte("image-bytes"), stored)

	w = s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{"note":"a"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := decode(t, w)["canonical_entity_id"]

	w = s.do(t, http.MethodGet, "/drafts/draft-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view submission.DraftView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Attachments, 1)
	assert.Equal(t, id, view.Attachments[0].CanonicalEntityID)
	assert.True(t, view.Completeness.Complete)

	w = s.do(t, http.MethodGet, "/attachments/a-1", nil, nil)
	assert.Equal(t, id, decode(t, w)["canonical_entity_id"])
}

func TestUpload_StatusCodes(t *testing.T) {
	s := newServer(t)

	w := s.upload(t, "draft-1", "a-1", "application/zip")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "unsupported_media_type", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/attachments", nil, map[string]string{"Content-Type": "multipart/form-data; boundary=x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.s3.FailNext(5)
	for i := 0; i < 4; i++ {
		w = s.upload(t, "draft-1", "a-2", "image/png")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	}
	w = s.upload(t, "draft-1", "a-2", "image/png")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "attachment_failed", decode(t, w)["error"])

	w = s.do(t, http.MethodPost, "/attachments/a-2/retry", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decode(t, w)["state"])

	w = s.upload(t, "draft-1", "a-2", "image/png")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "UPLOADED", body["state"])
	assert.Equal(t, float64(5), body["upload_attempts"])

	w = s.do(t, http.MethodGet, "/attachments/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRecover_RequiresAdmin(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/admin/idempotency/k1/recover", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/admin/idempotency/k1/recover", nil, map[string]string{"X-User-Sub": "ops"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRecover_UnverifiedBearerIsForbidden(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/admin/idempotency/k1/recover", nil, map[string]string{"Authorization": token("ops")})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// the same bearer still works on device routes
	w = s.do(t, http.MethodPost, "/submissions", submitBody("k1", `{}`), map[string]string{"Authorization": token("ops")})
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	assert.NotEqual(t, http.StatusForbidden, w.Code)
}

func TestAdminRecover_AuthorizerSubject(t *testing.T) {
	s := newServer(t)
	req, err := (&core.RequestAccessor{}).EventToRequestWithContext(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/admin/idempotency/k1/recover",
		Headers:    map[string]string{"Authorization": token("agent-7")},
		RequestContext: events.APIGatewayProxyRequestContext{
			DomainName: "api.example.com",
			Authorizer: map[string]interface{}{"principalId": "ops"},
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubFromBearer(t *testing.T) {
	assert.Equal(t, "u-1", subFromBearer(token("u-1")))
	assert.Equal(t, "u-1", subFromBearer("bearer "+token("u-1")[7:]))
	assert.Empty(t, subFromBearer("Basic abc"))
	assert.Empty(t, subFromBearer("Bearer a.!!!.c"))
	assert.Empty(t, subFromBearer(""))
}
