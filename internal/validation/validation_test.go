package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRequest_Valid(t *testing.T) {
	v := New()

	req := SubmitRequest{
		Key:        "3f0c7a4e-key",
		ClientUUID: "3f0c7a4e",
		ReportKind: "INCIDENT",
		Payload:    json.RawMessage(`{"note":"tree down"}`),
	}
	require.NoError(t, v.Struct(req))

	// unknown but well formed kinds are decided later
	req.ReportKind = "PATROL_LOG"
	require.NoError(t, v.Struct(req))
}

func TestSubmitRequest_Invalid(t *testing.T) {
	v := New()
	base := SubmitRequest{Key: "k", ReportKind: "INCIDENT", Payload: json.RawMessage(`{}`)}

	tests := map[string]func(r *SubmitRequest){
		"missing key":      func(r *SubmitRequest) { r.Key = "" },
		"lowercase kind":   func(r *SubmitRequest) { r.ReportKind = "incident" },
		"missing kind":     func(r *SubmitRequest) { r.ReportKind = "" },
		"array payload":    func(r *SubmitRequest) { r.Payload = json.RawMessage(`[1,2]`) },
		"null payload":     func(r *SubmitRequest) { r.Payload = json.RawMessage(`null`) },
		"missing payload":  func(r *SubmitRequest) { r.Payload = nil },
		"non-ascii key":    func(r *SubmitRequest) { r.Key = "clé" },
		"oversized client": func(r *SubmitRequest) { r.ClientUUID = strings.Repeat("x", 201) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := base
			mutate(&r)
			assert.Error(t, v.Struct(r))
		})
	}
}

func TestBindAndValidate_WritesFieldErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(`{"key":"k","report_kind":"x","payload":{}}`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req SubmitRequest
	require.Error(t, BindAndValidate(c, &req, New()))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body.Error)
	assert.Equal(t, "report_kind", body.Fields["ReportKind"])
}

func TestBindAndValidate_MalformedJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(`{"key":`))
	c.Request.Header.Set("Content-Type", "application/json")

	var req SubmitRequest
	require.Error(t, BindAndValidate(c, &req, New()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request_body")
}
