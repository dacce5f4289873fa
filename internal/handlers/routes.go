// Package handlers exposes the submission and attachment API over gin.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/submission"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/validation"
)

// HandlerConfig groups dependencies for the API routes.
type HandlerConfig struct {
	Submissions    *submission.Service
	Pipeline       *media.Pipeline
	Logger         *zap.Logger
	RequestTimeout time.Duration
	MaxUploadBytes int64
	// RetryAfter is sent with in-progress responses.
	RetryAfter    time.Duration
	DevBypassAuth bool
	AdminSubjects []string
}

// RegisterRoutes registers the API routes on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 2 * time.Second
	}
	h := &handler{cfg: cfg, v: validation.New()}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", Authenticate(cfg.DevBypassAuth), timeout(cfg.RequestTimeout))
	api.POST("/submissions", h.submit)
	api.GET("/submissions/:key", h.submissionStatus)
	api.GET("/drafts/:client_uuid", h.draft)
	api.POST("/attachments", h.upload)
	api.GET("/attachments/:id", h.attachment)
	api.POST("/attachments/:id/retry", h.retryAttachment)

	admin := api.Group("/admin", RequireSubject(cfg.AdminSubjects))
	admin.POST("/idempotency/:key/recover", h.recoverKey)
}

type handler struct {
	cfg HandlerConfig
	v   *validatorv10.Validate
}

// timeout bounds every request's context.
func timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// writeError renders a taxonomy error. In-progress answers carry
// Retry-After so devices back off instead of hammering a held key.
func (h *handler) writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.CodeOf(err)
	if apperr.Is(err, apperr.InProgress) {
		c.Header("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter.Seconds())))
	}
	body := gin.H{"error": code}
	if apperr.Is(err, apperr.PermanentRejection) || apperr.Is(err, apperr.Conflict) {
		body["message"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.cfg.Logger.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, body)
}
