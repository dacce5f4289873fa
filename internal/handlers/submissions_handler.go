package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/submission"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/validation"
)

// submit handles POST /submissions. A rejected report is a 200 with status
// FAILED: the answer is final for the key and must not be retried.
func (h *handler) submit(c *gin.Context) {
	var req validation.SubmitRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	out, err := h.cfg.Submissions.Submit(c.Request.Context(), submission.Request{
		Key:        req.Key,
		ClientUUID: req.ClientUUID,
		ReportKind: req.ReportKind,
		Payload:    req.Payload,
		Author:     Subject(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) submissionStatus(c *gin.Context) {
	out, err := h.cfg.Submissions.Status(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) draft(c *gin.Context) {
	view, err := h.cfg.Submissions.Draft(c.Request.Context(), c.Param("client_uuid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) recoverKey(c *gin.Context) {
	out, err := h.cfg.Submissions.Recover(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
