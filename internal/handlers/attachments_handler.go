package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/validation"
)

type attachmentResponse struct {
	AttachmentID      string `json:"attachment_id"`
	State             string `json:"state"`
	CanonicalEntityID string `json:"canonical_entity_id,omitempty"`
	UploadAttempts    int    `json:"upload_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

func toResponse(a *media.Attachment) attachmentResponse {
	return attachmentResponse{
		AttachmentID:      a.AttachmentID,
		State:             a.State,
		CanonicalEntityID: a.CanonicalEntityID,
		UploadAttempts:    a.UploadAttempts,
		LastError:         a.LastError,
	}
}

// upload handles POST /attachments, one upload attempt per request.
func (h *handler) upload(c *gin.Context) {
	if h.cfg.MaxUploadBytes > 0 {
		// room for the multipart envelope around the file
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+1<<20)
	}
	var form validation.UploadForm
	if err := validation.BindFormAndValidate(c, &form, h.v); err != nil {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file", "msg": err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file", "msg": err.Error()})
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	a, err := h.cfg.Pipeline.Upload(c.Request.Context(), media.UploadRequest{
		AttachmentID:    form.AttachmentID,
		OwnerClientUUID: form.OwnerClientUUID,
		FileName:        fh.Filename,
		ContentType:     contentType,
		Size:            fh.Size,
		Body:            f,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/attachments/%s", a.AttachmentID))
	c.JSON(http.StatusOK, toResponse(a))
}

func (h *handler) attachment(c *gin.Context) {
	a, err := h.cfg.Pipeline.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(a))
}

// retryAttachment handles the manual retry of a FAILED attachment.
func (h *handler) retryAttachment(c *gin.Context) {
	a, err := h.cfg.Pipeline.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(a))
}
