package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// CanonicalLookup resolves the canonical report id of a draft. It returns ""
// while the draft is not promoted.
type CanonicalLookup interface {
	CanonicalID(ctx context.Context, clientUUID string) (string, error)
}

// UploadRequest is one upload attempt for an attachment.
type UploadRequest struct {
	AttachmentID    string
	OwnerClientUUID string
	FileName        string
	ContentType     string
	Size            int64
	Body            io.Reader
}

// Pipeline runs server-side upload attempts.
type Pipeline struct {
	store       *Store
	objects     Uploader
	lookup      CanonicalLookup
	limits      Limits
	maxAttempts int
	maxBytes    int64
	staleAfter  time.Duration
	log         *zap.Logger
	newID       func() string
}

// PipelineConfig holds the pipeline limits.
type PipelineConfig struct {
	Limits      Limits
	MaxAttempts int
	MaxBytes    int64
	// StaleAfter is how long an UPLOADING row may sit untouched before a new
	// attempt takes it over. Zero disables takeover.
	StaleAfter time.Duration
}

func NewPipeline(store *Store, objects Uploader, lookup CanonicalLookup, cfg PipelineConfig, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:       store,
		objects:     objects,
		lookup:      lookup,
		limits:      cfg.Limits,
		maxAttempts: cfg.MaxAttempts,
		maxBytes:    cfg.MaxBytes,
		staleAfter:  cfg.StaleAfter,
		log:         log,
		newID:       newULID,
	}
}

func newULID() string { return ulid.Make().String() }

// Store returns the attachment store.
func (p *Pipeline) Store() *Store { return p.store }

// Upload performs one upload attempt. The attachment row is created PENDING
// the first time its id is seen, so a retried request with the same
// attachment_id resumes the same row. An UPLOADED attachment is returned
// unchanged.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*Attachment, error) {
	if req.OwnerClientUUID == "" {
		return nil, apperr.Permanent("invalid_owner", "owner_client_uuid is required")
	}
	mt, ok := lifecycle.MediaTypeFor(req.ContentType)
	if !ok {
		return nil, apperr.Permanent("unsupported_media_type", "unsupported content type "+req.ContentType)
	}
	if p.maxBytes > 0 && req.Size > p.maxBytes {
		return nil, apperr.Permanent("attachment_too_large", fmt.Sprintf("attachment exceeds %d bytes", p.maxBytes))
	}

	a, err := p.resolve(ctx, req, mt)
	if err != nil {
		return nil, err
	}
	log := p.log.With(zap.String("attachment_id", a.AttachmentID), zap.String("owner_client_uuid", a.OwnerClientUUID))

	switch lifecycle.AttachmentState(a.State) {
	case lifecycle.AttachmentUploaded:
		return a, nil
	case lifecycle.AttachmentUploading:
		if !p.stale(a) {
			return nil, uploadInProgress()
		}
		if _, err := p.store.RecoverStale(ctx, a.AttachmentID, p.store.nowFunc().Add(-p.staleAfter)); err != nil {
			if errors.Is(err, ErrStateMismatch) {
				return nil, uploadInProgress()
			}
			return nil, apperr.Transient("recover stale upload", err)
		}
		log.Warn("took over stale upload")
	case lifecycle.AttachmentFailed:
		return nil, attachmentFailed()
	}

	claimed, err := p.store.BeginUpload(ctx, a.AttachmentID)
	if errors.Is(err, ErrStateMismatch) {
		return nil, uploadInProgress()
	}
	if err != nil {
		return nil, apperr.Transient("begin upload", err)
	}

	key := ObjectKey(claimed.OwnerClientUUID, claimed.AttachmentID)
	etag, perr := p.objects.Put(ctx, key, req.ContentType, req.Body, req.Size)
	if perr != nil {
		return nil, p.recordFailure(ctx, claimed, perr, log)
	}

	canonicalID, err := p.lookup.CanonicalID(ctx, claimed.OwnerClientUUID)
	if err != nil {
		// linking is retried by the reconcile sweep
		log.Warn("canonical lookup failed", zap.Error(err))
		canonicalID = ""
	}
	done, err := p.store.MarkUploaded(ctx, claimed.AttachmentID, key, etag, canonicalID)
	if err != nil {
		return nil, apperr.Transient("mark uploaded", err)
	}
	if canonicalID == "" {
		p.linkLate(ctx, done, log)
	}
	log.Info("attachment uploaded", zap.String("state", done.State), zap.String("canonical_entity_id", done.CanonicalEntityID))
	return done, nil
}

// resolve loads the attachment for req or creates it PENDING, enforcing the
// per-draft limits on creation.
func (p *Pipeline) resolve(ctx context.Context, req UploadRequest, mt lifecycle.MediaType) (*Attachment, error) {
	if strings.Contains(req.AttachmentID, "#") {
		return nil, apperr.Permanent("invalid_attachment_id", "attachment_id must not contain '#'")
	}
	if req.AttachmentID != "" {
		a, err := p.store.Get(ctx, req.AttachmentID)
		if err == nil {
			if a.OwnerClientUUID != req.OwnerClientUUID {
				return nil, apperr.Permanent("attachment_owner_mismatch", "attachment belongs to another draft")
			}
			return a, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, apperr.Transient("get attachment", err)
		}
	}

	id := req.AttachmentID
	if id == "" {
		id = p.newID()
	}
	limit := p.limits.max(mt)
	a, err := p.store.Create(ctx, Attachment{
		AttachmentID:    id,
		OwnerClientUUID: req.OwnerClientUUID,
		MediaType:       string(mt),
		FileName:        req.FileName,
		ContentType:     req.ContentType,
		SizeBytes:       req.Size,
	}, limit)
	switch {
	case errors.Is(err, ErrLimit):
		return nil, apperr.Permanent("attachment_limit", fmt.Sprintf("at most %d %s attachments per report", limit, mt))
	case errors.Is(err, ErrExists):
		// a concurrent request created it first
		a, err = p.store.Get(ctx, id)
		if err == nil && a.OwnerClientUUID != req.OwnerClientUUID {
			return nil, apperr.Permanent("attachment_owner_mismatch", "attachment belongs to another draft")
		}
	}
	if err != nil {
		return nil, apperr.Transient("create attachment", err)
	}
	return a, nil
}

func (p *Pipeline) stale(a *Attachment) bool {
	return p.staleAfter > 0 && p.store.nowFunc().Sub(a.UpdatedAt) >= p.staleAfter
}

func (p *Pipeline) recordFailure(ctx context.Context, a *Attachment, cause error, log *zap.Logger) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	next, err := p.store.MarkUploadFailed(wctx, a, cause.Error(), p.maxAttempts)
	if err != nil {
		log.Error("record upload failure", zap.Error(err), zap.NamedError("cause", cause))
		return apperr.Wrap(apperr.UploadFailure, "upload_failed", "store attachment", cause)
	}
	log.Warn("attachment upload failed",
		zap.Error(cause),
		zap.Int("upload_attempts", next.UploadAttempts),
		zap.String("state", next.State))
	if next.State == string(lifecycle.AttachmentFailed) {
		return attachmentFailed()
	}
	return apperr.Wrap(apperr.UploadFailure, "upload_failed", "store attachment", cause)
}

// linkLate covers a promotion that committed between the canonical lookup
// and MarkUploaded.
func (p *Pipeline) linkLate(ctx context.Context, a *Attachment, log *zap.Logger) {
	canonicalID, err := p.lookup.CanonicalID(ctx, a.OwnerClientUUID)
	if err != nil || canonicalID == "" {
		return
	}
	if err := p.store.Link(ctx, a.AttachmentID, canonicalID); err != nil && !errors.Is(err, ErrStateMismatch) {
		log.Warn("late link failed", zap.Error(err))
		return
	}
	a.CanonicalEntityID = canonicalID
}

// Retry is the manual retry of a FAILED attachment. Retrying an attachment
// that is not FAILED returns it unchanged.
func (p *Pipeline) Retry(ctx context.Context, id string) (*Attachment, error) {
	a, err := p.store.ResetFailed(ctx, id)
	if err == nil {
		p.log.Info("attachment reset for manual retry",
			zap.String("attachment_id", id), zap.Int("upload_attempts", a.UploadAttempts))
		return a, nil
	}
	if !errors.Is(err, ErrStateMismatch) {
		return nil, apperr.Transient("reset attachment", err)
	}
	a, err = p.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "not_found", "attachment not found")
	}
	if err != nil {
		return nil, apperr.Transient("get attachment", err)
	}
	return a, nil
}

// Get returns an attachment or a NotFound error.
func (p *Pipeline) Get(ctx context.Context, id string) (*Attachment, error) {
	a, err := p.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "not_found", "attachment not found")
	}
	if err != nil {
		return nil, apperr.Transient("get attachment", err)
	}
	return a, nil
}

func uploadInProgress() error {
	return apperr.New(apperr.InProgress, "in_progress", "attachment upload already in progress")
}

func attachmentFailed() error {
	return apperr.New(apperr.Conflict, "attachment_failed", "attachment exhausted its upload attempts; retry it manually")
}
