package agent

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/syncclient"
)

func (s *Syncer) upload(ctx context.Context, a outbox.Attachment, st *Stats) error {
	claimed, err := s.store.BeginUpload(ctx, a.AttachmentID)
	if errors.Is(err, outbox.ErrStateMismatch) || errors.Is(err, outbox.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := s.log.With(zap.String("attachment_id", claimed.AttachmentID), zap.String("owner_client_uuid", claimed.OwnerClientUUID))
	bookkeeping := context.WithoutCancel(ctx)

	f, err := s.open(claimed.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		st.UploadsFailed++
		log.Error("attachment file is gone", zap.String("file_path", claimed.FilePath))
		return s.store.MarkRejected(bookkeeping, claimed.AttachmentID, "file_missing: "+claimed.FilePath)
	}
	if err != nil {
		return s.uploadFailed(bookkeeping, claimed, err, st, log)
	}
	defer f.Close()

	res, err := s.api.Upload(ctx, syncclient.UploadRequest{
		AttachmentID:    claimed.AttachmentID,
		OwnerClientUUID: claimed.OwnerClientUUID,
		FileName:        claimed.FileName,
		ContentType:     claimed.ContentType,
		Body:            f,
	})
	if err == nil && res.State == string(lifecycle.AttachmentUploaded) {
		st.Uploaded++
		log.Info("attachment uploaded", zap.String("canonical_entity_id", res.CanonicalEntityID))
		return s.store.MarkUploaded(bookkeeping, claimed.AttachmentID, res.CanonicalEntityID)
	}
	if err == nil {
		// the server kept the row but did not store the bytes
		err = apperr.New(apperr.UploadFailure, "not_uploaded", "server answered state "+res.State)
	}

	if syncclient.Unreachable(err) {
		st.UploadsWaiting++
		log.Debug("api unreachable, upload released", zap.Error(err))
		return s.store.ReleaseUpload(bookkeeping, claimed.AttachmentID, s.nextAttempt(1, err))
	}
	switch apperr.KindOf(err) {
	case apperr.InProgress:
		st.UploadsWaiting++
		return s.store.ReleaseUpload(bookkeeping, claimed.AttachmentID, s.nextAttempt(1, err))
	case apperr.PermanentRejection, apperr.Conflict:
		// refused, or FAILED on the server: only a manual retry helps
		st.UploadsFailed++
		log.Warn("attachment failed", zap.Error(err))
		return s.store.MarkRejected(bookkeeping, claimed.AttachmentID, apperr.CodeOf(err)+": "+err.Error())
	}
	return s.uploadFailed(bookkeeping, claimed, err, st, log)
}

func (s *Syncer) uploadFailed(ctx context.Context, a *outbox.Attachment, cause error, st *Stats, log *zap.Logger) error {
	attempt := a.UploadAttempts - a.AttemptsAtReset + 1
	to, err := s.store.MarkUploadFailed(ctx, a.AttachmentID, cause.Error(), s.cfg.MaxUploadAttempts, s.nextAttempt(attempt, cause))
	if err != nil {
		return err
	}
	if to == lifecycle.AttachmentFailed {
		st.UploadsFailed++
		log.Warn("attachment failed after retries", zap.Int("attempts", a.UploadAttempts+1), zap.Error(cause))
		return nil
	}
	st.UploadRetries++
	log.Debug("attachment upload will be retried", zap.Error(cause))
	return nil
}

// RetryAttachment is the manual retry of a FAILED attachment. The server
// copy is reopened first; an attachment the server never saw only needs
// the local reset.
func (s *Syncer) RetryAttachment(ctx context.Context, id string) error {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	if a.State != lifecycle.AttachmentFailed {
		return outbox.ErrStateMismatch
	}
	if _, err := s.api.RetryAttachment(ctx, id); err != nil && !apperr.Is(err, apperr.NotFound) {
		return err
	}
	return s.store.RetryAttachment(ctx, id)
}
