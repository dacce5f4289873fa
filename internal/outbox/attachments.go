package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// Attachment is one media file waiting for or done with upload.
type Attachment struct {
	AttachmentID      string                    `json:"attachment_id"`
	OwnerClientUUID   string                    `json:"owner_client_uuid"`
	FilePath          string                    `json:"file_path"`
	FileName          string                    `json:"file_name"`
	ContentType       string                    `json:"content_type"`
	MediaType         lifecycle.MediaType       `json:"media_type"`
	SizeBytes         int64                     `json:"size_bytes"`
	State             lifecycle.AttachmentState `json:"state"`
	UploadAttempts    int                       `json:"upload_attempts"`
	AttemptsAtReset   int                       `json:"-"`
	LastError         string                    `json:"last_error,omitempty"`
	NextAttemptAt     time.Time                 `json:"next_attempt_at"`
	UploadedAt        time.Time                 `json:"uploaded_at"`
	CanonicalEntityID string                    `json:"canonical_entity_id,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// NewAttachment describes a file to attach to a draft.
type NewAttachment struct {
	OwnerClientUUID string
	FilePath        string
	ContentType     string
	SizeBytes       int64
}

// Limits caps attachments per draft by media type. Zero means no limit.
type Limits struct {
	MaxPhotos int
	MaxVideos int
}

func (l Limits) max(mt lifecycle.MediaType) int {
	if mt == lifecycle.MediaVideo {
		return l.MaxVideos
	}
	return l.MaxPhotos
}

const attachmentColumns = `attachment_id, owner_client_uuid, file_path, file_name, content_type, media_type,
	size_bytes, state, upload_attempts, attempts_at_reset, last_error, next_attempt_at, uploaded_at,
	canonical_entity_id, created_at, updated_at`

// AddAttachment registers a file for upload under a draft. The attachment
// id is generated here so every upload attempt reuses it.
func (s *Store) AddAttachment(ctx context.Context, in NewAttachment, limits Limits) (*Attachment, error) {
	mt, ok := lifecycle.MediaTypeFor(in.ContentType)
	if !ok {
		return nil, apperr.Permanent("unsupported_media_type", "unsupported content type "+in.ContentType)
	}
	now := s.millis()
	a := &Attachment{
		AttachmentID:    s.newID(),
		OwnerClientUUID: in.OwnerClientUUID,
		FilePath:        in.FilePath,
		FileName:        filepath.Base(in.FilePath),
		ContentType:     in.ContentType,
		MediaType:       mt,
		SizeBytes:       in.SizeBytes,
		State:           lifecycle.AttachmentPending,
		CreatedAt:       fromMillis(now),
		UpdatedAt:       fromMillis(now),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM drafts WHERE client_uuid = ?`, in.OwnerClientUUID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if lifecycle.DraftState(state) == lifecycle.DraftAbandoned {
			return ErrStateMismatch
		}
		if limit := limits.max(mt); limit > 0 {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM attachments WHERE owner_client_uuid = ? AND media_type = ?`,
				in.OwnerClientUUID, string(mt)).Scan(&n)
			if err != nil {
				return err
			}
			if n >= limit {
				return fmt.Errorf("%d %s attachments: %w", n, mt, ErrLimit)
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments (attachment_id, owner_client_uuid, file_path, file_name, content_type,
				media_type, size_bytes, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.AttachmentID, a.OwnerClientUUID, a.FilePath, a.FileName, a.ContentType,
			string(mt), a.SizeBytes, string(a.State), now, now)
		return err
	})
	if err != nil {
		return nil, storageErr("add attachment", err)
	}
	return a, nil
}

// GetAttachment returns one attachment.
func (s *Store) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE attachment_id = ?`, id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get attachment", err)
	}
	return a, nil
}

// ListAttachments returns the attachments of a draft, oldest first.
func (s *Store) ListAttachments(ctx context.Context, owner string) ([]Attachment, error) {
	return s.queryAttachments(ctx, "list attachments", `SELECT `+attachmentColumns+` FROM attachments
		WHERE owner_client_uuid = ? ORDER BY created_at, attachment_id`, owner)
}

// ownerLive keeps attachments of abandoned drafts on the device.
const ownerLive = `NOT EXISTS (SELECT 1 FROM drafts
	WHERE drafts.client_uuid = attachments.owner_client_uuid AND drafts.state = 'ABANDONED')`

// DueAttachments returns PENDING attachments whose backoff has elapsed.
// Uploads do not wait for their draft to sync, but an abandoned draft's
// attachments are never due.
func (s *Store) DueAttachments(ctx context.Context, limit int) ([]Attachment, error) {
	return s.queryAttachments(ctx, "due attachments", `SELECT `+attachmentColumns+` FROM attachments
		WHERE state = 'PENDING' AND next_attempt_at <= ? AND `+ownerLive+`
		ORDER BY next_attempt_at, created_at LIMIT ?`, s.millis(), limit)
}

func (s *Store) queryAttachments(ctx context.Context, op, q string, args ...any) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// BeginUpload claims a PENDING attachment for one upload attempt. It fails
// with ErrStateMismatch once the owning draft is abandoned.
func (s *Store) BeginUpload(ctx context.Context, id string) (*Attachment, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE attachments SET state = 'UPLOADING', updated_at = ?
			WHERE attachment_id = ? AND state = 'PENDING' AND `+ownerLive, s.millis(), id)
		if err != nil {
			return err
		}
		return s.expectOne(ctx, tx, res, "attachments", "attachment_id", id)
	})
	if err != nil {
		return nil, storageErr("begin upload", err)
	}
	return s.GetAttachment(ctx, id)
}

// MarkUploaded records a finished upload. An empty canonicalID falls back to
// the canonical id of the owning draft, if it has synced.
func (s *Store) MarkUploaded(ctx context.Context, id, canonicalID string) error {
	return s.attachmentTransition(ctx, "mark uploaded", id, lifecycle.AttachmentUploading, `
		state = 'UPLOADED', last_error = '', uploaded_at = ?,
		canonical_entity_id = CASE WHEN ? <> '' THEN ?
			ELSE (SELECT canonical_entity_id FROM drafts WHERE client_uuid = owner_client_uuid) END`,
		s.millis(), canonicalID, canonicalID)
}

// MarkUploadFailed counts a failed attempt and moves the attachment back
// to PENDING until next, or to FAILED once the attempts since the last
// manual retry reach maxAttempts.
func (s *Store) MarkUploadFailed(ctx context.Context, id, reason string, maxAttempts int, next time.Time) (lifecycle.AttachmentState, error) {
	var to lifecycle.AttachmentState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var attempts, reset int
		err := tx.QueryRowContext(ctx, `SELECT upload_attempts, attempts_at_reset FROM attachments
			WHERE attachment_id = ? AND state = 'UPLOADING'`, id).Scan(&attempts, &reset)
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOrMismatch(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		to = lifecycle.AfterUploadFailure(attempts+1, reset, maxAttempts)
		_, err = tx.ExecContext(ctx, `
			UPDATE attachments SET state = ?, upload_attempts = upload_attempts + 1, last_error = ?,
				next_attempt_at = ?, updated_at = ?
			WHERE attachment_id = ? AND state = 'UPLOADING'`,
			string(to), reason, toMillis(next), s.millis(), id)
		return err
	})
	if err != nil {
		return "", storageErr("mark upload failed", err)
	}
	return to, nil
}

// MarkRejected moves an UPLOADING attachment straight to FAILED. It is used
// when the server refuses the file or already holds it as FAILED.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	return s.attachmentTransition(ctx, "mark rejected", id, lifecycle.AttachmentUploading,
		`state = 'FAILED', upload_attempts = upload_attempts + 1, last_error = ?`, reason)
}

// ReleaseUpload returns an UPLOADING attachment to PENDING without counting
// an attempt, for example when another upload of it is still running.
func (s *Store) ReleaseUpload(ctx context.Context, id string, next time.Time) error {
	return s.attachmentTransition(ctx, "release upload", id, lifecycle.AttachmentUploading,
		`state = 'PENDING', next_attempt_at = ?`, toMillis(next))
}

// RetryAttachment is the manual retry of a FAILED attachment. It opens a
// fresh attempt window; the cumulative counter keeps growing.
func (s *Store) RetryAttachment(ctx context.Context, id string) error {
	return s.attachmentTransition(ctx, "retry attachment", id, lifecycle.AttachmentFailed,
		`state = 'PENDING', attempts_at_reset = upload_attempts, next_attempt_at = ?`, s.millis())
}

func (s *Store) attachmentTransition(ctx context.Context, op, id string, from lifecycle.AttachmentState, set string, args ...any) error {
	q := `UPDATE attachments SET ` + set + `, updated_at = ? WHERE attachment_id = ? AND state = ?`
	args = append(args, s.millis(), id, string(from))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		return s.expectOne(ctx, tx, res, "attachments", "attachment_id", id)
	})
	if err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *Store) missingOrMismatch(ctx context.Context, tx *sql.Tx, id string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM attachments WHERE attachment_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStateMismatch
}

func scanAttachment(r scanner) (*Attachment, error) {
	var (
		a                Attachment
		mediaType, state string
		next, uploaded   int64
		created, updated int64
	)
	err := r.Scan(&a.AttachmentID, &a.OwnerClientUUID, &a.FilePath, &a.FileName, &a.ContentType, &mediaType,
		&a.SizeBytes, &state, &a.UploadAttempts, &a.AttemptsAtReset, &a.LastError, &next, &uploaded,
		&a.CanonicalEntityID, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.MediaType = lifecycle.MediaType(mediaType)
	a.State = lifecycle.AttachmentState(state)
	a.NextAttemptAt = fromMillis(next)
	a.UploadedAt = fromMillis(uploaded)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
