// Package reconcile attaches uploaded media to the canonical report of its
// draft, whichever of promotion and upload finishes first.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
)

// Drafts resolves the canonical report id of a draft, "" while unpromoted.
type Drafts interface {
	CanonicalID(ctx context.Context, clientUUID string) (string, error)
}

// Linker sets canonical_entity_id on UPLOADED attachments.
type Linker struct {
	attachments *media.Store
	drafts      Drafts
	log         *zap.Logger
}

func NewLinker(attachments *media.Store, drafts Drafts, log *zap.Logger) *Linker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Linker{attachments: attachments, drafts: drafts, log: log}
}

// LinkAttachments links every UPLOADED, unlinked attachment of clientUUID to
// the draft's canonical report and returns how many it linked. An unpromoted
// draft links nothing and is not an error. Safe to call any number of times.
func (l *Linker) LinkAttachments(ctx context.Context, clientUUID string) (int, error) {
	canonicalID, err := l.drafts.CanonicalID(ctx, clientUUID)
	if err != nil {
		return 0, fmt.Errorf("resolve canonical id: %w", err)
	}
	if canonicalID == "" {
		return 0, nil
	}
	return l.LinkTo(ctx, clientUUID, canonicalID)
}

// LinkTo is LinkAttachments with a known canonical id.
func (l *Linker) LinkTo(ctx context.Context, clientUUID, canonicalID string) (int, error) {
	atts, err := l.attachments.ListByOwner(ctx, clientUUID)
	if err != nil {
		return 0, err
	}
	linked, err := l.link(ctx, atts, canonicalID)
	if linked > 0 {
		l.log.Info("linked attachments",
			zap.String("client_uuid", clientUUID),
			zap.String("canonical_entity_id", canonicalID),
			zap.Int("linked", linked))
	}
	return linked, err
}

func (l *Linker) link(ctx context.Context, atts []media.Attachment, canonicalID string) (int, error) {
	linked := 0
	var firstErr error
	for _, a := range atts {
		if a.State != string(lifecycle.AttachmentUploaded) || a.CanonicalEntityID != "" {
			continue
		}
		err := l.attachments.Link(ctx, a.AttachmentID, canonicalID)
		switch {
		case err == nil:
			linked++
		case errors.Is(err, media.ErrStateMismatch):
			// linked concurrently
		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("link %s: %w", a.AttachmentID, err)
			}
		}
	}
	return linked, firstErr
}
