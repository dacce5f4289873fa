// Package agent runs the device sync loop: queued drafts are submitted
// under their idempotency key and pending attachments are uploaded, each
// with its own retry budget.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/outbox"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/syncclient"
)

// API is the part of the sync API the loop uses.
type API interface {
	Submit(ctx context.Context, req syncclient.SubmitRequest) (*syncclient.Outcome, error)
	Upload(ctx context.Context, req syncclient.UploadRequest) (*syncclient.Attachment, error)
	RetryAttachment(ctx context.Context, id string) (*syncclient.Attachment, error)
	Health(ctx context.Context) error
}

// Config holds the retry policy of the loop.
type Config struct {
	Backoff               lifecycle.Backoff
	MaxSubmissionAttempts int
	MaxUploadAttempts     int
	// BatchSize bounds the drafts and the attachments handled per pass.
	BatchSize int
}

// Stats counts what one pass did.
type Stats struct {
	Submitted int `json:"submitted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`

	Uploaded       int `json:"uploaded"`
	UploadRetries  int `json:"upload_retries"`
	UploadsFailed  int `json:"uploads_failed"`
	UploadsWaiting int `json:"uploads_waiting"`

	// Offline is set when the pass was skipped because the API could not
	// be reached.
	Offline bool `json:"offline,omitempty"`
}

// Syncer drives the outbox against the API.
type Syncer struct {
	store   *outbox.Store
	api     API
	cfg     Config
	log     *zap.Logger
	nowFunc func() time.Time
	open    func(path string) (io.ReadCloser, error)
}

// NewSyncer returns a Syncer.
func NewSyncer(store *outbox.Store, api API, cfg Config, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Syncer{
		store:   store,
		api:     api,
		cfg:     cfg,
		log:     log,
		nowFunc: time.Now,
		open:    func(p string) (io.ReadCloser, error) { return os.Open(p) },
	}
}

// WithClock overrides the time source used for backoff.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.nowFunc = now
	return s
}

// Recover returns work interrupted by a crash to its queue. Drafts keep
// their submission key so the retry finds any completion on the server.
func (s *Syncer) Recover(ctx context.Context) error {
	drafts, atts, err := s.store.ResetInFlight(ctx)
	if err != nil {
		return err
	}
	if drafts > 0 || atts > 0 {
		s.log.Info("recovered interrupted work", zap.Int("drafts", drafts), zap.Int("attachments", atts))
	}
	return nil
}

// RunOnce submits the due drafts, then uploads the due attachments. The
// pass is skipped when the API cannot be reached, so being offline never
// uses up attempts.
func (s *Syncer) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.api.Health(ctx); err != nil && syncclient.Unreachable(err) {
		st.Offline = true
		s.log.Debug("api unreachable, skipping sync pass", zap.Error(err))
		return st, nil
	}
	drafts, err := s.store.DueDrafts(ctx, s.cfg.BatchSize)
	if err != nil {
		return st, err
	}
	for _, d := range drafts {
		if err := s.submit(ctx, d, &st); err != nil {
			return st, err
		}
	}
	atts, err := s.store.DueAttachments(ctx, s.cfg.BatchSize)
	if err != nil {
		return st, err
	}
	for _, a := range atts {
		if err := s.upload(ctx, a, &st); err != nil {
			return st, err
		}
	}
	return st, nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	for {
		st, err := s.RunOnce(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.log.Warn("sync pass failed", zap.Error(err))
		case st != (Stats{}) && !st.Offline:
			s.log.Info("sync pass",
				zap.Int("submitted", st.Submitted),
				zap.Int("synced", st.Synced),
				zap.Int("requeued", st.Requeued),
				zap.Int("uploaded", st.Uploaded),
				zap.Int("upload_retries", st.UploadRetries))
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Syncer) submit(ctx context.Context, d outbox.Draft, st *Stats) error {
	claimed, err := s.store.BeginSubmit(ctx, d.ClientUUID)
	if errors.Is(err, outbox.ErrStateMismatch) || errors.Is(err, outbox.ErrNotFound) {
		// abandoned or claimed since it was listed
		return nil
	}
	if err != nil {
		return err
	}
	st.Submitted++
	log := s.log.With(zap.String("client_uuid", claimed.ClientUUID), zap.String("submission_key", claimed.SubmissionKey))

	out, err := s.api.Submit(ctx, syncclient.SubmitRequest{
		Key:        claimed.SubmissionKey,
		ClientUUID: claimed.ClientUUID,
		ReportKind: string(claimed.Kind),
		Payload:    claimed.Payload,
	})
	res := s.settle(claimed, out, err)
	switch res.State {
	case lifecycle.DraftSynced:
		st.Synced++
		log.Info("draft synced", zap.String("canonical_entity_id", res.CanonicalEntityID))
	case lifecycle.DraftFailed:
		st.Failed++
		log.Warn("draft rejected", zap.String("last_error", res.LastError))
	case lifecycle.DraftAbandoned:
		st.Abandoned++
		log.Warn("draft abandoned after retries", zap.Int("attempts", claimed.AttemptCount+1), zap.String("last_error", res.LastError))
	default:
		st.Requeued++
		log.Debug("draft requeued", zap.Bool("counted", !res.Uncounted), zap.Time("next_attempt_at", res.NextAttemptAt), zap.Error(err))
	}
	// the outcome is recorded even when the pass is being cancelled
	return s.store.FinishSubmit(context.WithoutCancel(ctx), claimed.ClientUUID, res)
}

// settle maps one submission answer onto the draft state machine. Only an
// explicit answer ends in SYNCED or FAILED; anything else is retried.
func (s *Syncer) settle(d *outbox.Draft, out *syncclient.Outcome, err error) outbox.SubmitResult {
	if err == nil {
		switch out.Status {
		case "SYNCED":
			return outbox.SubmitResult{State: lifecycle.NextAfterSubmit(lifecycle.OutcomeSynced, false), CanonicalEntityID: out.CanonicalEntityID}
		case "FAILED":
			return outbox.SubmitResult{State: lifecycle.NextAfterSubmit(lifecycle.OutcomeRejected, false), LastError: out.ErrorCode + ": " + out.Error}
		}
		err = fmt.Errorf("unexpected submission status %q", out.Status)
	}
	switch apperr.KindOf(err) {
	case apperr.Conflict:
		return outbox.SubmitResult{State: lifecycle.NextAfterSubmit(lifecycle.OutcomeConflict, false), LastError: "conflict: " + err.Error()}
	case apperr.PermanentRejection:
		return outbox.SubmitResult{State: lifecycle.NextAfterSubmit(lifecycle.OutcomeRejected, false), LastError: apperr.CodeOf(err) + ": " + err.Error()}
	}

	attempts := d.AttemptCount + 1
	if syncclient.Unreachable(err) {
		// the request never left the device; connectivity dropped mid-pass
		return outbox.SubmitResult{
			State:         lifecycle.NextAfterSubmit(lifecycle.OutcomeRetry, false),
			LastError:     err.Error(),
			NextAttemptAt: s.nextAttempt(attempts, err),
			Uncounted:     true,
		}
	}
	res := outbox.SubmitResult{
		State:     lifecycle.NextAfterSubmit(lifecycle.OutcomeRetry, attempts >= s.cfg.MaxSubmissionAttempts),
		LastError: err.Error(),
	}
	if res.State == lifecycle.DraftQueued {
		res.NextAttemptAt = s.nextAttempt(attempts, err)
	}
	return res
}

func (s *Syncer) nextAttempt(attempt int, err error) time.Time {
	now := s.nowFunc()
	next := s.cfg.Backoff.Next(now, attempt)
	if wait := syncclient.RetryAfter(err); now.Add(wait).After(next) {
		next = now.Add(wait)
	}
	return next
}
