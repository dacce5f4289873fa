// Package submission runs a device submission end to end: fingerprint,
// idempotent promotion, attachment linking and the reconcile fan-out.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reports"
)

// Operation is the idempotency operation name of a report submission.
const Operation = "submit"

// Outcome statuses returned to devices.
const (
	StatusSynced     = "SYNCED"
	StatusFailed     = "FAILED"
	StatusInProgress = "IN_PROGRESS"
	StatusRetryable  = "RETRYABLE"
)

// Request is one submission attempt.
type Request struct {
	Key        string
	ClientUUID string
	ReportKind string
	Payload    json.RawMessage
	Author     string
}

// Outcome is the terminal answer for a key.
type Outcome struct {
	Status            string `json:"status"`
	CanonicalEntityID string `json:"canonical_entity_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error,omitempty"`
	Replayed          bool   `json:"replayed"`
}

// DraftView is a server draft with its attachments.
type DraftView struct {
	ClientUUID        string             `json:"client_uuid"`
	ReportKind        string             `json:"report_kind,omitempty"`
	State             string             `json:"state,omitempty"`
	AttemptCount      int                `json:"attempt_count"`
	LastError         string             `json:"last_error,omitempty"`
	CanonicalEntityID string             `json:"canonical_entity_id,omitempty"`
	Payload           json.RawMessage    `json:"payload,omitempty"`
	Attachments       []media.Attachment `json:"attachments"`
	Completeness      media.Completeness `json:"completeness"`
}

// fingerprintBody is what two attempts must agree on to share a key.
type fingerprintBody struct {
	ClientUUID string          `json:"client_uuid"`
	ReportKind string          `json:"report_kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Service wires the submission path together.
type Service struct {
	proc        *idempotency.Processor
	reports     *reports.Store
	attachments *media.Store
	linker      *reconcile.Linker
	publisher   *aws.Publisher
	limits      media.Limits
	staleAfter  time.Duration
	log         *zap.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Processor   *idempotency.Processor
	Reports     *reports.Store
	Attachments *media.Store
	Linker      *reconcile.Linker
	Publisher   *aws.Publisher
	Limits      media.Limits
	StaleAfter  time.Duration
	Logger      *zap.Logger
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		proc:        d.Processor,
		reports:     d.Reports,
		attachments: d.Attachments,
		linker:      d.Linker,
		publisher:   d.Publisher,
		limits:      d.Limits,
		staleAfter:  d.StaleAfter,
		log:         d.Logger,
	}
}

// Submit processes one submission. Returned errors are taxonomy errors;
// a rejected report is an Outcome with status FAILED.
func (s *Service) Submit(ctx context.Context, req Request) (Outcome, error) {
	if req.ClientUUID == "" {
		req.ClientUUID = req.Key
	}
	sub := reports.Submission{
		ClientUUID: req.ClientUUID,
		Kind:       req.ReportKind,
		Payload:    req.Payload,
		Author:     req.Author,
	}
	fp, err := idempotency.Fingerprint(Operation, fingerprintBody{
		ClientUUID: req.ClientUUID,
		ReportKind: req.ReportKind,
		Payload:    req.Payload,
	})
	if err != nil {
		return Outcome{}, apperr.Permanent("invalid_payload", err.Error())
	}

	res, err := s.proc.Process(ctx, idempotency.Request{Key: req.Key, Operation: Operation, Fingerprint: fp}, s.reports.Promote(sub))
	if err != nil {
		return Outcome{}, err
	}
	log := s.log.With(zap.String("idempotency_key", req.Key), zap.String("client_uuid", req.ClientUUID))

	if res.Status == idempotency.StatusFailedPermanent {
		if !res.Replayed {
			err := s.reports.RecordFailure(ctx, sub, res.ErrorCode, res.ErrorMessage)
			if err != nil && !errors.Is(err, reports.ErrAlreadySynced) {
				log.Warn("record draft failure", zap.Error(err))
			}
		}
		return Outcome{Status: StatusFailed, ErrorCode: res.ErrorCode, Error: res.ErrorMessage, Replayed: res.Replayed}, nil
	}

	if _, err := s.linker.LinkTo(ctx, req.ClientUUID, res.ResultReference); err != nil {
		log.Warn("link attachments after promotion", zap.Error(err))
	}
	err = s.publisher.PublishReconcile(ctx, aws.ReconcileMessage{
		ClientUUID:        req.ClientUUID,
		CanonicalEntityID: res.ResultReference,
		IdempotencyKey:    req.Key,
	})
	if err != nil {
		// the sweep links whatever the queue misses
		log.Warn("publish reconcile message", zap.Error(err))
	}
	if !res.Replayed {
		log.Info("report synced", zap.String("canonical_entity_id", res.ResultReference))
	}
	return Outcome{Status: StatusSynced, CanonicalEntityID: res.ResultReference, Replayed: res.Replayed}, nil
}

// Status reports the outcome recorded for key without running anything.
func (s *Service) Status(ctx context.Context, key string) (Outcome, error) {
	rec, err := s.proc.Store().Get(ctx, key)
	if errors.Is(err, idempotency.ErrNotFound) {
		return Outcome{}, apperr.New(apperr.NotFound, "not_found", "unknown idempotency key")
	}
	if err != nil {
		return Outcome{}, apperr.Transient("get idempotency key", err)
	}
	switch rec.Status {
	case idempotency.StatusCompleted:
		return Outcome{Status: StatusSynced, CanonicalEntityID: rec.ResultReference, Replayed: true}, nil
	case idempotency.StatusFailedPermanent:
		return Outcome{Status: StatusFailed, ErrorCode: rec.ErrorCode, Error: rec.ErrorMessage, Replayed: true}, nil
	case idempotency.StatusPending:
		return Outcome{Status: StatusInProgress}, nil
	default:
		return Outcome{Status: StatusRetryable, ErrorCode: rec.ErrorCode, Error: rec.ErrorMessage}, nil
	}
}

// Draft returns the server draft of clientUUID with its attachments. A draft
// that only has attachments so far is returned without a state.
func (s *Service) Draft(ctx context.Context, clientUUID string) (DraftView, error) {
	view := DraftView{ClientUUID: clientUUID}
	d, err := s.reports.GetDraft(ctx, clientUUID)
	switch {
	case err == nil:
		view.ReportKind = d.ReportKind
		view.State = d.State
		view.AttemptCount = d.AttemptCount
		view.LastError = d.LastError
		view.CanonicalEntityID = d.CanonicalEntityID
		if d.Payload != "" {
			view.Payload = json.RawMessage(d.Payload)
		}
	case !errors.Is(err, reports.ErrNotFound):
		return DraftView{}, apperr.Transient("get draft", err)
	}

	atts, err := s.attachments.ListByOwner(ctx, clientUUID)
	if err != nil {
		return DraftView{}, apperr.Transient("list attachments", err)
	}
	if d == nil && len(atts) == 0 {
		return DraftView{}, apperr.New(apperr.NotFound, "not_found", "unknown draft")
	}
	if atts == nil {
		atts = []media.Attachment{}
	}
	view.Attachments = atts
	view.Completeness = media.Summarize(atts, s.limits)
	return view, nil
}

// Recover moves a stuck PENDING key to FAILED_TRANSIENT so the next retry
// reprocesses it. Keys younger than the stale threshold are refused.
func (s *Service) Recover(ctx context.Context, key string) (Outcome, error) {
	rec, err := s.proc.Store().Recover(ctx, key, s.staleAfter)
	switch {
	case err == nil:
		s.log.Warn("recovered stale pending key", zap.String("idempotency_key", key))
		return Outcome{Status: StatusRetryable, ErrorCode: rec.ErrorCode, Error: rec.ErrorMessage}, nil
	case errors.Is(err, idempotency.ErrNotFound):
		return Outcome{}, apperr.New(apperr.NotFound, "not_found", "unknown idempotency key")
	case errors.Is(err, idempotency.ErrNotStale):
		return Outcome{}, apperr.New(apperr.InProgress, "in_progress", "pending key is not stale yet")
	case errors.Is(err, idempotency.ErrConditionFailed):
		return Outcome{}, apperr.New(apperr.Conflict, "not_pending", "idempotency key is not pending")
	default:
		return Outcome{}, apperr.Transient("recover idempotency key", err)
	}
}
