package idempotency

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
)

// failureWriteTimeout bounds the write that records a handler failure. It
// runs on a context detached from the request so a timed-out request never
// leaves its key PENDING.
const failureWriteTimeout = 5 * time.Second

// Processor runs handlers at most once per idempotency key.
type Processor struct {
	store *Store
	log   *zap.Logger
}

// NewProcessor returns a Processor backed by store.
func NewProcessor(store *Store, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{store: store, log: log}
}

// Store returns the underlying key store.
func (p *Processor) Store() *Store { return p.store }

// Process claims req.Key and runs h, or returns the outcome already recorded
// for the key. Errors are taxonomy errors: Conflict for a fingerprint
// mismatch, InProgress while another attempt holds the key, TransientFailure
// otherwise. A permanent rejection is a Result, not an error.
func (p *Processor) Process(ctx context.Context, req Request, h Handler) (Result, error) {
	if req.Key == "" {
		return Result{}, apperr.Permanent("invalid_key", "idempotency key is required")
	}
	log := p.log.With(zap.String("idempotency_key", req.Key), zap.String("operation", req.Operation))

	existing, claimed, err := p.store.Claim(ctx, req)
	if err != nil {
		return Result{}, apperr.Transient("claim idempotency key", err)
	}
	if !claimed {
		if existing.RequestFingerprint != req.Fingerprint || existing.Operation != req.Operation {
			log.Warn("idempotency key reused with a different payload")
			return Result{}, apperr.New(apperr.Conflict, "idempotency_key_conflict",
				"idempotency key was already used with a different request")
		}
		switch existing.Status {
		case StatusCompleted:
			log.Debug("replaying completed result")
			return Result{Status: StatusCompleted, ResultReference: existing.ResultReference, Replayed: true}, nil
		case StatusFailedPermanent:
			return Result{
				Status:       StatusFailedPermanent,
				ErrorCode:    existing.ErrorCode,
				ErrorMessage: existing.ErrorMessage,
				Replayed:     true,
			}, nil
		case StatusPending:
			return Result{}, inProgress()
		case StatusFailedTransient:
			if err := p.store.Reclaim(ctx, req); err != nil {
				if errors.Is(err, ErrConditionFailed) {
					return Result{}, inProgress()
				}
				return Result{}, apperr.Transient("reclaim idempotency key", err)
			}
			log.Info("reprocessing after transient failure")
		default:
			return Result{}, apperr.Transient("unknown idempotency status "+existing.Status, nil)
		}
	}

	return p.run(ctx, req, h, log)
}

func (p *Processor) run(ctx context.Context, req Request, h Handler, log *zap.Logger) (Result, error) {
	// A racing first submission can take the effect's unique guard between the
	// handler's read and our commit. The second pass sees its entity and
	// returns a lookup effect.
	for pass := 0; pass < 2; pass++ {
		eff, err := h(ctx)
		if err != nil {
			return p.fail(ctx, req, err, log)
		}
		err = p.store.Commit(ctx, req.Key, eff.ResultReference, eff.Writes)
		switch {
		case err == nil:
			return Result{Status: StatusCompleted, ResultReference: eff.ResultReference}, nil
		case errors.Is(err, ErrEffectConflict) && pass == 0:
			log.Info("effect guard taken by a concurrent submission, rerunning handler")
			continue
		case errors.Is(err, ErrConditionFailed):
			// the key was recovered or reclaimed under us; nothing was written
			log.Warn("key no longer pending at commit")
			return Result{}, inProgress()
		default:
			return p.fail(ctx, req, apperr.Transient("commit submission", err), log)
		}
	}
	return p.fail(ctx, req, apperr.Transient("commit submission", ErrEffectConflict), log)
}

func (p *Processor) fail(ctx context.Context, req Request, cause error, log *zap.Logger) (Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	if apperr.Is(cause, apperr.PermanentRejection) {
		code := apperr.CodeOf(cause)
		msg := cause.Error()
		if err := p.store.MarkFailed(wctx, req.Key, StatusFailedPermanent, code, msg); err != nil {
			log.Error("record permanent failure", zap.Error(err))
			return Result{}, apperr.Transient("record permanent failure", err)
		}
		return Result{Status: StatusFailedPermanent, ErrorCode: code, ErrorMessage: msg}, nil
	}

	if err := p.store.MarkFailed(wctx, req.Key, StatusFailedTransient, apperr.CodeOf(cause), cause.Error()); err != nil {
		log.Error("record transient failure", zap.Error(err), zap.NamedError("cause", cause))
	} else {
		log.Warn("submission failed transiently", zap.Error(cause))
	}
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		return Result{}, cause
	}
	return Result{}, apperr.Transient("process submission", cause)
}

func inProgress() error {
	return apperr.New(apperr.InProgress, "in_progress", "submission is already being processed")
}
