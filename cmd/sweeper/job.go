package main

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
)

// Job is one scheduled maintenance pass: expired idempotency keys are
// deleted and attachments missed by the event path are linked.
type Job struct {
	keys    *idempotency.Sweeper
	links   *reconcile.Sweeper
	metrics *aws.Metrics
	log     *zap.Logger
}

func NewJob(keys *idempotency.Sweeper, links *reconcile.Sweeper, metrics *aws.Metrics, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{keys: keys, links: links, metrics: metrics, log: log}
}

// Handle runs both sweeps. A failure in one does not skip the other; the
// errors are joined so the scheduler records the invocation as failed.
func (j *Job) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	log := j.log.With(zap.String("event_id", ev.ID))

	keyStats, keyErr := j.keys.RunOnce(ctx)
	if keyErr != nil {
		log.Error("idempotency sweep failed", zap.Error(keyErr))
	}
	linkStats, linkErr := j.links.RunOnce(ctx)
	if linkErr != nil {
		log.Error("reconcile sweep failed", zap.Error(linkErr))
	}
	log.Info("sweep finished",
		zap.Int("keys_scanned", keyStats.Scanned),
		zap.Int("keys_deleted", keyStats.Deleted),
		zap.Int("attachments_unlinked", linkStats.Unlinked),
		zap.Int("attachments_linked", linkStats.Linked),
	)

	if err := j.metrics.Count(ctx, map[string]int{
		"IdempotencyKeysDeleted": keyStats.Deleted,
		"IdempotencyKeysSkipped": keyStats.Skipped,
		"AttachmentsUnlinked":    linkStats.Unlinked,
		"AttachmentsLinked":      linkStats.Linked,
	}); err != nil {
		log.Warn("publish sweep metrics", zap.Error(err))
	}
	return errors.Join(keyErr, linkErr)
}
