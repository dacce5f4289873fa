package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
)

// Processor links attachments for the drafts named in reconcile messages.
type Processor struct {
	linker  *reconcile.Linker
	metrics *aws.Metrics
	log     *zap.Logger
}

// NewProcessor creates a worker processor.
func NewProcessor(linker *reconcile.Linker, metrics *aws.Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{linker: linker, metrics: metrics, log: log}
}

// Handle processes an SQS batch and reports the messages that failed so
// only those are redelivered. A message that cannot be decoded is dropped:
// redelivery would never fix it.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		resp   events.SQSEventResponse
		linked int
	)
	for _, rec := range ev.Records {
		n, err := p.processMessage(ctx, rec)
		linked += n
		if err != nil {
			p.log.Warn("reconcile message failed", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	if err := p.metrics.Count(ctx, map[string]int{
		"ReconcileMessages": len(ev.Records),
		"AttachmentsLinked": linked,
		"ReconcileFailures": len(resp.BatchItemFailures),
	}); err != nil {
		p.log.Warn("publish worker metrics", zap.Error(err))
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) (int, error) {
	var msg aws.ReconcileMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.ClientUUID == "" {
		p.log.Error("dropping malformed reconcile message", zap.String("message_id", rec.MessageId), zap.String("body", rec.Body))
		return 0, nil
	}
	log := p.log.With(zap.String("client_uuid", msg.ClientUUID), zap.String("correlation_id", msg.CorrelationID))

	var (
		n   int
		err error
	)
	if msg.CanonicalEntityID != "" {
		n, err = p.linker.LinkTo(ctx, msg.ClientUUID, msg.CanonicalEntityID)
	} else {
		n, err = p.linker.LinkAttachments(ctx, msg.ClientUUID)
	}
	if err != nil {
		return n, fmt.Errorf("link attachments for %s: %w", msg.ClientUUID, err)
	}
	log.Debug("reconciled draft", zap.Int("linked", n))
	return n, nil
}
