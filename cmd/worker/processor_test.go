package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reports"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/awsfake"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/dynamofake"
)

type workerEnv struct {
	p        *Processor
	fake     *dynamofake.Fake
	cw       *awsfake.CloudWatch
	pipeline *media.Pipeline
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	fake := dynamofake.New().
		CreateTable("drafts", "client_uuid").
		CreateTable("attachments", "attachment_id").
		AddIndex("attachments", "owner_client_uuid-index", "owner_client_uuid")
	drafts := reports.NewStore(fake, "drafts", "reports")
	atts := media.NewStore(fake, "attachments", "owner_client_uuid-index")
	cw := &awsfake.CloudWatch{}
	return &workerEnv{
		p:        NewProcessor(reconcile.NewLinker(atts, drafts, nil), aws.NewMetrics(cw, "ReportSync", nil), nil),
		fake:     fake,
		cw:       cw,
		pipeline: media.NewPipeline(atts, media.NewObjectStore(&awsfake.S3{}, "b"), drafts, media.PipelineConfig{MaxAttempts: 5}, nil),
	}
}

func message(id string, msg aws.ReconcileMessage) events.SQSMessage {
	body, _ := json.Marshal(msg)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestHandle_LinksUploadedAttachments(t *testing.T) {
	e := newWorkerEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a-1", "a-2"} {
		_, err := e.pipeline.Upload(ctx, media.UploadRequest{AttachmentID: id, OwnerClientUUID: "d-1", ContentType: "image/jpeg", Body: strings.NewReader("x")})
		require.NoError(t, err)
	}

	ev := events.SQSEvent{Records: []events.SQSMessage{
		message("m-1", aws.ReconcileMessage{ClientUUID: "d-1", CanonicalEntityID: "r-1"}),
		// redelivery of the same message is harmless
		message("m-2", aws.ReconcileMessage{ClientUUID: "d-1", CanonicalEntityID: "r-1"}),
	}}
	resp, err := e.p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	a, err := e.pipeline.Get(ctx, "a-2")
	require.NoError(t, err)
	assert.Equal(t, "r-1", a.CanonicalEntityID)
	assert.Equal(t, 2.0, e.cw.Sum("AttachmentsLinked"))
	assert.Equal(t, 2.0, e.cw.Sum("ReconcileMessages"))
}

func TestHandle_UnpromotedDraftWithoutCanonicalID(t *testing.T) {
	e := newWorkerEnv(t)

	resp, err := e.p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message("m-1", aws.ReconcileMessage{ClientUUID: "d-unknown"}),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 0.0, e.cw.Sum("AttachmentsLinked"))
}

func TestHandle_ReportsOnlyFailedMessages(t *testing.T) {
	e := newWorkerEnv(t)
	e.fake.Hook = func(op, table string) error {
		if op == "Query" {
			return errors.New("throttled")
		}
		return nil
	}

	resp, err := e.p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "bad", Body: "{not json"},
		message("m-2", aws.ReconcileMessage{ClientUUID: "d-1", CanonicalEntityID: "r-1"}),
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-2", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, 1.0, e.cw.Sum("ReconcileFailures"))
}
