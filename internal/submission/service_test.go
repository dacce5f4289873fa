package submission

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reconcile"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/reports"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/awsfake"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/dynamofake"
)

type fixture struct {
	svc      *Service
	fake     *dynamofake.Fake
	sqs      *awsfake.SQS
	pipeline *media.Pipeline
	reports  *reports.Store
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fake: dynamofake.New().
			CreateTable("idempotency", "idempotency_key").
			CreateTable("drafts", "client_uuid").
			CreateTable("reports", "report_id").
			CreateTable("attachments", "attachment_id").
			AddIndex("attachments", "owner_client_uuid-index", "owner_client_uuid"),
		sqs: &awsfake.SQS{},
		now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.reports = reports.NewStore(f.fake, "drafts", "reports").WithClock(clock)
	atts := media.NewStore(f.fake, "attachments", "owner_client_uuid-index").WithClock(clock)
	limits := media.Limits{MaxPhotos: 3, MaxVideos: 1}
	f.pipeline = media.NewPipeline(atts, media.NewObjectStore(&awsfake.S3{}, "evidence"), f.reports,
		media.PipelineConfig{Limits: limits, MaxAttempts: 5}, nil)
	f.svc = NewService(Deps{
		Processor:   idempotency.NewProcessor(idempotency.NewStore(f.fake, "idempotency", 48*time.Hour).WithClock(clock), nil),
		Reports:     f.reports,
		Attachments: atts,
		Linker:      reconcile.NewLinker(atts, f.reports, nil),
		Publisher:   aws.NewPublisher(f.sqs, "https://sqs.local/reconcile"),
		Limits:      limits,
		StaleAfter:  15 * time.Minute,
	})
	return f
}

func report(key string) Request {
	return Request{
		Key:        key,
		ClientUUID: "draft-" + key,
		ReportKind: "EMERGENCY",
		Payload:    json.RawMessage(`{"location":{"lat":1.5,"lng":2},"note":"bridge out"}`),
		Author:     "agent-7",
	}
}

func TestSubmit_TimeoutThenThreeRetriesCreateOneReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// the first response is lost on the way back to the device
	first, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)
	require.Equal(t, StatusSynced, first.Status)
	assert.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		retry := report("k1")
		// same object, different key order and whitespace
		retry.Payload = json.RawMessage(`{ "note": "bridge out", "location": {"lng": 2, "lat": 1.5} }`)
		out, err := f.svc.Submit(ctx, retry)
		require.NoError(t, err)
		assert.Equal(t, StatusSynced, out.Status)
		assert.Equal(t, first.CanonicalEntityID, out.CanonicalEntityID)
		assert.True(t, out.Replayed)
	}
	assert.Equal(t, 1, f.fake.Len("reports"))
}

func TestSubmit_TransientCommitFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.fake.FailNext("TransactWriteItems", errors.New("ProvisionedThroughputExceeded"))
	_, err := f.svc.Submit(ctx, report("k1"))
	require.Error(t, err)
	assert.Equal(t, apperr.TransientFailure, apperr.KindOf(err))
	assert.Equal(t, 0, f.fake.Len("reports"))

	st, err := f.svc.Status(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetryable, st.Status)

	out, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)
	assert.Equal(t, 1, f.fake.Len("reports"))
}

func TestSubmit_DifferentPayloadSameKeyIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)

	changed := report("k1")
	changed.Payload = json.RawMessage(`{"note":"bridge repaired"}`)
	_, err = f.svc.Submit(ctx, changed)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, "idempotency_key_conflict", apperr.CodeOf(err))
}

func TestSubmit_PermanentRejectionThenCorrectionUnderNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := report("k1")
	bad.ReportKind = "PATROL"
	out, err := f.svc.Submit(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "invalid_report_kind", out.ErrorCode)

	d, err := f.reports.GetDraft(ctx, "draft-k1")
	require.NoError(t, err)
	assert.Equal(t, reports.StateFailed, d.State)
	assert.True(t, strings.HasPrefix(d.LastError, "invalid_report_kind"))

	// a retry of the rejected request replays the rejection
	out, err = f.svc.Submit(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.True(t, out.Replayed)

	fixed := report("k2")
	fixed.ClientUUID = "draft-k1"
	out, err = f.svc.Submit(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)

	d, err = f.reports.GetDraft(ctx, "draft-k1")
	require.NoError(t, err)
	assert.Equal(t, reports.StateSynced, d.State)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Empty(t, d.LastError)
}

func TestSubmit_LinksUploadedAttachmentsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, media.UploadRequest{
		AttachmentID:    "a-1",
		OwnerClientUUID: "draft-k1",
		ContentType:     "image/jpeg",
		Body:            strings.NewReader("jpeg"),
	})
	require.NoError(t, err)

	out, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)

	view, err := f.svc.Draft(ctx, "draft-k1")
	require.NoError(t, err)
	require.Len(t, view.Attachments, 1)
	assert.Equal(t, out.CanonicalEntityID, view.Attachments[0].CanonicalEntityID)
	assert.True(t, view.Completeness.Complete)
	assert.Equal(t, reports.StateSynced, view.State)
	assert.JSONEq(t, string(report("k1").Payload), string(view.Payload))

	bodies := f.sqs.Bodies()
	require.Len(t, bodies, 1)
	var msg aws.ReconcileMessage
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &msg))
	assert.Equal(t, "draft-k1", msg.ClientUUID)
	assert.Equal(t, out.CanonicalEntityID, msg.CanonicalEntityID)
	assert.Equal(t, "k1", msg.IdempotencyKey)
}

func TestSubmit_PublishFailureDoesNotFailSubmission(t *testing.T) {
	f := newFixture(t)
	f.sqs.Err = errors.New("queue unavailable")

	out, err := f.svc.Submit(context.Background(), report("k1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)
}

func TestSubmit_ClientUUIDDefaultsToKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := report("k1")
	req.ClientUUID = ""
	out, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	id, err := f.reports.CanonicalID(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, out.CanonicalEntityID, id)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Status(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	out, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)
	st, err := f.svc.Status(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, st.Status)
	assert.Equal(t, out.CanonicalEntityID, st.CanonicalEntityID)
}

func TestDraft_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Draft(context.Background(), "ghost")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRecover_StalePendingKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a worker claimed k1 and died before committing
	fp, err := idempotency.Fingerprint(Operation, fingerprintBody{ClientUUID: "draft-k1", ReportKind: "EMERGENCY", Payload: report("k1").Payload})
	require.NoError(t, err)
	_, claimed, err := f.svc.proc.Store().Claim(ctx, idempotency.Request{Key: "k1", Operation: Operation, Fingerprint: fp})
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.svc.Submit(ctx, report("k1"))
	assert.Equal(t, apperr.InProgress, apperr.KindOf(err))

	_, err = f.svc.Recover(ctx, "k1")
	assert.Equal(t, apperr.InProgress, apperr.KindOf(err), "too young to recover")

	f.now = f.now.Add(20 * time.Minute)
	st, err := f.svc.Recover(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetryable, st.Status)

	out, err := f.svc.Submit(ctx, report("k1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)

	_, err = f.svc.Recover(ctx, "k1")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	_, err = f.svc.Recover(ctx, "ghost")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}
