package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
)

func countingHandler(ref string, calls *int32) Handler {
	return func(ctx context.Context) (Effect, error) {
		atomic.AddInt32(calls, 1)
		return Effect{ResultReference: ref, Writes: []types.TransactWriteItem{putEffect(ref)}}, nil
	}
}

func TestProcess_ReplaysCompletedResult(t *testing.T) {
	s, fake, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}
	var calls int32

	first, err := p.Process(ctx, req, countingHandler("r1", &calls))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, "r1", first.ResultReference)
	assert.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		again, err := p.Process(ctx, req, countingHandler("r-other", &calls))
		require.NoError(t, err)
		assert.Equal(t, "r1", again.ResultReference)
		assert.True(t, again.Replayed)
	}
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, 1, fake.Len(effectsTable))
}

func TestProcess_DifferentFingerprintIsConflict(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	var calls int32

	_, err := p.Process(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp-a"}, countingHandler("r1", &calls))
	require.NoError(t, err)

	_, err = p.Process(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp-b"}, countingHandler("r2", &calls))
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, "idempotency_key_conflict", apperr.CodeOf(err))
	assert.EqualValues(t, 1, calls)
}

func TestProcess_PendingKeyIsInProgress(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}
	_, _, err := s.Claim(ctx, req)
	require.NoError(t, err)

	var calls int32
	_, err = p.Process(ctx, req, countingHandler("r1", &calls))
	assert.Equal(t, apperr.InProgress, apperr.KindOf(err))
	assert.EqualValues(t, 0, calls)

	// a different payload on a pending key is still a conflict
	_, err = p.Process(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "zz"}, countingHandler("r1", &calls))
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestProcess_PermanentRejectionIsRecordedAndReplayed(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}
	var calls int32
	reject := func(ctx context.Context) (Effect, error) {
		atomic.AddInt32(&calls, 1)
		return Effect{}, apperr.Permanent("invalid_payload", "payload must be an object")
	}

	res, err := p.Process(ctx, req, reject)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanent, res.Status)
	assert.Equal(t, "invalid_payload", res.ErrorCode)
	assert.Equal(t, apperr.PermanentRejection, apperr.KindOf(res.Err()))

	res, err = p.Process(ctx, req, reject)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanent, res.Status)
	assert.True(t, res.Replayed)
	assert.EqualValues(t, 1, calls)
}

func TestProcess_TransientFailureIsReprocessed(t *testing.T) {
	s, fake, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}

	_, err := p.Process(ctx, req, func(ctx context.Context) (Effect, error) {
		return Effect{}, errors.New("downstream unavailable")
	})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedTransient, rec.Status)

	var calls int32
	res, err := p.Process(ctx, req, countingHandler("r1", &calls))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.EqualValues(t, 1, calls)
	assert.Equal(t, 1, fake.Len(effectsTable))
}

func TestProcess_CommitFailureMarksTransient(t *testing.T) {
	s, fake, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	fake.FailNext("TransactWriteItems", errors.New("connection reset"))
	var calls int32

	_, err := p.Process(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}, countingHandler("r1", &calls))
	require.Error(t, err)
	assert.Equal(t, apperr.TransientFailure, apperr.KindOf(err))

	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedTransient, rec.Status)
	assert.Equal(t, 0, fake.Len(effectsTable))
}

func TestProcess_CancelledRequestDoesNotStrandPending(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := p.Process(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}, func(ctx context.Context) (Effect, error) {
		cancel()
		return Effect{}, ctx.Err()
	})
	require.Error(t, err)

	rec, err := s.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedTransient, rec.Status)
}

func TestProcess_EffectConflictRerunsHandlerAsLookup(t *testing.T) {
	s, fake, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	fake.Put(effectsTable, map[string]types.AttributeValue{"effect_id": &types.AttributeValueMemberS{Value: "shared"}})

	passes := 0
	res, err := p.Process(context.Background(), Request{Key: "k2", Operation: "submit", Fingerprint: "fp"}, func(ctx context.Context) (Effect, error) {
		passes++
		if passes == 1 {
			return Effect{ResultReference: "shared", Writes: []types.TransactWriteItem{putEffect("shared")}}, nil
		}
		return Effect{ResultReference: "shared"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, passes)
	assert.Equal(t, "shared", res.ResultReference)
}

func TestProcess_ConcurrentDuplicateSeesInProgressThenSameResult(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "race", Operation: "submit", Fingerprint: "fp"}

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	slow := func(ctx context.Context) (Effect, error) {
		atomic.AddInt32(&calls, 1)
		close(entered)
		<-release
		return Effect{ResultReference: "r1", Writes: []types.TransactWriteItem{putEffect("r1")}}, nil
	}

	var (
		wg    sync.WaitGroup
		first Result
		ferr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, ferr = p.Process(ctx, req, slow)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the handler")
	}
	_, err := p.Process(ctx, req, countingHandler("r2", &calls))
	assert.Equal(t, apperr.InProgress, apperr.KindOf(err))

	close(release)
	wg.Wait()
	require.NoError(t, ferr)

	second, err := p.Process(ctx, req, countingHandler("r2", &calls))
	require.NoError(t, err)
	assert.Equal(t, first.ResultReference, second.ResultReference)
	assert.EqualValues(t, 1, calls)
}

func TestProcess_RecoveredKeyRejectsLateCommit(t *testing.T) {
	s, fake, c := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}

	_, err := p.Process(ctx, req, func(ctx context.Context) (Effect, error) {
		c.advance(time.Hour)
		_, rerr := s.Recover(ctx, "k1", 30*time.Minute)
		require.NoError(t, rerr)
		return Effect{ResultReference: "late", Writes: []types.TransactWriteItem{putEffect("late")}}, nil
	})
	assert.Equal(t, apperr.InProgress, apperr.KindOf(err))
	assert.Equal(t, 0, fake.Len(effectsTable))

	var calls int32
	res, err := p.Process(ctx, req, countingHandler("fresh", &calls))
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.ResultReference)
}

func TestProcess_EmptyKeyRejected(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := NewProcessor(s, nil).Process(context.Background(), Request{}, nil)
	assert.Equal(t, apperr.PermanentRejection, apperr.KindOf(err))
}
