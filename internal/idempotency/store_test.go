package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/testutil/dynamofake"
)

const (
	idemTable    = "idempotency"
	effectsTable = "effects"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestStore(t *testing.T) (*Store, *dynamofake.Fake, *clock) {
	t.Helper()
	fake := dynamofake.New().CreateTable(idemTable, "idempotency_key").CreateTable(effectsTable, "effect_id")
	c := newClock()
	return NewStore(fake, idemTable, 48*time.Hour).WithClock(c.now), fake, c
}

func putEffect(id string) types.TransactWriteItem {
	tbl := effectsTable
	cond := "attribute_not_exists(effect_id)"
	return types.TransactWriteItem{Put: &types.Put{
		TableName:           &tbl,
		Item:                map[string]types.AttributeValue{"effect_id": &types.AttributeValueMemberS{Value: id}},
		ConditionExpression: &cond,
	}}
}

func TestClaim_SecondClaimSeesFirstRow(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}

	rec, claimed, err := s.Claim(ctx, req)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, rec)

	rec, claimed, err = s.Claim(ctx, req)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, rec)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "fp", rec.RequestFingerprint)
	assert.Equal(t, c.now().Add(48*time.Hour).Unix(), rec.ExpiresAt)
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_WritesEffectAndCompletesAtomically(t *testing.T) {
	s, fake, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Claim(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"})
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, "k1", "ref-1", []types.TransactWriteItem{putEffect("e1")}))
	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "ref-1", rec.ResultReference)
	assert.NotNil(t, fake.Item(effectsTable, "e1"))

	// a second commit on a completed key writes nothing
	err = s.Commit(ctx, "k1", "ref-2", []types.TransactWriteItem{putEffect("e2")})
	assert.ErrorIs(t, err, ErrConditionFailed)
	assert.Nil(t, fake.Item(effectsTable, "e2"))
}

func TestCommit_EffectConflictLeavesKeyPending(t *testing.T) {
	s, fake, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Claim(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"})
	require.NoError(t, err)
	fake.Put(effectsTable, map[string]types.AttributeValue{"effect_id": &types.AttributeValueMemberS{Value: "taken"}})

	err = s.Commit(ctx, "k1", "ref", []types.TransactWriteItem{putEffect("taken")})
	assert.ErrorIs(t, err, ErrEffectConflict)

	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestMarkFailed_OnlyFromPending(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Claim(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"})
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, "k1", StatusFailedPermanent, "invalid_payload", "bad"))
	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanent, rec.Status)
	assert.Equal(t, "invalid_payload", rec.ErrorCode)

	err = s.MarkFailed(ctx, "k1", StatusFailedTransient, "x", "y")
	assert.ErrorIs(t, err, ErrConditionFailed)
	assert.Error(t, s.MarkFailed(ctx, "k1", StatusCompleted, "", ""))
}

func TestReclaim_RequiresFailedTransientAndSameFingerprint(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	req := Request{Key: "k1", Operation: "submit", Fingerprint: "fp"}
	_, _, err := s.Claim(ctx, req)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Reclaim(ctx, req), ErrConditionFailed)

	require.NoError(t, s.MarkFailed(ctx, "k1", StatusFailedTransient, "transient_failure", "timeout"))
	assert.ErrorIs(t, s.Reclaim(ctx, Request{Key: "k1", Fingerprint: "other"}), ErrConditionFailed)
	require.NoError(t, s.Reclaim(ctx, req))

	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Empty(t, rec.ErrorCode)
}

func TestRecover_StalePendingOnly(t *testing.T) {
	s, _, c := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.Claim(ctx, Request{Key: "k1", Operation: "submit", Fingerprint: "fp"})
	require.NoError(t, err)

	_, err = s.Recover(ctx, "k1", 10*time.Minute)
	assert.ErrorIs(t, err, ErrNotStale)

	c.advance(11 * time.Minute)
	rec, err := s.Recover(ctx, "k1", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedTransient, rec.Status)
	assert.Equal(t, "recovered", rec.ErrorCode)

	_, err = s.Recover(ctx, "k1", 10*time.Minute)
	assert.ErrorIs(t, err, ErrConditionFailed)

	_, err = s.Recover(ctx, "nope", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRoundTripKeepsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := attributevalue.MarshalMap(Record{IdempotencyKey: "k", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, isNumber := m["updated_at"].(*types.AttributeValueMemberN)
	assert.True(t, isNumber, "updated_at is stored as epoch seconds")

	var out Record
	require.NoError(t, attributevalue.UnmarshalMap(m, &out))
	assert.True(t, now.Equal(out.UpdatedAt))
}

func TestClaim_StorageErrorIsReturned(t *testing.T) {
	s, fake, _ := newTestStore(t)
	fake.FailNext("PutItem", errors.New("throttled"))
	_, _, err := s.Claim(context.Background(), Request{Key: "k", Operation: "submit", Fingerprint: "fp"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
