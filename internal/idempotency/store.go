package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // default TTL window when creating entries
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// TableName returns the idempotency table name.
func (s *Store) TableName() string { return s.tableName }

var (
	// ErrConditionFailed indicates a conditional write failed (e.g., attribute_not_exists)
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrEffectConflict means the key row was still PENDING but one of the
	// handler's own writes failed its condition.
	ErrEffectConflict = errors.New("effect write condition failed")
	// ErrNotFound is returned when no row exists for a key.
	ErrNotFound = errors.New("idempotency key not found")
	// ErrNotStale is returned by Recover for a PENDING row that is still fresh.
	ErrNotStale = errors.New("pending key is not stale")
)

// IsConditionalCheckFailed reports whether err is a DynamoDB conditional
// check failure on a single-item write.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func unixN(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// Claim inserts a PENDING row for req.Key if none exists.
// Returns (nil, true, nil) when this call created the row, or the existing
// row with claimed=false. The existing row is read with a strongly
// consistent read so the loser of a race sees the winner's row.
func (s *Store) Claim(ctx context.Context, req Request) (*Record, bool, error) {
	now := s.nowFunc()
	rec := Record{
		IdempotencyKey:     req.Key,
		Operation:          req.Operation,
		RequestFingerprint: req.Fingerprint,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	// a row deleted between the failed put and the read is retried once
	for i := 0; i < 2; i++ {
		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
		})
		if err == nil {
			return nil, true, nil
		}
		if !IsConditionalCheckFailed(err) {
			return nil, false, fmt.Errorf("put item: %w", err)
		}
		existing, err := s.Get(ctx, req.Key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("claim %s: row vanished twice", req.Key)
}

// Get retrieves an idempotency record by key with a strongly consistent
// read. Returns ErrNotFound if the row does not exist.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttr(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// Reclaim moves a FAILED_TRANSIENT row back to PENDING so the caller may
// reprocess it. ErrConditionFailed means another request got there first.
func (s *Store) Reclaim(ctx context.Context, req Request) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttr(req.Key),
		UpdateExpression:    awsString("SET #s = :pending, updated_at = :ua, expires_at = :exp REMOVE error_code, error_message"),
		ConditionExpression: awsString("#s = :failed AND request_fingerprint = :fp"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":failed":  &types.AttributeValueMemberS{Value: StatusFailedTransient},
			":fp":      &types.AttributeValueMemberS{Value: req.Fingerprint},
			":ua":      unixN(now),
			":exp":     unixN(now.Add(s.ttlWindow)),
		},
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (reclaim): %w", err)
	}
	return nil
}

// completeItem is the key-row half of a commit: PENDING -> COMPLETED.
func (s *Store) completeItem(key, resultRef string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 keyAttr(key),
			UpdateExpression:    awsString("SET #s = :done, result_reference = :ref, updated_at = :ua"),
			ConditionExpression: awsString("#s = :pending"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":done":    &types.AttributeValueMemberS{Value: StatusCompleted},
				":pending": &types.AttributeValueMemberS{Value: StatusPending},
				":ref":     &types.AttributeValueMemberS{Value: resultRef},
				":ua":      unixN(s.nowFunc()),
			},
		},
	}
}

// Commit applies the handler's writes and marks the key COMPLETED in one
// transaction. Returns ErrConditionFailed when the key row is no longer
// PENDING, ErrEffectConflict when one of writes failed its own condition.
// Nothing is written in either case.
func (s *Store) Commit(ctx context.Context, key, resultRef string, writes []types.TransactWriteItem) error {
	complete := s.completeItem(key, resultRef)
	if len(writes) == 0 {
		u := complete.Update
		_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                 u.TableName,
			Key:                       u.Key,
			UpdateExpression:          u.UpdateExpression,
			ConditionExpression:       u.ConditionExpression,
			ExpressionAttributeNames:  u.ExpressionAttributeNames,
			ExpressionAttributeValues: u.ExpressionAttributeValues,
		})
		if err != nil {
			if IsConditionalCheckFailed(err) {
				return ErrConditionFailed
			}
			return fmt.Errorf("update item (complete): %w", err)
		}
		return nil
	}

	items := make([]types.TransactWriteItem, 0, len(writes)+1)
	items = append(items, writes...)
	items = append(items, complete)
	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		keyIdx := len(items) - 1
		effectFailed := false
		for i, r := range tce.CancellationReasons {
			if r.Code == nil || *r.Code != "ConditionalCheckFailed" {
				continue
			}
			if i == keyIdx {
				return ErrConditionFailed
			}
			effectFailed = true
		}
		if effectFailed {
			return ErrEffectConflict
		}
	}
	return fmt.Errorf("transact write: %w", err)
}

// MarkFailed moves a PENDING row to status (FAILED_PERMANENT or
// FAILED_TRANSIENT) with an error code and message.
func (s *Store) MarkFailed(ctx context.Context, key, status, code, msg string) error {
	if status != StatusFailedPermanent && status != StatusFailedTransient {
		return fmt.Errorf("mark failed: invalid status %q", status)
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttr(key),
		UpdateExpression:    awsString("SET #s = :failed, error_code = :code, error_message = :msg, updated_at = :ua"),
		ConditionExpression: awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: status},
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":code":    &types.AttributeValueMemberS{Value: code},
			":msg":     &types.AttributeValueMemberS{Value: msg},
			":ua":      unixN(s.nowFunc()),
		},
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

// Recover moves a PENDING row that has not been touched for staleAfter to
// FAILED_TRANSIENT, so the next retry of the key reprocesses it. A processor
// that still holds the row fails its commit condition afterwards.
func (s *Store) Recover(ctx context.Context, key string, staleAfter time.Duration) (*Record, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return rec, ErrConditionFailed
	}
	now := s.nowFunc()
	cutoff := now.Add(-staleAfter)
	if rec.UpdatedAt.After(cutoff) {
		return rec, ErrNotStale
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttr(key),
		UpdateExpression:    awsString("SET #s = :failed, error_code = :code, error_message = :msg, updated_at = :ua"),
		ConditionExpression: awsString("#s = :pending AND updated_at <= :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: StatusFailedTransient},
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":code":    &types.AttributeValueMemberS{Value: "recovered"},
			":msg":     &types.AttributeValueMemberS{Value: "stale pending key recovered by operator"},
			":ua":      unixN(now),
			":cutoff":  unixN(cutoff),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return rec, ErrConditionFailed
		}
		return nil, fmt.Errorf("update item (recover): %w", err)
	}
	var updated Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &updated, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
