package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

var (
	// ErrNotFound is returned when an attachment does not exist.
	ErrNotFound = errors.New("attachment not found")
	// ErrExists is returned by Create for a known attachment id.
	ErrExists = errors.New("attachment already exists")
	// ErrStateMismatch means a conditional state transition lost.
	ErrStateMismatch = errors.New("attachment state mismatch/conditional failed")
	// ErrLimit is returned by Create when the owner is at its per-type limit.
	ErrLimit = errors.New("attachment limit reached")
)

// Store encapsulates operations on the attachments table.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	ownerIndex string
	nowFunc    func() time.Time
}

// NewStore creates a new attachments Store. ownerIndex is the GSI keyed by
// owner_client_uuid.
func NewStore(client aws.DynamoDBAPI, tableName, ownerIndex string) *Store {
	return &Store{
		client:     client,
		tableName:  tableName,
		ownerIndex: ownerIndex,
		nowFunc:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"attachment_id": &types.AttributeValueMemberS{Value: id},
	}
}

func strV(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }

func numV(n int) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func unixN(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func decode(item map[string]types.AttributeValue) (*Attachment, error) {
	var a Attachment
	if err := attributevalue.UnmarshalMap(item, &a); err != nil {
		return nil, fmt.Errorf("unmarshal attachment: %w", err)
	}
	return &a, nil
}

// Get fetches an attachment with a strongly consistent read.
func (s *Store) Get(ctx context.Context, id string) (*Attachment, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            idKey(id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return decode(out.Item)
}

// Create inserts a new PENDING attachment. Returns ErrExists if the id is
// already taken and ErrLimit if the owner already holds limit attachments of
// the same media type. The insert and the per-owner counter move in one
// transaction, so concurrent creates cannot overshoot. limit <= 0 means
// unlimited.
func (s *Store) Create(ctx context.Context, a Attachment, limit int) (*Attachment, error) {
	now := s.nowFunc()
	a.State = string(lifecycle.AttachmentPending)
	a.CreatedAt = now
	a.UpdatedAt = now
	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return nil, fmt.Errorf("marshal attachment: %w", err)
	}

	counter := &types.Update{
		TableName:                &s.tableName,
		Key:                      idKey(quotaKey(a.OwnerClientUUID)),
		UpdateExpression:         awsString("SET #c = if_not_exists(#c, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{"#c": quotaAttr(a.MediaType)},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": numV(0),
			":one":  numV(1),
		},
	}
	if limit > 0 {
		counter.ConditionExpression = awsString("attribute_not_exists(#c) OR #c < :limit")
		counter.ExpressionAttributeValues[":limit"] = numV(limit)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(attachment_id)"),
			}},
			{Update: counter},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for i, r := range tce.CancellationReasons {
				if r.Code == nil || *r.Code != "ConditionalCheckFailed" {
					continue
				}
				if i == 0 {
					return nil, ErrExists
				}
				return nil, ErrLimit
			}
		}
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	return &a, nil
}

// quotaKey is the id of the per-owner counter row. It carries no owner or
// state attribute, so the owner index and the unlinked sweep never see it.
func quotaKey(owner string) string { return "quota#" + owner }

func quotaAttr(mediaType string) string {
	return strings.ToLower(mediaType) + "_count"
}

// ListByOwner returns every attachment of a draft through the owner GSI.
// GSI reads are eventually consistent; the reconcile sweep covers the lag.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]Attachment, error) {
	var (
		out      []Attachment
		startKey map[string]types.AttributeValue
	)
	for {
		res, err := s.client.Query(ctx, &dyn.QueryInput{
			TableName:                 &s.tableName,
			IndexName:                 &s.ownerIndex,
			KeyConditionExpression:    awsString("owner_client_uuid = :o"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":o": strV(owner)},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query attachments: %w", err)
		}
		for _, item := range res.Items {
			a, err := decode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, *a)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

// transition moves an attachment from -> to, applying extra SET clauses.
func (s *Store) transition(ctx context.Context, id string, from, to lifecycle.AttachmentState, extraSet string, extraCond string, values map[string]types.AttributeValue) (*Attachment, error) {
	if err := lifecycle.CheckAttachmentTransition(from, to); err != nil {
		return nil, err
	}
	vals := map[string]types.AttributeValue{
		":from": strV(string(from)),
		":to":   strV(string(to)),
		":ua":   unixN(s.nowFunc()),
	}
	for k, v := range values {
		vals[k] = v
	}
	update := "SET #s = :to, updated_at = :ua"
	if extraSet != "" {
		update += ", " + extraSet
	}
	cond := "#s = :from"
	if extraCond != "" {
		cond += " AND " + extraCond
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       idKey(id),
		UpdateExpression:          &update,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "state"},
		ExpressionAttributeValues: vals,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if idempotency.IsConditionalCheckFailed(err) {
			return nil, ErrStateMismatch
		}
		return nil, fmt.Errorf("update attachment %s -> %s: %w", from, to, err)
	}
	return decode(out.Attributes)
}

// BeginUpload claims a PENDING attachment for one transfer attempt.
func (s *Store) BeginUpload(ctx context.Context, id string) (*Attachment, error) {
	return s.transition(ctx, id, lifecycle.AttachmentPending, lifecycle.AttachmentUploading, "", "", nil)
}

// MarkUploaded records a successful transfer. canonicalID may be empty when
// the draft has not been promoted yet.
func (s *Store) MarkUploaded(ctx context.Context, id, objectKey, etag, canonicalID string) (*Attachment, error) {
	set := "uploaded_at = :ua, object_key = :key, etag = :etag"
	vals := map[string]types.AttributeValue{
		":key":  strV(objectKey),
		":etag": strV(etag),
	}
	if canonicalID != "" {
		set += ", canonical_entity_id = :cid"
		vals[":cid"] = strV(canonicalID)
	}
	return s.transition(ctx, id, lifecycle.AttachmentUploading, lifecycle.AttachmentUploaded, set, "", vals)
}

// MarkUploadFailed records a failed transfer of a, which must be the row
// returned by BeginUpload. The attachment returns to PENDING, or becomes
// FAILED once the attempts since the last manual reset reach maxAttempts.
func (s *Store) MarkUploadFailed(ctx context.Context, a *Attachment, reason string, maxAttempts int) (*Attachment, error) {
	next := lifecycle.AfterUploadFailure(a.UploadAttempts+1, a.AttemptsAtReset, maxAttempts)
	return s.transition(ctx, a.AttachmentID, lifecycle.AttachmentUploading, next,
		"upload_attempts = upload_attempts + :inc, last_error = :err",
		"upload_attempts = :seen",
		map[string]types.AttributeValue{
			":inc":  numV(1),
			":err":  strV(reason),
			":seen": numV(a.UploadAttempts),
		})
}

// RecoverStale returns an UPLOADING attachment untouched since cutoff to
// PENDING. The interrupted transfer is not counted as an attempt.
func (s *Store) RecoverStale(ctx context.Context, id string, cutoff time.Time) (*Attachment, error) {
	return s.transition(ctx, id, lifecycle.AttachmentUploading, lifecycle.AttachmentPending,
		"", "updated_at <= :cutoff",
		map[string]types.AttributeValue{":cutoff": unixN(cutoff)})
}

// ResetFailed is the manual retry: FAILED -> PENDING with a fresh attempt
// window. The cumulative upload_attempts counter is kept.
func (s *Store) ResetFailed(ctx context.Context, id string) (*Attachment, error) {
	return s.transition(ctx, id, lifecycle.AttachmentFailed, lifecycle.AttachmentPending,
		"attempts_at_reset = upload_attempts", "", nil)
}

// Link sets canonical_entity_id on an UPLOADED attachment that has none.
// Returns ErrStateMismatch if it is not UPLOADED or already linked.
func (s *Store) Link(ctx context.Context, id, canonicalID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      idKey(id),
		UpdateExpression:         awsString("SET canonical_entity_id = :cid, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :uploaded AND attribute_not_exists(canonical_entity_id)"),
		ExpressionAttributeNames: map[string]string{"#s": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":      strV(canonicalID),
			":uploaded": strV(string(lifecycle.AttachmentUploaded)),
			":ua":       unixN(s.nowFunc()),
		},
	})
	if err != nil {
		if idempotency.IsConditionalCheckFailed(err) {
			return ErrStateMismatch
		}
		return fmt.Errorf("link attachment: %w", err)
	}
	return nil
}

// ScanUnlinked calls fn for each page of UPLOADED attachments without a
// canonical id.
func (s *Store) ScanUnlinked(ctx context.Context, pageSize int32, fn func([]Attachment) error) error {
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                 &s.tableName,
			FilterExpression:          awsString("#s = :uploaded AND attribute_not_exists(canonical_entity_id)"),
			ExpressionAttributeNames:  map[string]string{"#s": "state"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":uploaded": strV(string(lifecycle.AttachmentUploaded))},
			ExclusiveStartKey:         startKey,
			Limit:                     &pageSize,
		})
		if err != nil {
			return fmt.Errorf("scan unlinked attachments: %w", err)
		}
		page := make([]Attachment, 0, len(res.Items))
		for _, item := range res.Items {
			a, err := decode(item)
			if err != nil {
				return err
			}
			page = append(page, *a)
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			return nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
