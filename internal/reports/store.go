package reports

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
)

// Store encapsulates operations on the drafts and reports tables.
type Store struct {
	client       aws.DynamoDBAPI
	draftsTable  string
	reportsTable string
	nowFunc      func() time.Time
	newID        func() string
}

// NewStore creates a new reports Store.
func NewStore(client aws.DynamoDBAPI, draftsTable, reportsTable string) *Store {
	return &Store{
		client:       client,
		draftsTable:  draftsTable,
		reportsTable: reportsTable,
		nowFunc:      time.Now,
		newID:        uuid.NewString,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// ErrNotFound is returned when a draft or report does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadySynced is returned when a write would touch a promoted draft.
var ErrAlreadySynced = errors.New("draft already synced")

func draftKey(clientUUID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"client_uuid": &types.AttributeValueMemberS{Value: clientUUID},
	}
}

func unixN(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// GetDraft fetches the server draft for clientUUID with a strongly
// consistent read.
func (s *Store) GetDraft(ctx context.Context, clientUUID string) (*Draft, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.draftsTable,
		Key:            draftKey(clientUUID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var d Draft
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal draft: %w", err)
	}
	return &d, nil
}

// CanonicalID returns the canonical entity id for clientUUID, or "" when the
// draft is unknown or not yet promoted.
func (s *Store) CanonicalID(ctx context.Context, clientUUID string) (string, error) {
	d, err := s.GetDraft(ctx, clientUUID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return d.CanonicalEntityID, nil
}

// GetReport fetches a canonical report by id.
func (s *Store) GetReport(ctx context.Context, reportID string) (*Report, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.reportsTable,
		Key: map[string]types.AttributeValue{
			"report_id": &types.AttributeValueMemberS{Value: reportID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var r Report
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

// RecordFailure marks the server draft FAILED with the rejection reason and
// bumps its attempt counter. A promoted draft is left untouched and
// ErrAlreadySynced is returned.
func (s *Store) RecordFailure(ctx context.Context, sub Submission, code, msg string) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.draftsTable,
		Key:       draftKey(sub.ClientUUID),
		UpdateExpression: awsString("SET #st = :failed, last_error = :err, report_kind = :kind, payload = :payload, " +
			"attempt_count = if_not_exists(attempt_count, :zero) + :inc, last_attempt_at = :now, " +
			"created_at = if_not_exists(created_at, :now), updated_at = :now"),
		ConditionExpression:      awsString("attribute_not_exists(canonical_entity_id)"),
		ExpressionAttributeNames: map[string]string{"#st": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: StateFailed},
			":err":     &types.AttributeValueMemberS{Value: code + ": " + msg},
			":kind":    &types.AttributeValueMemberS{Value: sub.Kind},
			":payload": &types.AttributeValueMemberS{Value: string(sub.Payload)},
			":zero":    &types.AttributeValueMemberN{Value: "0"},
			":inc":     &types.AttributeValueMemberN{Value: "1"},
			":now":     unixN(now),
		},
	})
	if err != nil {
		if idempotency.IsConditionalCheckFailed(err) {
			return ErrAlreadySynced
		}
		return fmt.Errorf("record draft failure: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
