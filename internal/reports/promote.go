package reports

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// CheckSubmission validates the envelope around an opaque payload.
func CheckSubmission(sub Submission) error {
	if sub.ClientUUID == "" {
		return apperr.Permanent("invalid_client_uuid", "client_uuid is required")
	}
	if !lifecycle.ReportKind(sub.Kind).Valid() {
		return apperr.Permanent("invalid_report_kind", "report_kind must be one of INCIDENT, EMERGENCY, ASSISTANCE")
	}
	var obj map[string]json.RawMessage
	if len(sub.Payload) == 0 || json.Unmarshal(sub.Payload, &obj) != nil || obj == nil {
		return apperr.Permanent("invalid_payload", "payload must be a JSON object")
	}
	return nil
}

// Promote returns the idempotency handler that turns sub into a canonical
// report. If the draft was already promoted the handler is a lookup and
// returns the existing id with no writes. Otherwise its effect creates the
// report and stamps the draft, guarded by
// attribute_not_exists(canonical_entity_id) so a client_uuid maps to at
// most one report.
func (s *Store) Promote(sub Submission) idempotency.Handler {
	return func(ctx context.Context) (idempotency.Effect, error) {
		if err := CheckSubmission(sub); err != nil {
			return idempotency.Effect{}, err
		}

		d, err := s.GetDraft(ctx, sub.ClientUUID)
		switch {
		case err == nil && d.CanonicalEntityID != "":
			return idempotency.Effect{ResultReference: d.CanonicalEntityID}, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return idempotency.Effect{}, apperr.Transient("read draft", err)
		}

		now := s.nowFunc()
		report := Report{
			ReportID:   s.newID(),
			ClientUUID: sub.ClientUUID,
			ReportKind: sub.Kind,
			Payload:    string(sub.Payload),
			Author:     sub.Author,
			CreatedAt:  now,
		}
		item, err := attributevalue.MarshalMap(report)
		if err != nil {
			return idempotency.Effect{}, apperr.Transient("marshal report", err)
		}

		return idempotency.Effect{
			ResultReference: report.ReportID,
			Writes: []types.TransactWriteItem{
				{
					Put: &types.Put{
						TableName:           &s.reportsTable,
						Item:                item,
						ConditionExpression: awsString("attribute_not_exists(report_id)"),
					},
				},
				{
					Update: &types.Update{
						TableName: &s.draftsTable,
						Key:       draftKey(sub.ClientUUID),
						UpdateExpression: awsString("SET #st = :synced, canonical_entity_id = :id, report_kind = :kind, payload = :payload, " +
							"attempt_count = if_not_exists(attempt_count, :zero) + :inc, last_attempt_at = :now, " +
							"created_at = if_not_exists(created_at, :now), updated_at = :now REMOVE last_error"),
						ConditionExpression:      awsString("attribute_not_exists(canonical_entity_id)"),
						ExpressionAttributeNames: map[string]string{"#st": "state"},
						ExpressionAttributeValues: map[string]types.AttributeValue{
							":synced":  &types.AttributeValueMemberS{Value: StateSynced},
							":id":      &types.AttributeValueMemberS{Value: report.ReportID},
							":kind":    &types.AttributeValueMemberS{Value: sub.Kind},
							":payload": &types.AttributeValueMemberS{Value: string(sub.Payload)},
							":zero":    &types.AttributeValueMemberN{Value: "0"},
							":inc":     &types.AttributeValueMemberN{Value: "1"},
							":now":     unixN(now),
						},
					},
				},
			},
		}, nil
	}
}
