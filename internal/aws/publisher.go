package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ReconcileMessage asks the worker to link attachments for one draft.
type ReconcileMessage struct {
	ClientUUID        string `json:"client_uuid"`
	CanonicalEntityID string `json:"canonical_entity_id,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	CorrelationID     string `json:"correlation_id,omitempty"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishReconcile enqueues a reconcile request. A nil Publisher or an empty
// queue URL is a no-op so local runs work without SQS.
func (p *Publisher) PublishReconcile(ctx context.Context, msg ReconcileMessage) error {
	if p == nil || p.SQS == nil || p.QueueURL == "" {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal reconcile message: %w", err)
	}
	attrs := map[string]string{"client_uuid": msg.ClientUUID}
	if msg.CorrelationID != "" {
		attrs["correlation_id"] = msg.CorrelationID
	}
	return p.send(ctx, string(body), attrs)
}

// send delivers messageBody with attributes sent as String MessageAttributes.
func (p *Publisher) send(ctx context.Context, messageBody string, attributes map[string]string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
