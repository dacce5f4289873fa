package idempotency

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/apperr"
)

// Status values for idempotency entries
const (
	StatusPending         = "PENDING"
	StatusCompleted       = "COMPLETED"
	StatusFailedPermanent = "FAILED_PERMANENT"
	StatusFailedTransient = "FAILED_TRANSIENT"
)

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	IdempotencyKey     string    `dynamodbav:"idempotency_key"` // PK
	Operation          string    `dynamodbav:"operation"`
	RequestFingerprint string    `dynamodbav:"request_fingerprint"`
	Status             string    `dynamodbav:"status"`
	ResultReference    string    `dynamodbav:"result_reference,omitempty"`
	ErrorCode          string    `dynamodbav:"error_code,omitempty"`
	ErrorMessage       string    `dynamodbav:"error_message,omitempty"`
	CreatedAt          time.Time `dynamodbav:"created_at,unixtime"`
	UpdatedAt          time.Time `dynamodbav:"updated_at,unixtime"`
	ExpiresAt          int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Request identifies one logical submission attempt.
type Request struct {
	Key         string
	Operation   string
	Fingerprint string
}

// Effect is what a handler wants committed together with the COMPLETED
// transition of the key. Writes may be empty when the handler only looked up
// an existing result.
type Effect struct {
	ResultReference string
	Writes          []types.TransactWriteItem
}

// Handler runs the business logic for a claimed key.
type Handler func(ctx context.Context) (Effect, error)

// Result is the recorded outcome of a key: COMPLETED with a result
// reference, or FAILED_PERMANENT with an error.
type Result struct {
	Status          string
	ResultReference string
	ErrorCode       string
	ErrorMessage    string
	// Replayed is true when the outcome was read back, not produced now.
	Replayed bool
}

// Err returns the PermanentRejection carried by a FAILED_PERMANENT result.
func (r Result) Err() error {
	if r.Status != StatusFailedPermanent {
		return nil
	}
	return apperr.Permanent(r.ErrorCode, r.ErrorMessage)
}
