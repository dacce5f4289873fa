package reports

import (
	"encoding/json"
	"time"
)

// Server-side draft states. The device runs the full state machine; the
// server only records where the submission ended up.
const (
	StateSynced = "SYNCED"
	StateFailed = "FAILED"
)

// Draft is the server copy of a PendingSubmission, keyed by client_uuid.
// It doubles as the uniqueness guard client_uuid -> canonical_entity_id.
type Draft struct {
	ClientUUID        string    `dynamodbav:"client_uuid"` // PK
	ReportKind        string    `dynamodbav:"report_kind"`
	Payload           string    `dynamodbav:"payload"` // opaque JSON object
	State             string    `dynamodbav:"state"`
	AttemptCount      int       `dynamodbav:"attempt_count"`
	LastError         string    `dynamodbav:"last_error,omitempty"`
	LastAttemptAt     time.Time `dynamodbav:"last_attempt_at,unixtime"`
	CanonicalEntityID string    `dynamodbav:"canonical_entity_id,omitempty"`
	CreatedAt         time.Time `dynamodbav:"created_at,unixtime"`
	UpdatedAt         time.Time `dynamodbav:"updated_at,unixtime"`
}

// Report is the canonical entity created by promotion.
type Report struct {
	ReportID   string    `dynamodbav:"report_id"` // PK
	ClientUUID string    `dynamodbav:"client_uuid"`
	ReportKind string    `dynamodbav:"report_kind"`
	Payload    string    `dynamodbav:"payload"`
	Author     string    `dynamodbav:"author,omitempty"`
	CreatedAt  time.Time `dynamodbav:"created_at,unixtime"`
}

// Submission is the envelope promoted into a Report.
type Submission struct {
	ClientUUID string
	Kind       string
	Payload    json.RawMessage
	Author     string
}
