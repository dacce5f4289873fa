package validation

import "encoding/json"

// SubmitRequest is the payload for POST /submissions
type SubmitRequest struct {
	Key        string          `json:"key" validate:"required,max=200,printascii"`       // idempotency key chosen by the device
	ClientUUID string          `json:"client_uuid,omitempty" validate:"omitempty,max=200"` // draft id; defaults to key
	ReportKind string          `json:"report_kind" validate:"required,report_kind"`       // INCIDENT, EMERGENCY, ASSISTANCE
	Payload    json.RawMessage `json:"payload" validate:"json_object"`                    // opaque report body
}

// UploadForm is the multipart form for POST /attachments. The file part is
// read separately.
type UploadForm struct {
	OwnerClientUUID string `form:"owner_client_uuid" validate:"required,max=200"`
	AttachmentID    string `form:"attachment_id" validate:"omitempty,max=200,printascii,excludes=#"`
}
