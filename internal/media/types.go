package media

import (
	"time"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/lifecycle"
)

// Attachment is one photo or video owned by a draft.
type Attachment struct {
	AttachmentID      string    `dynamodbav:"attachment_id" json:"attachment_id"` // PK
	OwnerClientUUID   string    `dynamodbav:"owner_client_uuid" json:"owner_client_uuid"`
	State             string    `dynamodbav:"state" json:"state"`
	MediaType         string    `dynamodbav:"media_type" json:"media_type"`
	FileName          string    `dynamodbav:"file_name,omitempty" json:"file_name,omitempty"`
	ContentType       string    `dynamodbav:"content_type" json:"content_type"`
	SizeBytes         int64     `dynamodbav:"size_bytes" json:"size_bytes"`
	ObjectKey         string    `dynamodbav:"object_key,omitempty" json:"object_key,omitempty"`
	ETag              string    `dynamodbav:"etag,omitempty" json:"-"`
	UploadAttempts    int       `dynamodbav:"upload_attempts" json:"upload_attempts"`
	AttemptsAtReset   int       `dynamodbav:"attempts_at_reset" json:"-"`
	LastError         string    `dynamodbav:"last_error,omitempty" json:"last_error,omitempty"`
	UploadedAt        time.Time `dynamodbav:"uploaded_at,unixtime" json:"uploaded_at"`
	CanonicalEntityID string    `dynamodbav:"canonical_entity_id,omitempty" json:"canonical_entity_id,omitempty"`
	CreatedAt         time.Time `dynamodbav:"created_at,unixtime" json:"created_at"`
	UpdatedAt         time.Time `dynamodbav:"updated_at,unixtime" json:"updated_at"`
}

// Limits caps the attachments per draft by media type.
type Limits struct {
	MaxPhotos int
	MaxVideos int
}

func (l Limits) max(mt lifecycle.MediaType) int {
	if mt == lifecycle.MediaVideo {
		return l.MaxVideos
	}
	return l.MaxPhotos
}

// Completeness summarizes the evidence attached to one draft.
type Completeness struct {
	Photos    int  `json:"photos"`
	Videos    int  `json:"videos"`
	MaxPhotos int  `json:"max_photos"`
	MaxVideos int  `json:"max_videos"`
	Uploaded  int  `json:"uploaded"`
	Pending   int  `json:"pending"`
	Failed    int  `json:"failed"`
	Linked    int  `json:"linked"`
	Complete  bool `json:"complete"`
}

// Summarize counts atts against limits. Complete means every attachment is
// uploaded and linked to the canonical report.
func Summarize(atts []Attachment, limits Limits) Completeness {
	c := Completeness{MaxPhotos: limits.MaxPhotos, MaxVideos: limits.MaxVideos}
	for _, a := range atts {
		switch lifecycle.MediaType(a.MediaType) {
		case lifecycle.MediaPhoto:
			c.Photos++
		case lifecycle.MediaVideo:
			c.Videos++
		}
		switch lifecycle.AttachmentState(a.State) {
		case lifecycle.AttachmentUploaded:
			c.Uploaded++
		case lifecycle.AttachmentFailed:
			c.Failed++
		default:
			c.Pending++
		}
		if a.CanonicalEntityID != "" {
			c.Linked++
		}
	}
	c.Complete = c.Linked == len(atts)
	return c
}
