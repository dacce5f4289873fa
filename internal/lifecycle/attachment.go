package lifecycle

import (
	"fmt"
	"strings"
)

// AttachmentState is the upload state of one media file.
type AttachmentState string

const (
	AttachmentPending   AttachmentState = "PENDING"
	AttachmentUploading AttachmentState = "UPLOADING"
	AttachmentUploaded  AttachmentState = "UPLOADED"
	AttachmentFailed    AttachmentState = "FAILED"
)

// MediaType distinguishes photo and video evidence.
type MediaType string

const (
	MediaPhoto MediaType = "PHOTO"
	MediaVideo MediaType = "VIDEO"
)

var attachmentEdges = map[AttachmentState][]AttachmentState{
	AttachmentPending:   {AttachmentUploading},
	AttachmentUploading: {AttachmentUploaded, AttachmentPending, AttachmentFailed},
	AttachmentFailed:    {AttachmentPending},
}

// CanTransitionAttachment reports whether from -> to is allowed.
func CanTransitionAttachment(from, to AttachmentState) bool {
	for _, s := range attachmentEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckAttachmentTransition returns ErrInvalidTransition when from -> to is
// not allowed.
func CheckAttachmentTransition(from, to AttachmentState) error {
	if CanTransitionAttachment(from, to) {
		return nil
	}
	return fmt.Errorf("attachment %s -> %s: %w", from, to, ErrInvalidTransition)
}

// AfterUploadFailure returns the state an UPLOADING attachment moves to after
// a failed transfer. attempts is the cumulative counter after incrementing,
// attemptsAtReset the counter value at the last manual retry.
func AfterUploadFailure(attempts, attemptsAtReset, maxAttempts int) AttachmentState {
	if maxAttempts > 0 && attempts-attemptsAtReset >= maxAttempts {
		return AttachmentFailed
	}
	return AttachmentPending
}

// MediaTypeFor infers the media type from a MIME content type.
func MediaTypeFor(contentType string) (MediaType, bool) {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MediaPhoto, true
	case strings.HasPrefix(contentType, "video/"):
		return MediaVideo, true
	}
	return "", false
}
