package media

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/aws"
)

// Uploader stores attachment bytes.
type Uploader interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
}

// ObjectStore writes attachments to an S3 bucket.
type ObjectStore struct {
	client aws.S3API
	bucket string
}

func NewObjectStore(client aws.S3API, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// ObjectKey is the storage key of an attachment.
func ObjectKey(ownerClientUUID, attachmentID string) string {
	return fmt.Sprintf("reports/%s/%s", ownerClientUUID, attachmentID)
}

// Put uploads body under key and returns the object's ETag. Writing the same
// key again overwrites it, so a retried transfer is safe.
func (o *ObjectStore) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:               &o.bucket,
		Key:                  &key,
		Body:                 body,
		ContentType:          &contentType,
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if size > 0 {
		in.ContentLength = &size
	}
	out, err := o.client.PutObject(ctx, in)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	if out.ETag == nil {
		return "", nil
	}
	return *out.ETag, nil
}
