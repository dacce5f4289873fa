// Package awsfake holds in-memory S3, SQS and CloudWatch clients for tests.
package awsfake

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// S3 stores objects in memory.
type S3 struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Puts    int
	fail    int
}

// FailNext makes the next n PutObject calls fail.
func (f *S3) FailNext(n int) {
	f.mu.Lock()
	f.fail = n
	f.mu.Unlock()
}

func (f *S3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts++
	if f.fail > 0 {
		f.fail--
		return nil, fmt.Errorf("put object %s: connection reset", *in.Key)
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.Objects == nil {
		f.Objects = map[string][]byte{}
	}
	f.Objects[*in.Key] = b
	etag := fmt.Sprintf("\"%x\"", len(b))
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

// Object returns the stored bytes of key.
func (f *S3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Objects[key]
	return b, ok
}

// SQS records sent messages.
type SQS struct {
	mu   sync.Mutex
	Sent []*sqs.SendMessageInput
	Err  error
}

func (f *SQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Sent = append(f.Sent, in)
	id := fmt.Sprintf("msg-%d", len(f.Sent))
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

// Bodies returns the body of every sent message.
func (f *SQS) Bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Sent))
	for _, m := range f.Sent {
		out = append(out, *m.MessageBody)
	}
	return out
}

// CloudWatch records metric data.
type CloudWatch struct {
	mu    sync.Mutex
	Calls []*cloudwatch.PutMetricDataInput
}

func (f *CloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// Sum adds up every datum published under name.
func (f *CloudWatch) Sum(name string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total float64
	for _, c := range f.Calls {
		for _, d := range c.MetricData {
			if d.MetricName != nil && *d.MetricName == name && d.Value != nil {
				total += *d.Value
			}
		}
	}
	return total
}
