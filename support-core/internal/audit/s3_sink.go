package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/supportops/support-core/internal/canonical"
)

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Sink archives canonical event envelopes at
//
//	s3://<bucket>/<prefix>/audit/YYYY/MM/DD/<eventID>.json
type S3Sink struct {
	bucket   string
	prefix   string
	uploader Uploader
}

// NewS3Sink picks up region and credentials from the environment.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SinkWithUploader(manager.NewUploader(s3.NewFromConfig(cfg)), bucket, prefix)
}

func NewS3SinkWithUploader(u Uploader, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	return &S3Sink{bucket: bucket, prefix: prefix, uploader: u}, nil
}

// ObjectKey is where ev is archived.
func (s *S3Sink) ObjectKey(ev *Event) string {
	ts := ev.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(s.prefix, "audit",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		ev.ID+".json",
	)
}

func (s *S3Sink) Append(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	body, err := canonical.Marshal(ev.envelope())
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.ObjectKey(ev)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

var _ Sink = (*S3Sink)(nil)
