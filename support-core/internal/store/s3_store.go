package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store keeps proposals at s3://<bucket>/<prefix>/<location>/<id>.json.
type S3Store struct {
	client    S3API
	bucket    string
	prefix    string
	locations Locations
}

func NewS3Store(client S3API, bucket, prefix string, locations Locations) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	if err := locations.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		locations: locations,
	}, nil
}

// S3Opener returns an Opener that loads AWS credentials from the environment.
func S3Opener(bucket, prefix string) Opener {
	return func(ctx context.Context, locations Locations) (Store, error) {
		cfg, err := awsConfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix, locations)
	}
}

func (s *S3Store) areaPrefix(area Area) string {
	return path.Join(s.prefix, strings.Trim(s.locations.For(area), "/")) + "/"
}

func (s *S3Store) key(area Area, id string) string {
	return s.areaPrefix(area) + id + ".json"
}

// EnsureAreas is a no-op: prefixes exist implicitly.
func (s *S3Store) EnsureAreas(ctx context.Context) error {
	return s.Ping(ctx)
}

func (s *S3Store) Put(ctx context.Context, area Area, p *models.Proposal) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal %s: %w", p.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key(area, p.ID)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("put proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, area Area, id string) (*models.Proposal, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(area, id)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal %s: %w", id, err)
	}
	defer out.Body.Close()
	return decodeProposal(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, area Area, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(area, id)),
	})
	if err != nil {
		return fmt.Errorf("delete proposal %s: %w", id, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, area Area) ([]*models.Proposal, error) {
	var out []*models.Proposal
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.areaPrefix(area)),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s proposals: %w", area, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			got, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			p, err := decodeProposal(got.Body)
			got.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, p)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

func decodeProposal(r io.Reader) (*models.Proposal, error) {
	var p models.Proposal
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ Store = (*S3Store)(nil)
