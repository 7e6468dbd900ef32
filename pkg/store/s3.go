package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/data-riot/policy-as-code/pkg/canonicalize"
)

// S3ObjectStore keeps archived ledger segments in S3 under their content
// hash, so an archived segment can never be swapped silently.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the archive bucket. Endpoint supports MinIO/LocalStack.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3ObjectStore creates an S3-backed object store.
func NewS3ObjectStore(ctx context.Context, cfg S3Config) (*S3ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("store: aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Store uploads data keyed by its content hash. Uploading the same content
// twice is a no-op, which makes archival idempotent.
func (s *S3ObjectStore) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	key := s.key(hash)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return hash, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		return "", fmt.Errorf("store: s3 put: %w", err)
	}
	return hash, nil
}

// Get downloads a segment by content hash and verifies it on the way in.
func (s *S3ObjectStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if !strings.HasPrefix(hash, canonicalize.HashPrefix) {
		return nil, fmt.Errorf("store: invalid content hash %q", hash)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(hash)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: s3 get %s: %w", hash, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("store: archived segment corrupted: want %s got %s", hash, got)
	}
	return data, nil
}

func (s *S3ObjectStore) key(hash string) string {
	return s.prefix + strings.TrimPrefix(hash, canonicalize.HashPrefix) + ".jsonl"
}
