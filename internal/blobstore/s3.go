// Package blobstore implements the read path for attack file bytes and
// zip-sourced defense archives against S3-compatible object storage.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mlsecarena/evalrunner/internal/common"
)

// Store wraps an S3 client scoped to a single bucket/prefix.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *common.Logger
}

// Config names the bucket and endpoint to connect to. Endpoint is set for
// S3-compatible stores (MinIO, R2); left empty to use AWS's default
// resolver.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// New builds an S3 client from cfg and returns a ready Store.
func New(ctx context.Context, cfg Config, logger *common.Logger) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, logger: logger}, nil
}

func (s *Store) key(objectKey string) string {
	if s.prefix == "" {
		return objectKey
	}
	return s.prefix + "/" + objectKey
}

// Get downloads the full object named by objectKey.
func (s *Store) Get(ctx context.Context, objectKey string) ([]byte, error) {
	rc, err := s.GetReader(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", objectKey, err)
	}
	return buf.Bytes(), nil
}

// GetReader opens a streaming reader for objectKey; the caller must close it.
func (s *Store) GetReader(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws(s.key(objectKey)),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", objectKey, err)
	}
	return out.Body, nil
}

// Put uploads data under objectKey, used by the dispatcher to persist
// individually addressable attack files unpacked from a submission archive.
func (s *Store) Put(ctx context.Context, objectKey string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws(s.key(objectKey)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", objectKey, err)
	}
	return nil
}

func aws(s string) *string { return &s }
