package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Backend stores state documents as objects under
// <prefix>/<deployment_id>/state.json.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds a backend using the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3BackendFromClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3BackendFromClient builds a backend from an existing client.
func NewS3BackendFromClient(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Name identifies the backend kind.
func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(deploymentID string) string {
	if b.prefix == "" {
		return path.Join(deploymentID, "state.json")
	}
	return path.Join(b.prefix, deploymentID, "state.json")
}

// Put uploads the document.
func (b *S3Backend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	key := b.key(deploymentID)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", b.bucket, key, err)
	}
	log.Debug().Str("bucket", b.bucket).Str("key", key).Int("bytes", len(payload)).Msg("state pushed to s3")
	return nil
}

// Get downloads the document.
func (b *S3Backend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	key := b.key(deploymentID)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("s3://%s/%s: %w", b.bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", b.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", b.bucket, key, err)
	}
	return data, nil
}

// Delete removes the document. A missing object is treated as already deleted.
func (b *S3Backend) Delete(ctx context.Context, deploymentID string) error {
	key := b.key(deploymentID)
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// Ping verifies the bucket is reachable with the current credentials.
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not reachable: %w", b.bucket, err)
	}
	return nil
}
