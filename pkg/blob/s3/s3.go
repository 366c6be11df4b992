// Package s3 implements the blob store capability on Amazon S3 or any
// S3-compatible object store (MinIO, R2).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/capsulehub/capsuled/internal/logger"
	"github.com/capsulehub/capsuled/pkg/blob"
)

// S3Store implements blob.Store on an S3 bucket.
//
// Keys are used verbatim below an optional KeyPrefix. Bundle and artifact
// objects are small (single-digit megabytes at most, enforced upstream by
// plan limits), so plain PutObject is used rather than multipart upload.
// Transient failures retry with exponential backoff.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	retry     retryConfig
}

type retryConfig struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Config contains S3 blob store configuration.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. Must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys.
	KeyPrefix string

	// MaxRetries is the retry budget for transient errors (default: 3).
	MaxRetries int

	// InitialBackoff is the first retry delay (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay (default: 2s).
	MaxBackoff time.Duration
}

// NewClientFromConfig creates an S3 client from configuration parameters.
// This is a helper for wiring YAML configuration; endpoint may point at an
// S3-compatible store.
func NewClientFromConfig(
	ctx context.Context,
	endpoint, region, accessKeyID, secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates an S3 blob store and verifies bucket access.
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = 100 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 2 * time.Second
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		retry: retryConfig{
			maxRetries:     maxRetries,
			initialBackoff: initialBackoff,
			maxBackoff:     maxBackoff,
		},
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	return s.keyPrefix + key
}

// withRetry runs op with exponential backoff on error. Not-found errors
// never retry; they are terminal.
func (s *S3Store) withRetry(ctx context.Context, name, key string, op func() error) error {
	backoff := s.retry.initialBackoff

	var err error
	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if isNotFound(err) || attempt == s.retry.maxRetries {
			return err
		}

		logger.Debug("S3 operation retry",
			"operation", name,
			logger.KeyBlobKey, key,
			logger.KeyAttempt, attempt+1,
			logger.KeyError, err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.retry.maxBackoff {
			backoff = s.retry.maxBackoff
		}
	}
	return err
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

// Put stores data under key with optional per-object metadata.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	contentType := metadata[blob.MetaContentType]

	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.objectKey(key)),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	return s.withRetry(ctx, "PutObject", key, func() error {
		// Body readers are not rewindable across attempts; rebuild each time.
		input.Body = bytes.NewReader(data)
		_, err := s.client.PutObject(ctx, input)
		return err
	})
}

// Get returns the object payload, or blob.ErrNotFound.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := s.withRetry(ctx, "GetObject", key, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	return data, nil
}

// Head returns object info without the payload, or blob.ErrNotFound.
func (s *S3Store) Head(ctx context.Context, key string) (*blob.ObjectInfo, error) {
	var info *blob.ObjectInfo

	err := s.withRetry(ctx, "HeadObject", key, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			return err
		}
		info = &blob.ObjectInfo{
			Key:      key,
			Size:     aws.ToInt64(out.ContentLength),
			Metadata: out.Metadata,
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to head object %q: %w", key, err)
	}
	return info, nil
}

// Delete removes a key. Deleting a missing key is not an error (S3
// DeleteObject is idempotent).
func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "DeleteObject", key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		return err
	})
}

// List returns the keys under a prefix, stripped of the store KeyPrefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			full := aws.ToString(obj.Key)
			keys = append(keys, full[len(s.keyPrefix):])
		}
	}

	return keys, nil
}
