package tasks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/appgrant/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/appgrant/pkg/tasks")

const keyTimeFormat = "20060102T150405.000000000Z"

// s3API is the subset of *s3.Client the sink uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3DeadLetterSink stores dead-lettered tasks as JSON objects named
// <prefix><failed-at>-<id>.json so that listing order is failure order.
type S3DeadLetterSink struct {
	client s3API
	bucket string
	prefix string

	mu   sync.Mutex
	keys map[string]string
}

// NewS3DeadLetterSink connects to the bucket described by cfg, creating it
// when missing.
func NewS3DeadLetterSink(ctx context.Context, cfg storage.Config) (*S3DeadLetterSink, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials for MinIO or explicit keys; otherwise the
		// default chain (IAM roles, env vars).
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return newS3DeadLetterSink(client, cfg.S3Bucket, "dead-letters/"), nil
}

func newS3DeadLetterSink(client s3API, bucket, prefix string) *S3DeadLetterSink {
	return &S3DeadLetterSink{client: client, bucket: bucket, prefix: prefix, keys: make(map[string]string)}
}

func (s *S3DeadLetterSink) objectKey(t *Task) string {
	failed := t.EnqueuedAt
	if t.FailedAt != nil {
		failed = *t.FailedAt
	}
	return s.prefix + failed.UTC().Format(keyTimeFormat) + "-" + t.ID + ".json"
}

// Put implements DeadLetterSink.
func (s *S3DeadLetterSink) Put(ctx context.Context, t *Task) error {
	key := s.objectKey(t)
	ctx, span := tracer.Start(ctx, "S3.PutDeadLetter",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
			attribute.String("task.kind", t.Kind),
		),
	)
	defer span.End()

	data, err := json.Marshal(t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode task")
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	hash := sha256.Sum256(data)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
			"task-kind":       t.Kind,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return fmt.Errorf("failed to upload dead letter %s: %w", t.ID, err)
	}

	s.remember(t.ID, key)
	span.SetStatus(codes.Ok, "dead letter stored")
	return nil
}

// List implements DeadLetterSink.
func (s *S3DeadLetterSink) List(ctx context.Context, limit int) ([]*Task, error) {
	ctx, span := tracer.Start(ctx, "S3.ListDeadLetters",
		trace.WithAttributes(attribute.String("s3.bucket", s.bucket), attribute.Int("limit", limit)),
	)
	defer span.End()

	keys, err := s.listKeys(ctx, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list objects")
		return nil, err
	}

	out := make([]*Task, 0, len(keys))
	for _, key := range keys {
		t, err := s.get(ctx, key)
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read object")
			return nil, err
		}
		s.remember(t.ID, key)
		out = append(out, t)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

func (s *S3DeadLetterSink) listKeys(ctx context.Context, limit int) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list dead letters: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
	}
	return keys, nil
}

func (s *S3DeadLetterSink) get(ctx context.Context, key string) (*Task, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter %s: %w", key, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter %s: %w", key, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter %s: %w", key, err)
	}
	return &t, nil
}

// Delete implements DeadLetterSink. Deleting an unknown id is not an error.
func (s *S3DeadLetterSink) Delete(ctx context.Context, id string) error {
	key, err := s.keyFor(ctx, id)
	if err != nil || key == "" {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
	return nil
}

// HealthCheck verifies S3 connectivity
func (s *S3DeadLetterSink) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func (s *S3DeadLetterSink) remember(id, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
}

// keyFor resolves the object key of a task written by another process by
// scanning the prefix.
func (s *S3DeadLetterSink) keyFor(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	key, ok := s.keys[id]
	s.mu.Unlock()
	if ok {
		return key, nil
	}
	keys, err := s.listKeys(ctx, 0)
	if err != nil {
		return "", err
	}
	suffix := "-" + id + ".json"
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			return k, nil
		}
	}
	return "", nil
}

func createBucketIfNotExists(ctx context.Context, client s3API, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
