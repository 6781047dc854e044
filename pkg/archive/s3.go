package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the S3 operations used by S3Archive.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Archive stores deliveries in an S3 bucket. It is safe for concurrent use.
type S3Archive struct {
	client S3Client
	bucket string
	keys   keyNamer
}

// S3Option configures NewS3Archive.
type S3Option func(*S3Archive)

// WithS3Client replaces the SDK client, e.g. with a mock.
func WithS3Client(client S3Client) S3Option {
	return func(a *S3Archive) { a.client = client }
}

// WithClock sets the clock used to date archive keys.
func WithClock(now func() time.Time) S3Option {
	return func(a *S3Archive) { a.keys.now = now }
}

// NewS3Archive creates an archive backed by cfg.Bucket. Without static keys
// the default AWS credential chain applies.
func NewS3Archive(ctx context.Context, cfg Config, opts ...S3Option) (*S3Archive, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("%w: bucket and region are required", ErrInvalidConfig)
	}

	a := &S3Archive{
		bucket: cfg.Bucket,
		keys:   keyNamer{prefix: cfg.Prefix, now: time.Now},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client != nil {
		return a, nil
	}

	load := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")
		load = append(load, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadConfig, err)
	}

	a.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return a, nil
}

// Archive writes payload under a key derived from provider, eventID and
// the current day. Redelivered events overwrite their earlier copy.
func (a *S3Archive) Archive(ctx context.Context, provider, eventID string, payload []byte) error {
	key, err := a.keys.key(provider, eventID)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return classifyS3Error(err, "archive event")
	}
	return nil
}

func (a *S3Archive) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(strings.TrimPrefix(key, "/")),
	})
	if err != nil {
		return nil, classifyS3Error(err, "get event")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Join(ErrFailedToRead, err)
	}
	return data, nil
}

func (a *S3Archive) List(ctx context.Context, provider string, day time.Time) ([]string, error) {
	prefix, err := a.keys.dayPrefix(provider, day)
	if err != nil {
		return nil, err
	}

	var (
		keys  []string
		token *string
	)
	for {
		page, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classifyS3Error(err, "list events")
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			return keys, nil
		}
		token = page.NextContinuationToken
	}
}

// s3Codes maps S3 API error codes to archive errors.
var s3Codes = map[string]error{
	"AccessDenied":       ErrAccessDenied,
	"SlowDown":           ErrServiceUnavailable,
	"ServiceUnavailable": ErrServiceUnavailable,
	"RequestTimeout":     ErrServiceUnavailable,
	"NoSuchKey":          ErrNotFound,
	"NoSuchBucket":       ErrBucketNotFound,
}

func classifyS3Error(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrOperationTimeout, op)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", ErrOperationCanceled, op)
	}

	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &noKey):
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	case errors.As(err, &noBucket):
		return fmt.Errorf("%w: %s", ErrBucketNotFound, op)
	case errors.As(err, &apiErr):
		if mapped, ok := s3Codes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("%w: %s", mapped, op)
		}
		return fmt.Errorf("%s failed (%s): %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
