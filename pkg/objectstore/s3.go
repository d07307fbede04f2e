package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
)

// s3Client is the narrow subset of *s3.Client this package depends on,
// letting tests substitute a fake without standing up a real bucket.
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store is a Store backed by an S3-compatible bucket.
type S3Store struct {
	client s3Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store from cfg using the default AWS credential
// chain, optionally overridden by cfg.Region.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("objectstore: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// newS3StoreWithCredentials builds an S3Store using static credentials,
// mirroring evalgo-org-eve's LakeFS/MinIO/Hetzner client construction.
func newS3StoreWithCredentials(ctx context.Context, endpoint, accessKey, secretKey, region, bucket, prefix string) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + key
}

func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return classifyS3Error("objectstore.Put", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, classifyS3Error("objectstore.Get", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read S3 body for %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, classifyS3Error("objectstore.Exists", err)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return classifyS3Error("objectstore.Delete", err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	if cursor != "" {
		input.StartAfter = aws.String(s.fullKey(cursor))
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, "", classifyS3Error("objectstore.List", err)
	}

	base := s.prefix
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if base != "" {
			key = strings.TrimPrefix(key, strings.TrimSuffix(base, "/")+"/")
		}
		keys = append(keys, key)
	}

	next := ""
	if aws.ToBool(out.IsTruncated) && len(keys) > 0 {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

func (s *S3Store) PutBatch(ctx context.Context, items map[string][]byte) error {
	for k, v := range items {
		if err := s.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// classifyS3Error maps S3 error responses onto the engine's error
// taxonomy: NoSuchKey -> ErrNotFound, SlowDown/503 -> ErrThrottled,
// other 5xx -> ErrTransient, other 4xx -> ErrPermanent.
func classifyS3Error(op string, err error) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return types.Wrap(types.ErrNotFound, op, "object not found", err)
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return types.Wrap(types.ErrNotFound, op, "object not found", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestLimitExceeded", "ThrottlingException":
			return types.Wrap(types.ErrThrottled, op, "S3 request throttled", err)
		}
	}

	var httpErr interface{ HTTPStatusCode() int }
	if errors.As(err, &httpErr) {
		code := httpErr.HTTPStatusCode()
		switch {
		case code == 503:
			return types.Wrap(types.ErrThrottled, op, "S3 service unavailable", err)
		case code >= 500:
			return types.Wrap(types.ErrTransient, op, "S3 server error", err)
		case code == 404:
			return types.Wrap(types.ErrNotFound, op, "object not found", err)
		case code == 429:
			return types.Wrap(types.ErrThrottled, op, "S3 request throttled", err)
		case code >= 400:
			return types.Wrap(types.ErrPermanent, op, "S3 client error", err)
		}
	}

	return types.Wrap(types.ErrTransient, op, "S3 request failed", err)
}
