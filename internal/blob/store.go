// Package blob provides the object-store surface for screenshot blobs:
// batched removal for the cleanup engine and signed URLs for direct
// uploads to an S3-compatible (R2) bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// RemoveResult reports the outcome of deleting one object key.
type RemoveResult struct {
	Key string
	Err error
}

// ObjectStore is the narrow blob interface the cleanup engine consumes.
// Remove is batched: one call per deletion layer, per-key results so a
// partial failure never aborts the batch.
type ObjectStore interface {
	Remove(ctx context.Context, keys []string) ([]RemoveResult, error)
}

// Config holds S3/R2 connection settings for the screenshots bucket.
type Config struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// S3Store implements ObjectStore against an S3-compatible endpoint.
type S3Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucketName string
}

// NewS3Store creates an S3Store with R2-compatible settings (path-style
// addressing, static credentials, auto region).
func NewS3Store(cfg Config) (*S3Store, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucketName: cfg.BucketName,
	}, nil
}

// Remove deletes the given keys in one DeleteObjects call and maps the
// per-key errors back onto the input. A transport-level failure is
// returned as the error with no per-key results; otherwise every key gets
// a result and the error is nil.
func (s *S3Store) Remove(ctx context.Context, keys []string) ([]RemoveResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucketName),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(false),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete objects: %w", err)
	}

	failed := make(map[string]error, len(out.Errors))
	for _, e := range out.Errors {
		key := aws.ToString(e.Key)
		failed[key] = fmt.Errorf("%s: %s", aws.ToString(e.Code), aws.ToString(e.Message))
	}

	results := make([]RemoveResult, len(keys))
	for i, k := range keys {
		results[i] = RemoveResult{Key: k, Err: failed[k]}
	}
	return results, nil
}

// PresignExpiry is how long a signed upload URL stays valid.
const PresignExpiry = 5 * time.Minute

// PresignPut generates a pre-signed PUT URL for uploading one object.
func (s *S3Store) PresignPut(ctx context.Context, key, contentType string, sizeBytes int64) (string, time.Time, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(sizeBytes),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = PresignExpiry
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to presign request: %w", err)
	}
	return req.URL, time.Now().Add(PresignExpiry), nil
}
