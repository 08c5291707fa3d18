// Package s3 implements an S3 chunk backend for the blob store.
//
// Object layout inside the bucket:
//
//	<keyPrefix><escaped file id>/manifest.json
//	<keyPrefix><escaped file id>/chunks/000000
//	...
//
// Works with Amazon S3 and S3-compatible services (Localstack, Cubbit DS3,
// MinIO) through a custom endpoint configured on the client.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dittolock/pkg/blob"
)

// deleteBatchSize is the maximum number of keys per DeleteObjects request.
const deleteBatchSize = 1000

// S3Backend implements blob.ChunkBackend on an S3 bucket.
//
// Thread Safety:
// Safe for concurrent use; the S3 client is goroutine safe and the backend
// keeps no mutable state.
type S3Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// S3BackendConfig contains configuration for the S3 chunk backend.
type S3BackendConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name. The bucket must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "dittolock/files/" results in keys like
	// "dittolock/files/<id>/manifest.json"
	KeyPrefix string
}

// NewS3Backend creates a new S3 chunk backend and verifies bucket access.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - cfg: S3 configuration
//
// Returns:
//   - *S3Backend: Initialized backend
//   - error: Returns error if configuration is incomplete or bucket access fails
func NewS3Backend(ctx context.Context, cfg S3BackendConfig) (*S3Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Backend{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewS3BlobStore creates a blob store on an S3 bucket.
func NewS3BlobStore(ctx context.Context, cfg S3BackendConfig, chunkSize int, opts ...blob.ChunkedStoreOption) (*blob.ChunkedStore, error) {
	backend, err := NewS3Backend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return blob.NewChunkedStore(backend, chunkSize, opts...)
}

// filePrefix returns the key prefix shared by every object of id, including
// the trailing slash.
func filePrefix(keyPrefix string, id blob.FileID) string {
	return keyPrefix + url.PathEscape(string(id)) + "/"
}

func manifestKey(keyPrefix string, id blob.FileID) string {
	return filePrefix(keyPrefix, id) + "manifest.json"
}

func chunkKey(keyPrefix string, id blob.FileID, n int) string {
	return fmt.Sprintf("%schunks/%06d", filePrefix(keyPrefix, id), n)
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

func (b *S3Backend) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) PutChunk(ctx context.Context, id blob.FileID, n int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.putObject(ctx, chunkKey(b.keyPrefix, id, n), data, "application/octet-stream")
}

func (b *S3Backend) GetChunk(ctx context.Context, id blob.FileID, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.getObject(ctx, chunkKey(b.keyPrefix, id, n))
}

func (b *S3Backend) PutManifest(ctx context.Context, m *blob.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return b.putObject(ctx, manifestKey(b.keyPrefix, m.ID), data, "application/json")
}

func (b *S3Backend) GetManifest(ctx context.Context, id blob.FileID) (*blob.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := b.getObject(ctx, manifestKey(b.keyPrefix, id))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
		}
		return nil, err
	}

	var m blob.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of %s: %w", id, err)
	}
	return &m, nil
}

// DeleteFile lists every object under the file prefix and removes them with
// batched DeleteObjects calls. The manifest is deleted first so the file stops
// being visible before its chunks disappear.
func (b *S3Backend) DeleteFile(ctx context.Context, id blob.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := filePrefix(b.keyPrefix, id)
	mKey := manifestKey(b.keyPrefix, id)

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects of %s: %w", id, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) == 0 {
		return fmt.Errorf("file %s: %w", id, blob.ErrNotFound)
	}

	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == mKey {
			ordered = append(ordered, k)
		}
	}
	for _, k := range keys {
		if k != mKey {
			ordered = append(ordered, k)
		}
	}

	for start := 0; start < len(ordered); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ordered))
		if err := b.deleteBatch(ctx, ordered[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Backend) deleteBatch(ctx context.Context, keys []string) error {
	objects := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	result, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete objects: %w", err)
	}

	if len(result.Errors) > 0 {
		failed := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			failed = append(failed, fmt.Sprintf("%s (%s)", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
		return fmt.Errorf("failed to delete %d objects: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func (b *S3Backend) Close() error {
	return nil
}
