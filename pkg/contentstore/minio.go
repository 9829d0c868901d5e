package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

const pinTag = "strata-pins"

// MinIOConfig locates the bucket backing a MinIOStore.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore keeps blobs as objects named by their digest. Pin counts live in
// an object tag.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects to the endpoint and creates the bucket if needed.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "strata-content"
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return &MinIOStore{client: client, bucket: bucket}, nil
}

func objectName(address string) string {
	return strings.Replace(address, ":", "/", 1)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinIOStore) Add(ctx context.Context, data []byte) (string, error) {
	address := Address(data)
	name := objectName(address)

	_, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return address, nil
	}

	if !isNoSuchKey(err) {
		return "", fmt.Errorf("failed to stat object: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	return address, nil
}

func (s *MinIOStore) Cat(ctx context.Context, address string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectName(address), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if isNoSuchKey(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	if err := Verify(address, data); err != nil {
		return nil, err
	}

	return data, nil
}

func (s *MinIOStore) pins(ctx context.Context, name string) (int, error) {
	current, err := s.client.GetObjectTagging(ctx, s.bucket, name, minio.GetObjectTaggingOptions{})
	if err != nil {
		return 0, err
	}

	count, _ := strconv.Atoi(current.ToMap()[pinTag])

	return count, nil
}

func (s *MinIOStore) setPins(ctx context.Context, name string, count int) error {
	if count <= 0 {
		return s.client.RemoveObjectTagging(ctx, s.bucket, name, minio.RemoveObjectTaggingOptions{})
	}

	objectTags, err := tags.NewTags(map[string]string{pinTag: strconv.Itoa(count)}, true)
	if err != nil {
		return err
	}

	return s.client.PutObjectTagging(ctx, s.bucket, name, objectTags, minio.PutObjectTaggingOptions{})
}

func (s *MinIOStore) Pin(ctx context.Context, address string) error {
	name := objectName(address)

	count, err := s.pins(ctx, name)
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	if err != nil {
		return fmt.Errorf("failed to read pins: %w", err)
	}

	if err := s.setPins(ctx, name, count+1); err != nil {
		return fmt.Errorf("failed to pin object: %w", err)
	}

	return nil
}

func (s *MinIOStore) Unpin(ctx context.Context, address string) error {
	name := objectName(address)

	count, err := s.pins(ctx, name)
	if isNoSuchKey(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read pins: %w", err)
	}

	if err := s.setPins(ctx, name, count-1); err != nil {
		return fmt.Errorf("failed to unpin object: %w", err)
	}

	return nil
}
