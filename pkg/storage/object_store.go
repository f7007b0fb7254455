package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Get for a missing object.
var ErrNotFound = errors.New("object not found")

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	PublicURL(key string) string
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Stage names the pipeline artifact stored under a key.
type Stage string

const (
	StageOriginal Stage = "original"
	StageUpscaled Stage = "upscaled"
	StageFramed   Stage = "framed"
)

// Key builds the object key {owner}/{batch}/{image}_{stage}.jpg.
func Key(ownerID, batchID, imageID string, stage Stage) string {
	return fmt.Sprintf("%s/%s/%s_%s.jpg", ownerID, batchID, imageID, stage)
}

// BatchPrefix is the key prefix shared by every object of a batch.
func BatchPrefix(ownerID, batchID string) string {
	return ownerID + "/" + batchID + "/"
}

// PutBytes uploads an in-memory object.
func PutBytes(ctx context.Context, s ObjectStore, key string, data []byte, contentType string) error {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// AccessURL returns a presigned URL for key, falling back to the public URL.
func AccessURL(ctx context.Context, s ObjectStore, key string, expiry time.Duration) (string, error) {
	url, err := s.PresignGet(ctx, key, expiry)
	if err == nil && url != "" {
		return url, nil
	}
	if public := s.PublicURL(key); public != "" {
		return public, nil
	}
	if err == nil {
		err = errors.New("empty url")
	}
	return "", fmt.Errorf("access url for %s: %w", key, err)
}

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL overrides the endpoint in public URLs, e.g. a CDN in front of the bucket.
	PublicBaseURL string
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	publicBase := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if publicBase == "" {
		publicBase = client.EndpointURL().String()
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, publicBase: publicBase}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Get downloads an object into memory.
func (m *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// PresignGet generates a pre-signed GET URL.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// PublicURL is the unsigned object URL; it only works on public-read buckets.
func (m *MinioStore) PublicURL(key string) string {
	return m.publicBase + "/" + m.bucket + "/" + key
}

// Delete removes an object.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix.
func (m *MinioStore) DeletePrefix(ctx context.Context, prefix string) error {
	list := func(listCtx context.Context) <-chan minio.ObjectInfo {
		return m.client.ListObjects(listCtx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	}
	return deleteListed(ctx, list, m.Delete)
}

// deleteListed deletes every listed object. The listing runs under its own
// context, canceled on return so an early exit stops the lister goroutine.
func deleteListed(ctx context.Context, list func(context.Context) <-chan minio.ObjectInfo, del func(context.Context, string) error) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range list(listCtx) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := del(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}
