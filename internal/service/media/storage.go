package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zhouzirui/tripmate/backend/internal/config"
)

var ErrObjectNotFound = errors.New("object not found")

// Storage 是附件对象存储的最小接口。
type Storage interface {
	Put(ctx context.Context, path, contentType string, r io.Reader, size int64) error
	Open(ctx context.Context, path string) (io.ReadCloser, string, error)
	Remove(ctx context.Context, path string) error
	PublicURL(path string) string
}

// MinioStorage stores objects in one MinIO/S3 bucket.
type MinioStorage struct {
	cfg     config.StorageConfig
	client  *minio.Client
	baseURL string
}

// NewMinioStorage connects to the configured endpoint. PublicBaseURL, when
// empty, defaults to the endpoint itself with path-style bucket addressing.
func NewMinioStorage(cfg config.StorageConfig) (*MinioStorage, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, endpoint, cfg.Bucket)
	}
	return &MinioStorage{cfg: cfg, client: client, baseURL: base}, nil
}

// EnsureBucket creates the bucket when missing.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return err
	}
	if !exists {
		return s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (s *MinioStorage) Put(ctx context.Context, path, contentType string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, path, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *MinioStorage) Open(ctx context.Context, path string) (io.ReadCloser, string, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", ErrObjectNotFound
		}
		return nil, "", err
	}
	return obj, info.ContentType, nil
}

func (s *MinioStorage) Remove(ctx context.Context, path string) error {
	return s.client.RemoveObject(ctx, s.cfg.Bucket, path, minio.RemoveObjectOptions{})
}

func (s *MinioStorage) PublicURL(path string) string {
	return s.baseURL + "/" + escapePath(path)
}

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStorage keeps objects in process and serves them through the API's
// own /media/objects route. Used when MinIO is not configured.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

// NewMemoryStorage builds public URLs under baseURL, e.g.
// "http://localhost:8080/api/media/objects".
func NewMemoryStorage(baseURL string) *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *MemoryStorage) Put(_ context.Context, path, contentType string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Open(_ context.Context, path string) (io.ReadCloser, string, error) {
	m.mu.RLock()
	obj, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, nil
}

func (m *MemoryStorage) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.objects, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) PublicURL(path string) string {
	return m.baseURL + "/" + escapePath(path)
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
