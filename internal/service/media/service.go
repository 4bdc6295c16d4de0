package media

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/zhouzirui/tripmate/backend/internal/metrics"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var (
	ErrInvalidPath = errors.New("invalid object path")
	ErrForbidden   = errors.New("object belongs to another user")
)

// StoredObject 上传成功后返回给客户端的位置。
type StoredObject struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
}

// Service enforces ownership and the attachment policy in front of Storage.
type Service struct {
	storage Storage
}

func NewService(storage Storage) *Service {
	return &Service{storage: storage}
}

// checkPath requires "<actor>/<name>" with no traversal segments.
func checkPath(actor, path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "..") || strings.Contains(path, "\\") {
		return ErrInvalidPath
	}
	owner, rest, ok := strings.Cut(path, "/")
	if !ok || rest == "" {
		return ErrInvalidPath
	}
	if owner != actor {
		return ErrForbidden
	}
	return nil
}

// Upload stores r at path on behalf of actor.
func (s *Service) Upload(ctx context.Context, actor, path, mime string, size int64, r io.Reader) (StoredObject, error) {
	if err := checkPath(actor, path); err != nil {
		return StoredObject{}, err
	}
	if err := chat.ValidateAttachment(size, mime); err != nil {
		metrics.Uploads.WithLabelValues("unknown", "rejected").Inc()
		return StoredObject{}, err
	}
	category, _ := chat.ClassifyMime(mime)

	if err := s.storage.Put(ctx, path, mime, r, size); err != nil {
		metrics.Uploads.WithLabelValues(string(category), "failed").Inc()
		logger.Error("media_put_failed", "path", path, "error", err)
		return StoredObject{}, err
	}

	metrics.Uploads.WithLabelValues(string(category), "ok").Inc()
	logger.Info("media_uploaded", "path", path, "mime", mime, "size", humanize.IBytes(uint64(size)))
	return StoredObject{Path: path, PublicURL: s.storage.PublicURL(path)}, nil
}

// Remove deletes an object owned by actor.
func (s *Service) Remove(ctx context.Context, actor, path string) error {
	if err := checkPath(actor, path); err != nil {
		return err
	}
	return s.storage.Remove(ctx, path)
}

// PublicURL resolves the public address of path.
func (s *Service) PublicURL(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") {
		return "", ErrInvalidPath
	}
	return s.storage.PublicURL(path), nil
}

// Open streams a stored object.
func (s *Service) Open(ctx context.Context, path string) (io.ReadCloser, string, error) {
	if path == "" || strings.Contains(path, "..") {
		return nil, "", ErrInvalidPath
	}
	return s.storage.Open(ctx, path)
}
