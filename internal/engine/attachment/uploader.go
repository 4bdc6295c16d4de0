// Package attachment validates files against the attachment policy and
// uploads them to object storage.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/tripmate/backend/internal/backend"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

var ErrUnauthenticated = errors.New("upload requires a signed-in user")

// Options 可选依赖，零值使用默认实现。
type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Uploader uploads on behalf of one actor.
type Uploader struct {
	storage backend.ObjectStorage
	actorID string
	now     func() time.Time
	newID   func() string
	log     *slog.Logger
}

// New creates an uploader for actorID. An empty actorID yields an uploader
// that rejects every call with ErrUnauthenticated.
func New(storage backend.ObjectStorage, actorID string, opts Options) *Uploader {
	u := &Uploader{
		storage: storage,
		actorID: actorID,
		now:     opts.Now,
		newID:   opts.NewID,
		log:     opts.Logger,
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.newID == nil {
		u.newID = uuid.NewString
	}
	if u.log == nil {
		u.log = logger.With("attachment")
	}
	return u
}

// Validate applies the type and size policy without touching the network.
func Validate(f backend.File) error {
	return chat.ValidateAttachment(f.Size, f.MimeType)
}

// ObjectPath returns "<actor>/<unix-millis>-<id><ext>".
func ObjectPath(actorID, fileName string, at time.Time, id string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	return fmt.Sprintf("%s/%d-%s%s", actorID, at.UnixMilli(), id, ext)
}

// Upload validates f and stores it. Validation and authentication failures
// happen before any network call.
func (u *Uploader) Upload(ctx context.Context, f backend.File) (chat.UploadResult, error) {
	if u.actorID == "" {
		return chat.UploadResult{}, ErrUnauthenticated
	}
	if err := Validate(f); err != nil {
		return chat.UploadResult{}, err
	}

	path := ObjectPath(u.actorID, f.Name, u.now(), u.newID())
	obj, err := u.storage.Upload(ctx, path, f)
	if err != nil {
		u.log.Warn("attachment_upload_failed", "file", f.Name, "path", path, "error", err)
		return chat.UploadResult{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}

	publicURL := obj.PublicURL
	if publicURL == "" {
		if publicURL, err = u.storage.PublicURL(ctx, obj.Path); err != nil {
			return chat.UploadResult{}, fmt.Errorf("resolve url for %s: %w", obj.Path, err)
		}
	}

	return chat.UploadResult{
		Path:      obj.Path,
		PublicURL: publicURL,
		FileName:  f.Name,
		Size:      f.Size,
		MimeType:  f.MimeType,
	}, nil
}

// Result is the outcome of one file in a batch.
type Result struct {
	File   backend.File
	Upload chat.UploadResult
	Err    error
}

// UploadAll uploads files concurrently. Each file reports its own outcome; a
// failure does not abort the others. Results keep the input order.
func (u *Uploader) UploadAll(ctx context.Context, files []backend.File) []Result {
	results := make([]Result, len(files))
	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		go func(i int, f backend.File) {
			defer wg.Done()
			res, err := u.Upload(ctx, f)
			results[i] = Result{File: f, Upload: res, Err: err}
		}(i, f)
	}
	wg.Wait()
	return results
}

// Remove deletes an uploaded object, e.g. when the user discards a draft.
func (u *Uploader) Remove(ctx context.Context, path string) error {
	if u.actorID == "" {
		return ErrUnauthenticated
	}
	if err := u.storage.Remove(ctx, path); err != nil {
		u.log.Warn("attachment_remove_failed", "path", path, "error", err)
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
