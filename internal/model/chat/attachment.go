package chat

import (
	"fmt"
	"strings"
)

// Category 附件分类，决定大小上限。
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
)

const (
	MaxImageBytes    int64 = 10 << 20
	MaxVideoBytes    int64 = 50 << 20
	MaxDocumentBytes int64 = 25 << 20
)

// Limit is the upload policy of one category.
type Limit struct {
	MaxBytes int64
	Label    string
}

var limits = map[Category]Limit{
	CategoryImage:    {MaxBytes: MaxImageBytes, Label: "10MB"},
	CategoryVideo:    {MaxBytes: MaxVideoBytes, Label: "50MB"},
	CategoryDocument: {MaxBytes: MaxDocumentBytes, Label: "25MB"},
}

var mimeCategories = map[string]Category{
	"image/jpeg":    CategoryImage,
	"image/png":     CategoryImage,
	"image/gif":     CategoryImage,
	"image/webp":    CategoryImage,
	"image/svg+xml": CategoryImage,

	"video/mp4":       CategoryVideo,
	"video/webm":      CategoryVideo,
	"video/ogg":       CategoryVideo,
	"video/quicktime": CategoryVideo,

	"application/pdf":    CategoryDocument,
	"application/msword": CategoryDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   CategoryDocument,
	"application/vnd.ms-excel":                                                  CategoryDocument,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         CategoryDocument,
	"application/vnd.ms-powerpoint":                                             CategoryDocument,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": CategoryDocument,
	"text/plain": CategoryDocument,
	"text/csv":   CategoryDocument,
}

// ValidationError is a synchronous rejection raised before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// normalizeMime strips parameters such as "; charset=utf-8".
func normalizeMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// ClassifyMime returns the category of an accepted mime type.
func ClassifyMime(mime string) (Category, bool) {
	c, ok := mimeCategories[normalizeMime(mime)]
	return c, ok
}

// IsImageMime reports whether mime is one of the accepted image types.
func IsImageMime(mime string) bool {
	c, ok := ClassifyMime(mime)
	return ok && c == CategoryImage
}

// LimitFor returns the size policy of a category.
func LimitFor(c Category) Limit {
	return limits[c]
}

// ValidateAttachment applies the type and size policy. Type is checked first
// so an unlisted mime is rejected regardless of size.
func ValidateAttachment(size int64, mime string) error {
	category, ok := ClassifyMime(mime)
	if !ok {
		return &ValidationError{Reason: "file type not supported"}
	}
	if size < 0 {
		return &ValidationError{Reason: "invalid file size"}
	}
	limit := LimitFor(category)
	if size > limit.MaxBytes {
		return &ValidationError{Reason: fmt.Sprintf("file too large: %s files must be %s or smaller", category, limit.Label)}
	}
	return nil
}

// UploadResult 上传成功后的描述，仅用于一次性构造 metadata.file。
type UploadResult struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
}

// Attachment converts the upload descriptor into message metadata.
func (u UploadResult) Attachment() FileAttachment {
	return FileAttachment{
		Name:     u.FileName,
		Size:     u.Size,
		MimeType: u.MimeType,
		URL:      u.PublicURL,
		Path:     u.Path,
	}
}
