package media

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tripmate/backend/internal/handler/apierr"
	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	mediaService "github.com/zhouzirui/tripmate/backend/internal/service/media"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
	"github.com/zhouzirui/tripmate/backend/pkg/utils"
)

// multipart 表单在内存中保留的上限，超出部分落盘
const formMemory = 8 << 20

// Handler 附件上传、删除与公开读取的HTTP处理器
type Handler struct {
	mediaSvc *mediaService.Service
	maxBytes int64
}

// New 创建媒体处理器，maxBytes 限制单次上传请求体大小
func New(mediaSvc *mediaService.Service, maxBytes int64) *Handler {
	return &Handler{mediaSvc: mediaSvc, maxBytes: maxBytes}
}

// RegisterRoutes 注册需要鉴权的媒体路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/media", h.handleUpload)
	r.Delete("/media", h.handleRemove)
	r.Get("/media/url", h.handlePublicURL)
}

// RegisterPublicRoutes 注册无需鉴权的对象读取路由，内存存储的公开地址指向这里
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/media/objects/*", h.handleServeObject)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(h.maxBytes, 10)+" bytes")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	mime := header.Header.Get("Content-Type")
	obj, err := h.mediaSvc.Upload(r.Context(), middleware.Actor(r.Context()), r.FormValue("path"), mime, header.Size, file)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, obj)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.mediaSvc.Remove(r.Context(), middleware.Actor(r.Context()), r.URL.Query().Get("path")); err != nil {
		apierr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePublicURL(w http.ResponseWriter, r *http.Request) {
	publicURL, err := h.mediaSvc.PublicURL(r.URL.Query().Get("path"))
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"publicUrl": publicURL})
}

func (h *Handler) handleServeObject(w http.ResponseWriter, r *http.Request) {
	objectPath := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	body, contentType, err := h.mediaSvc.Open(r.Context(), objectPath)
	if err != nil {
		apierr.Write(w, r, err)
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// 对象与 API 同源：禁止嗅探并沙箱化，SVG 等可执行脚本的类型只作为下载
	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Cache-Control", "public, max-age=86400")
	hdr.Set("X-Content-Type-Options", "nosniff")
	hdr.Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; style-src 'unsafe-inline'; sandbox")
	if scriptable(contentType) {
		hdr.Set("Content-Disposition", `attachment; filename="`+path.Base(objectPath)+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logger.Warn("media_stream_failed", "path", objectPath, "error", err)
	}
}

// scriptable reports types a browser would execute when opened inline.
func scriptable(contentType string) bool {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mime {
	case "image/svg+xml", "text/html", "application/xhtml+xml", "text/xml", "application/xml":
		return true
	}
	return false
}
