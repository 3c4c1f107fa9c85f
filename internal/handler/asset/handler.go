package asset

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/model/asset"
	"github.com/md2gost/studio/backend/internal/model/session"
	assetService "github.com/md2gost/studio/backend/internal/service/asset"
	"github.com/md2gost/studio/backend/pkg/utils"
)

const (
	// multipartOverhead 为表单边界和其他字段预留的字节数
	multipartOverhead = 1 << 20
	maxMemory         = 1 << 20
)

// Sessions 校验会话是否存在
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
}

// Handler 图片上传与读取的HTTP处理器
type Handler struct {
	svc      *assetService.Service
	sessions Sessions
}

// New 创建图片处理器
func New(svc *assetService.Service, sessions Sessions) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

// RegisterRoutes 注册读取类路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/images/{sessionID}/{reference}", h.handleGet)
	r.Get("/session/{sessionID}/images", h.handleList)
}

// RegisterUploadRoutes 注册上传路由，调用方可以在外层套限流
func (h *Handler) RegisterUploadRoutes(r chi.Router) {
	r.Post("/images/upload", h.handleUpload)
}

type uploadResponse struct {
	Reference string `json:"reference"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

type listItem struct {
	Reference string `json:"reference"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
}

// handleUpload 接收 multipart 表单中的 file 字段
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if max := h.svc.MaxBytes(); max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max+multipartOverhead)
	}

	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondUploadError(w, assetService.ErrPayloadTooLarge)
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.FormValue("sessionId"))
	}
	if sessionID == "" {
		utils.RespondError(w, http.StatusUnauthorized, "session id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, assetService.ErrEmptyFile.Error())
		return
	}
	defer file.Close()

	stored, err := h.svc.Upload(r.Context(), sessionID, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		h.respondUploadError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, uploadResponse{
		Reference: stored.Reference,
		Filename:  stored.Reference,
		URL:       assetURL(sessionID, stored.Reference),
	})
}

const imageCSP = "default-src 'none'; style-src 'unsafe-inline'; sandbox"

// handleGet 返回图片内容
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "reference"))
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "image not found")
			return
		}
		log.Printf("[asset] read failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to read image")
		return
	}

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// SVG 可携带脚本，直接打开图片地址时也不能执行
	w.Header().Set("Content-Security-Policy", imageCSP)
	if a.MimeType == "image/svg+xml" {
		w.Header().Set("Content-Disposition", "attachment; filename=\""+a.Reference+"\"")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}

// handleList 列出会话中的图片
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusServiceUnavailable, "session storage unavailable")
		return
	}

	assets, err := h.svc.List(r.Context(), sessionID)
	if err != nil {
		log.Printf("[asset] list failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to list images")
		return
	}

	items := make([]listItem, 0, len(assets))
	for _, a := range assets {
		items = append(items, listItem{
			Reference: a.Reference,
			URL:       assetURL(sessionID, a.Reference),
			Size:      a.Size,
			MimeType:  a.MimeType,
		})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"images": items})
}

func (h *Handler) respondUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, assetService.ErrInvalidSession):
		utils.RespondError(w, http.StatusUnauthorized, "invalid session")
	case errors.Is(err, assetService.ErrUnsupportedMedia):
		utils.RespondError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, assetService.ErrPayloadTooLarge):
		utils.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, assetService.ErrEmptyFile):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStorageUnavailable):
		utils.RespondError(w, http.StatusServiceUnavailable, "session storage unavailable")
	default:
		log.Printf("[asset] upload failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "upload failed")
	}
}

func assetURL(sessionID, reference string) string {
	return "/api/images/" + url.PathEscape(sessionID) + "/" + url.PathEscape(reference)
}
