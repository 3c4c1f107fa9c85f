package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/model/session"
	sessionService "github.com/md2gost/studio/backend/internal/service/session"
	"github.com/md2gost/studio/backend/pkg/utils"
)

// Handler 会话服务的HTTP处理器
type Handler struct {
	svc     *sessionService.Service
	maxBody int64
}

// New 创建会话处理器
func New(svc *sessionService.Service, maxBody int64) *Handler {
	return &Handler{svc: svc, maxBody: maxBody}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/create", h.handleCreate)
	r.Get("/session/short/{shortID}", h.handleResolve)
	r.Get("/session/{sessionID}", h.handleGet)
	r.Get("/session/{sessionID}/data", h.handleLoad)
	r.Post("/session/{sessionID}/data", h.handleSave)
}

type sessionResponse struct {
	SessionID string     `json:"sessionId"`
	ShortID   string     `json:"shortId"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// handleCreate 创建会话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.CreateSession(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sessionResponse{SessionID: sess.ID, ShortID: sess.ShortID})
}

// handleResolve 通过短ID查找会话
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")

	sessionID, err := h.svc.ResolveShortID(r.Context(), shortID)
	if err != nil {
		respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionResponse{SessionID: sessionID, ShortID: shortID})
}

// handleGet 返回会话元数据
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionResponse{
		SessionID: sess.ID,
		ShortID:   sess.ShortID,
		CreatedAt: &sess.CreatedAt,
		UpdatedAt: &sess.UpdatedAt,
	})
}

// handleLoad 返回会话文档，未保存过时返回空对象
func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.LoadDocument(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondSessionError(w, err)
		return
	}

	if doc == nil {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"data": struct{}{}})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"data": doc})
}

// handleSave 覆盖保存会话文档
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Data *json.RawMessage `json:"data"`
	}

	if err := utils.DecodeJSON(w, r, h.maxBody, &payload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if payload.Data == nil {
		utils.RespondError(w, http.StatusBadRequest, "data is required")
		return
	}

	var doc session.Document
	if err := json.Unmarshal(*payload.Data, &doc); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "data must be a document object")
		return
	}

	if err := h.svc.SaveDocument(r.Context(), chi.URLParam(r, "sessionID"), doc); err != nil {
		respondSessionError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, sessionService.ErrDocumentTooLarge):
		utils.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, sessionService.ErrInvalidDocument):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStorageUnavailable), errors.Is(err, sessionService.ErrIDSpaceExhausted):
		utils.RespondError(w, http.StatusServiceUnavailable, "session storage unavailable")
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
