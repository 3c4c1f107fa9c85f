package workspace

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/editor/syncer"
	"github.com/md2gost/studio/backend/pkg/utils"
)

// Handler 处理可寻址的会话地址 /s/{shortID}
type Handler struct {
	backend syncer.Backend
}

// New 创建会话地址处理器
func New(backend syncer.Backend) *Handler {
	return &Handler{backend: backend}
}

// RegisterRoutes 注册会话地址路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleOpen)
	r.Get("/s/{shortID}", h.handleOpen)
}

// handleOpen 有效短ID返回初始文档，否则创建新会话并重定向
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	shortID := chi.URLParam(r, "shortID")

	boot, err := syncer.Open(r.Context(), h.backend, shortID)
	if err != nil {
		log.Printf("[session] bootstrap failed: %v", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "session storage unavailable")
		return
	}

	if boot.Created {
		http.Redirect(w, r, "/s/"+boot.ShortID, http.StatusFound)
		return
	}
	utils.RespondJSON(w, http.StatusOK, boot)
}
