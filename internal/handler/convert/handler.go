package convert

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/pkg/utils"
)

// Renderer 渲染网关
type Renderer interface {
	RenderFinal(ctx context.Context, req render.Request) (*render.Artifact, error)
	RenderPreview(ctx context.Context, req render.Request) (*render.Preview, error)
}

// Sessions 校验请求携带的会话
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (session.Session, error)
}

// Handler 文档转换的HTTP处理器
type Handler struct {
	renderer Renderer
	sessions Sessions
	maxBody  int64
}

// New 创建转换处理器，maxBody 限制请求体大小
func New(renderer Renderer, sessions Sessions, maxBody int64) *Handler {
	return &Handler{renderer: renderer, sessions: sessions, maxBody: maxBody}
}

// RegisterRoutes 注册转换相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/convert", h.handleConvert)
	r.Post("/preview", h.handlePreview)
}

type convertRequest struct {
	Markdown           *string `json:"markdown"`
	SyntaxHighlighting *bool   `json:"syntaxHighlighting"`
	SessionID          string  `json:"sessionId"`
}

// handleConvert 生成最终文档并以附件返回
func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	artifact, err := h.renderer.RenderFinal(r.Context(), req)
	if err != nil {
		respondRenderError(w, err)
		return
	}

	utils.RespondAttachment(w, artifact.ContentType, artifact.Filename, artifact.Data)
}

// handlePreview 生成预览
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	preview, err := h.renderer.RenderPreview(r.Context(), req)
	if err != nil {
		respondRenderError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, preview)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (render.Request, bool) {
	var payload convertRequest
	if err := utils.DecodeJSON(w, r, h.maxBody, &payload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return render.Request{}, false
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return render.Request{}, false
	}

	if payload.Markdown == nil || strings.TrimSpace(*payload.Markdown) == "" {
		utils.RespondError(w, http.StatusBadRequest, render.ErrInvalidInput.Error())
		return render.Request{}, false
	}

	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	if sessionID != "" {
		if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				utils.RespondError(w, http.StatusUnauthorized, "invalid session")
			} else {
				utils.RespondError(w, http.StatusServiceUnavailable, "session storage unavailable")
			}
			return render.Request{}, false
		}
	}

	// 与原编辑器一致，未指定时默认开启代码高亮
	highlight := true
	if payload.SyntaxHighlighting != nil {
		highlight = *payload.SyntaxHighlighting
	}

	return render.Request{
		Markdown:           *payload.Markdown,
		SyntaxHighlighting: highlight,
		SessionID:          sessionID,
	}, true
}

func respondRenderError(w http.ResponseWriter, err error) {
	var engineErr *render.EngineError
	switch {
	case errors.Is(err, render.ErrInvalidInput):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, render.ErrRenderingTimeout):
		utils.RespondError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &engineErr):
		utils.RespondError(w, http.StatusBadGateway, engineErr.Message)
	case errors.Is(err, render.ErrRenderingFailed):
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled):
		// 客户端已断开
	default:
		utils.RespondError(w, http.StatusInternalServerError, "conversion failed")
	}
}
