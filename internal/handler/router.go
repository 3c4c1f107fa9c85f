package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/md2gost/studio/backend/internal/config"
	"github.com/md2gost/studio/backend/internal/editor"
	assetHandler "github.com/md2gost/studio/backend/internal/handler/asset"
	"github.com/md2gost/studio/backend/internal/handler/convert"
	"github.com/md2gost/studio/backend/internal/handler/live"
	sessionHandler "github.com/md2gost/studio/backend/internal/handler/session"
	"github.com/md2gost/studio/backend/internal/handler/workspace"
	middlewarePkg "github.com/md2gost/studio/backend/internal/middleware"
	"github.com/md2gost/studio/backend/internal/observability"
	assetService "github.com/md2gost/studio/backend/internal/service/asset"
	sessionService "github.com/md2gost/studio/backend/internal/service/session"
	"github.com/md2gost/studio/backend/pkg/utils"
)

// bodySlack covers JSON framing around a document of the maximum size.
const bodySlack = 64 << 10

// Dependencies 路由所需的服务
type Dependencies struct {
	Config   *config.Config
	Sessions *sessionService.Service
	Assets   *assetService.Service
	Renderer convert.Renderer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.Metrics)
	r.Use(middlewarePkg.CORS(cfg.Server.AllowedOrigins))

	maxBody := int64(cfg.Session.MaxDocumentBytes) + bodySlack
	limiter := middlewarePkg.NewRateLimiter(cfg.Limits.RatePerSecond, cfg.Limits.Burst)

	convertH := convert.New(deps.Renderer, deps.Sessions, maxBody)
	sessionH := sessionHandler.New(deps.Sessions, maxBody)
	assetH := assetHandler.New(deps.Assets, deps.Sessions)
	liveH := live.New(deps.Sessions, deps.Renderer, editor.Config{
		PreviewDebounce: cfg.Editor.PreviewDebounce,
		SyncDebounce:    cfg.Editor.SyncDebounce,
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "api"})
		})

		// 转换、预览、上传和实时编辑连接会调用渲染引擎或写磁盘，需要限流
		api.Group(func(limited chi.Router) {
			limited.Use(limiter.Middleware)
			convertH.RegisterRoutes(limited)
			assetH.RegisterUploadRoutes(limited)
			liveH.RegisterRoutes(limited)
		})

		sessionH.RegisterRoutes(api)
		assetH.RegisterRoutes(api)
	})

	workspace.New(deps.Sessions).RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	return r
}
