package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/md2gost/studio/backend/internal/config"
	"github.com/md2gost/studio/backend/internal/handler"
	"github.com/md2gost/studio/backend/internal/model/asset"
	"github.com/md2gost/studio/backend/internal/model/session"
	"github.com/md2gost/studio/backend/internal/observability"
	assetService "github.com/md2gost/studio/backend/internal/service/asset"
	"github.com/md2gost/studio/backend/internal/service/render"
	sessionService "github.com/md2gost/studio/backend/internal/service/session"
	"github.com/md2gost/studio/backend/internal/storage/redisstore"
	"github.com/md2gost/studio/backend/internal/storage/sqlitestore"
)

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(log.Printf))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	observability.InitMetrics()

	store, err := openSessionStore(cfg.Session)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer store.Close()
	log.Printf("session store: %s", cfg.Session.Backend)

	sessions := sessionService.NewService(store, sessionService.Options{
		TTL:              cfg.Session.TTL,
		MaxDocumentBytes: cfg.Session.MaxDocumentBytes,
	})

	assetStore, err := asset.NewDiskStore(cfg.Asset.StorageBase)
	if err != nil {
		log.Fatalf("failed to prepare asset storage: %v", err)
	}
	assets := assetService.NewService(assetStore, sessions, cfg.Asset.MaxBytes)
	// 会话过期时一并清理其图片
	sessions.OnExpire(assets.DeleteSession)

	gateway := render.NewGateway(render.Config{
		BaseURL:      cfg.Render.EngineURL,
		Timeout:      cfg.Render.Timeout,
		SanitizeHTML: cfg.Render.SanitizeHTML,
	})
	log.Printf("rendering engine: %s (timeout %s)", cfg.Render.EngineURL, cfg.Render.Timeout)

	router := handler.NewRouter(handler.Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Assets:   assets,
		Renderer: gateway,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return startServer(gctx, cfg.Server, router)
	})
	g.Go(func() error {
		return sessions.RunSweeper(gctx, cfg.Session.SweepInterval)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openSessionStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), nil
	case config.BackendRedis:
		return redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("md2gost studio backend listening on %s", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
