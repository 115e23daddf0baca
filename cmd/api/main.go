// Package main は session-gate サーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/yourusername/session-gate/internal/auth"
	"github.com/yourusername/session-gate/internal/clock"
	"github.com/yourusername/session-gate/internal/config"
	"github.com/yourusername/session-gate/internal/logger"
	"github.com/yourusername/session-gate/internal/metrics"
	"github.com/yourusername/session-gate/internal/session"
	"github.com/yourusername/session-gate/internal/token"
	"github.com/yourusername/session-gate/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.LogLevel, cfg.GinMode)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 署名鍵（未設定なら起動しない）
	secret, err := cfg.SecretKey()
	if err != nil {
		return err
	}
	if cfg.SessionSecretRandom && cfg.SessionSecret == "" && cfg.SessionSecretFile == "" {
		log.Warn().Msg("using a random session secret; sessions will not survive a restart")
	}
	macKey, err := token.DeriveKey(secret, token.PurposeSessionMAC)
	if err != nil {
		return err
	}
	navKey, err := token.DeriveKey(secret, token.PurposeNavCookie)
	if err != nil {
		return err
	}
	codec, err := token.NewCodec(macKey)
	if err != nil {
		return err
	}

	// セッションストア
	store, closeStore, err := setupSessionStore(ctx, cfg, clock.System{})
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New(store)
	manager, err := auth.NewManager(store, codec, auth.Policy{
		SessionTTL:      cfg.SessionTTL,
		SlidingTTL:      cfg.SlidingTTL,
		RevokeOnRelogin: cfg.RevokeOnRelogin,
	}, m, log)
	if err != nil {
		return err
	}
	handler := auth.NewHandler(manager, auth.CookieOptions{
		Name:     cfg.CookieName,
		SameSite: cfg.SameSite(),
	}, auth.Paths{
		Login:      cfg.LoginPath,
		Logout:     cfg.LogoutPath,
		PostLogin:  cfg.PostLoginPath,
		PostLogout: cfg.PostLogoutPath,
	}, cfg.DefaultPersistent)

	// 期限切れセッションの掃除
	sweeping, err := setupSweeping(cfg, store, m, log)
	if err != nil {
		return err
	}
	if err := sweeping.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sweeping.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to stop sweeper")
		}
	}()

	router := newRouter(cfg, log, routeDeps{
		handler:  handler,
		navStore: auth.NewNavigationStore(navKey, cfg.SameSite()),
		metrics:  m,
		sessions: store,
		sweeps:   sweeping,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Str("store", cfg.SessionStore).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// routeDeps はルーティングに必要な依存関係です。
type routeDeps struct {
	handler  *auth.Handler
	navStore sessions.Store
	metrics  *metrics.Metrics
	sessions session.Store
	sweeps   sweepStatus
}

// newRouter は Gin ルーターを組み立てます。
func newRouter(cfg *config.Config, log zerolog.Logger, deps routeDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.Middleware(log))

	// CORSミドルウェアの設定（許可オリジンがなければ同一オリジンのみ）
	if origins := cfg.AllowedOrigins(); len(origins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
		corsConfig.AllowHeaders = []string{
			"Origin",
			"Content-Type",
			"Accept",
		}
		corsConfig.ExposeHeaders = []string{logger.RequestIDHeader}
		router.Use(cors.New(corsConfig))
	}

	router.SetHTMLTemplate(web.Templates())
	setupRoutes(router, cfg, deps)
	return router
}

// setupRoutes は運用系エンドポイントと画面・認証ルートを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	// 認証の対象外
	router.GET("/health", handleHealth(deps.sessions, deps.sweeps))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.metrics.Registry(), promhttp.HandlerOpts{})))

	site := router.Group("", auth.NavigationMiddleware(deps.navStore))
	// ログイン・ログアウトは Authenticate の外側（Set-Cookie はハンドラーが 1 回だけ書く）
	deps.handler.RegisterRoutes(site)

	pages := site.Group("", deps.handler.Authenticate())
	web.NewPages(deps.handler.Paths(), web.DefaultSecretPath, cfg.DefaultPersistent).
		RegisterRoutes(pages, deps.handler.RequireLogin())
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(store session.Store, sweeps sweepStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		count, err := store.Count(ctx)
		if err != nil {
			log := logger.FromContext(c, zerolog.Nop())
			log.Error().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SESSION_STORE_UNAVAILABLE",
				"message": "Session store is unavailable",
			})
			return
		}

		payload := gin.H{
			"status":   "ok",
			"service":  "session-gate",
			"sessions": count,
		}
		if sweeps != nil {
			if last, err := sweeps.LastRecord(ctx); err == nil && last != nil {
				payload["lastSweep"] = last
			}
		}
		c.JSON(http.StatusOK, payload)
	}
}
