// Package server assembles the core components into a running HTTP service
// and owns the reload path that swaps configuration atomically underneath
// in-flight requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gemini-proxy-go/internal/admin"
	"gemini-proxy-go/internal/breaker"
	"gemini-proxy-go/internal/clientpool"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/credential"
	"gemini-proxy-go/internal/events"
	"gemini-proxy-go/internal/middleware"
	"gemini-proxy-go/internal/proxy"
	"gemini-proxy-go/internal/store"
)

// Server wires the store, credential manager, breakers, client pool and HTTP
// surfaces together.
type Server struct {
	configPath string

	st       store.Store
	hub      *events.Hub
	creds    *credential.Manager
	breakers *breaker.Registry
	pool     *clientpool.Pool
	engine   *gin.Engine

	reloadMu sync.Mutex
	httpSrv  *http.Server
}

// New builds a server from a validated config. The store backend follows
// redis_url: set means shared external state, empty means in-process.
func New(cfg *config.Config, configPath string) (*Server, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	hub := events.NewHub()
	creds := credential.NewManager(credential.Options{
		Store:                st,
		MaxFailuresThreshold: cfg.MaxFailuresThreshold,
		Publisher:            hub,
	})
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeoutSecs) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, hub)
	pool := clientpool.NewPool(clientpool.Settings{
		ConnectTimeout: cfg.ConnectTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	})

	s := &Server{
		configPath: configPath,
		st:         st,
		hub:        hub,
		creds:      creds,
		breakers:   breakers,
		pool:       pool,
	}
	if err := s.creds.ApplyConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("initialize credential pool: %w", err)
	}
	s.engine = s.buildEngine(cfg)
	return s, nil
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.RedisURL == "" {
		return store.NewMemory(), nil
	}
	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = config.DefaultRedisKeyPrefix
	}
	st, err := store.NewRedis(cfg.RedisURL, prefix)
	if err != nil {
		return nil, fmt.Errorf("connect key store: %w", err)
	}
	return st, nil
}

func (s *Server) buildEngine(cfg *config.Config) *gin.Engine {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.Recovery())
	if cfg.Server.RateLimitEnabled {
		engine.Use(middleware.RateLimiterAutoKey(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	}

	proxyHandler := proxy.NewHandler(s.creds, s.breakers, s.pool)
	engine.GET("/health", proxyHandler.Health)

	adminHandler := admin.NewHandler(admin.Options{
		Creds:      s.creds,
		Breakers:   s.breakers,
		Pool:       s.pool,
		Hub:        s.hub,
		Reloader:   s,
		ConfigPath: s.configPath,
	})
	adminGroup := engine.Group("/admin", adminHandler.Auth())
	{
		adminGroup.GET("/health", adminHandler.Health)
		adminGroup.GET("/keys", adminHandler.ListKeys)
		adminGroup.POST("/keys", adminHandler.AddKeys)
		adminGroup.DELETE("/keys", adminHandler.RemoveKeys)
		adminGroup.POST("/keys/:id/verify", adminHandler.VerifyKey)
		adminGroup.POST("/keys/:id/reset", adminHandler.ResetKey)
		adminGroup.GET("/config", adminHandler.GetConfig)
		adminGroup.PUT("/config", adminHandler.PutConfig)
		adminGroup.GET("/events", adminHandler.EventsFeed)
	}

	engine.NoRoute(proxyHandler.Handle)
	return engine
}

// Engine exposes the assembled router, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Store exposes the key store for lifecycle management.
func (s *Server) Store() store.Store { return s.st }

// Reload validates and applies a new config: credential membership syncs to
// the store, the client pool rebuilds with the new timeouts, breakers are
// preserved since they key on target URL. In-flight requests finish against
// the snapshot they already read. Reloading the active config is a no-op.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	if err := s.creds.ApplyConfig(ctx, cfg); err != nil {
		return fmt.Errorf("reload membership: %w", err)
	}
	s.pool.Rebuild(clientpool.Settings{
		ConnectTimeout: cfg.ConnectTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	})
	s.hub.Publish(ctx, events.TopicConfigReloaded, nil, map[string]string{
		"groups": fmt.Sprintf("%d", len(cfg.Groups)),
	})
	log.WithField("groups", len(cfg.Groups)).Info("configuration reloaded")
	return nil
}

// Run binds the listener and serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.creds.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	log.WithField("addr", ln.Addr().String()).Info("server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return s.st.Close()
}
