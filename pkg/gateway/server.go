// Package gateway exposes the translation pipeline over HTTP.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jguan/gametrans/pkg/gateway/middleware"
	"github.com/jguan/gametrans/pkg/infra/ratelimit"
	"github.com/jguan/gametrans/pkg/infra/store"
	"github.com/jguan/gametrans/pkg/pipeline"
)

const (
	ContentTypeJSON = "application/json"
	HeaderRequestID = middleware.HeaderRequestID
)

// History is the read side of the translation log.
type History interface {
	Recent(ctx context.Context, n int) ([]store.LogRecord, error)
	PendingReview(ctx context.Context, n int) ([]store.LogRecord, error)
	Stats(ctx context.Context) (store.LogStats, error)
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds a single translate or batch call; zero leaves it
	// to the pipeline's own deadlines.
	RequestTimeout time.Duration
	MaxRequestSize int64
	MaxBatchSize   int
	// RateLimitPerMinute caps requests per client IP; zero disables it.
	RateLimitPerMinute int
	EnableCORS         bool
	CORSConfig         middleware.CORSConfig
	EnableAuth         bool
	AuthConfig         middleware.AuthConfig
	Logger             *slog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:8088",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestTimeout:  10 * time.Second,
		MaxRequestSize:  10 << 20,
		MaxBatchSize:    100,
		CORSConfig:      middleware.DefaultCORSConfig(),
		AuthConfig:      middleware.DefaultAuthConfig(),
	}
}

type Server struct {
	pipeline *pipeline.Context
	history  History
	config   ServerConfig
	http     *http.Server
	logger   *slog.Logger
}

// NewServer serves p. history may be nil when the translation log is off.
func NewServer(p *pipeline.Context, history History, config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = def.MaxRequestSize
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = def.MaxBatchSize
	}
	if config.AuthConfig.PathLevels == nil {
		config.AuthConfig.PathLevels = def.AuthConfig.PathLevels
	}

	return &Server{
		pipeline: p,
		history:  history,
		config:   config,
		logger:   config.Logger,
	}
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	if s.logger != nil {
		s.logger.Info("starting HTTP server", slog.String("addr", s.config.Addr))
	}

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/translate", s.handleTranslate)
	mux.HandleFunc("POST /api/v1/batch", s.handleBatch)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/stats/reset", s.handleResetStats)
	mux.HandleFunc("POST /api/v1/optimize", s.handleOptimize)
	mux.HandleFunc("GET /api/v1/backends", s.handleBackends)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("POST /api/v1/models/{pair}/download", s.handleDownloadModel)
	mux.HandleFunc("DELETE /api/v1/models/{pair}", s.handleRemoveModel)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/games", s.handleGames)
	mux.HandleFunc("GET /api/v1/games/{name}", s.handleGame)
	mux.HandleFunc("DELETE /api/v1/games/{name}", s.handleForgetGame)
	return mux
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.routes()

	if s.config.RateLimitPerMinute > 0 {
		handler = middleware.RateLimit(ratelimit.New(s.config.RateLimitPerMinute))(handler)
	}

	authCfg := s.config.AuthConfig
	authCfg.Enabled = s.config.EnableAuth
	authCfg.Logger = s.logger
	handler = middleware.Auth(authCfg)(handler)

	// CORS answers preflight requests before Auth sees them.
	if s.config.EnableCORS {
		handler = middleware.CORS(s.config.CORSConfig)(handler)
	}

	handler = middleware.Logging(s.logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(s.logger)(handler)

	return handler
}

func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("stopping HTTP server")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	return nil
}

func (s *Server) Config() ServerConfig {
	return s.config
}
