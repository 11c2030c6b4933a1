// Package server is the HTTP surface: the streaming chat endpoint plus
// the JSON endpoints for chats, edits and forks.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"forkchat/internal/config"
	"forkchat/internal/encoder"
	"forkchat/internal/executor"
	"forkchat/internal/observability"
	"forkchat/internal/store"
	"forkchat/sdk/chat"
)

// SourceFactory builds the model event source for one turn over the
// submitted transcript.
type SourceFactory func(messages []*chat.Message) encoder.Source

// Server wires the HTTP routes to their collaborators.
type Server struct {
	cfg      config.Config
	log      zerolog.Logger
	chats    store.ChatStore
	forks    store.ForkStore
	runner   executor.Runner
	sources  SourceFactory
	estimate encoder.Estimator

	router *gin.Engine
}

// Option configures the server.
type Option func(*Server)

// WithEstimator sets the usage estimator handed to each turn encoder.
func WithEstimator(est encoder.Estimator) Option {
	return func(s *Server) { s.estimate = est }
}

// New builds the server and its routes.
func New(cfg config.Config, log zerolog.Logger, chats store.ChatStore, forks store.ForkStore,
	runner executor.Runner, sources SourceFactory, opts ...Option) *Server {

	s := &Server{
		cfg:     cfg,
		log:     log,
		chats:   chats,
		forks:   forks,
		runner:  runner,
		sources: sources,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestMetrics(), s.requireAuth())
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Listen serves until the listener fails.
func (s *Server) Listen() error {
	s.log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("listening")
	return s.router.Run(s.cfg.Server.ListenAddr)
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		observability.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status())
	}
}

// requireAuth enforces the configured bearer token on everything but
// health and metrics. With no token configured the server is open.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Server.AuthToken
		if token == "" {
			c.Next()
			return
		}
		switch c.Request.URL.Path {
		case "/health", "/metrics":
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}
