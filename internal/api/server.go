// Package api is the HTTP front door: routing, CORS, request identifiers,
// client authentication and the translate/passthrough handlers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lexigate/lexigate/internal/config"
	"github.com/lexigate/lexigate/internal/dedup"
	"github.com/lexigate/lexigate/internal/executor"
	"github.com/lexigate/lexigate/internal/keypool"
	"github.com/lexigate/lexigate/internal/translate"
)

// Server hosts the gateway HTTP surface.
type Server struct {
	cfg       *config.Config
	pool      *keypool.Pool
	engine    *translate.Engine
	exec      *executor.Executor
	coalescer *dedup.Coalescer

	httpServer *http.Server
}

// New assembles the server from its collaborators.
func New(cfg *config.Config, pool *keypool.Pool, engine *translate.Engine, exec *executor.Executor, coalescer *dedup.Coalescer) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      pool,
		engine:    engine,
		exec:      exec,
		coalescer: coalescer,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.buildRouter(),
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/", s.handleRoot)
	router.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	// "/translate" without a key redirects to "/translate/" and matches
	// with an empty key, which fails auth with 401.
	router.POST("/translate/*key", s.handleTranslate)

	router.Any("/providers/:name/*path", s.handlePassthrough)
	router.Any("/v1/*path", s.handlePassthrough)
	router.Any("/v1beta/*path", s.handlePassthrough)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.httpServer.Addr).Info("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "translation gateway",
		"model":   s.cfg.GeminiModel,
		"endpoints": []string{
			"POST /translate/<key>",
			"ANY /v1/<path>",
			"ANY /v1beta/<path>",
			"ANY /providers/<name>/<path>",
			"GET /health",
		},
	})
}
