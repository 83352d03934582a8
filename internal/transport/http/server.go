// Package apihttp exposes the ingestion service over HTTP: manual run
// triggers, per-symbol refresh, and cache inspection.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coinflux/internal/ingest"
	"coinflux/internal/logger"
	"coinflux/internal/store/gormstore"

	"github.com/gin-gonic/gin"
)

// Pipeline is the slice of the ingestion processor the API drives.
type Pipeline interface {
	RunPrices(ctx context.Context) ingest.RunResult
	RunProtocols(ctx context.Context) ingest.RunResult
	RefreshSymbol(ctx context.Context, symbol string, windowDays int) (int, error)
	RefreshProtocolHistory(ctx context.Context, slug string, windowDays int) (int, error)
	State(domain ingest.Domain) ingest.State
}

// StatsSource reports kline cache statistics.
type StatsSource interface {
	KlineStats(ctx context.Context) (gormstore.CacheStats, error)
}

// Server wires the ingestion endpoints onto a gin router.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the HTTP server dependencies.
type ServerConfig struct {
	Addr     string
	Pipeline Pipeline
	Stats    StatsSource
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("http server requires a pipeline")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	registerIngestRoutes(api, cfg.Pipeline)
	registerCacheRoutes(api, cfg.Stats)

	return &Server{addr: cfg.Addr, router: router}, nil
}

func registerIngestRoutes(group *gin.RouterGroup, pipeline Pipeline) {
	group.POST("/ingest/prices", func(c *gin.Context) {
		result := pipeline.RunPrices(c.Request.Context())
		c.JSON(runStatus(result), result)
	})
	group.POST("/ingest/protocols", func(c *gin.Context) {
		result := pipeline.RunProtocols(c.Request.Context())
		c.JSON(runStatus(result), result)
	})
	group.POST("/ingest/refresh/:symbol", func(c *gin.Context) {
		symbol := c.Param("symbol")
		windowDays, ok := parseDays(c)
		if !ok {
			return
		}
		saved, err := pipeline.RefreshSymbol(c.Request.Context(), symbol, windowDays)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"symbol": symbol, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "candles_saved": saved})
	})
	group.POST("/ingest/refresh-protocol/:slug", func(c *gin.Context) {
		slug := c.Param("slug")
		windowDays, ok := parseDays(c)
		if !ok {
			return
		}
		saved, err := pipeline.RefreshProtocolHistory(c.Request.Context(), slug, windowDays)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"protocol": slug, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"protocol": slug, "points_saved": saved})
	})
	group.GET("/ingest/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"prices":    pipeline.State(ingest.DomainPrices),
			"protocols": pipeline.State(ingest.DomainProtocols),
		})
	})
}

func registerCacheRoutes(group *gin.RouterGroup, stats StatsSource) {
	if stats == nil {
		return
	}
	group.GET("/cache/stats", func(c *gin.Context) {
		out, err := stats.KlineStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	})
}

// parseDays reads the optional days query parameter. Zero means "let the
// pipeline pick its default window". Writes the 400 itself on bad input.
func parseDays(c *gin.Context) (int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return 0, false
	}
	return parsed, true
}

// runStatus maps a run outcome to an HTTP status: all good is 200, partial
// output with errors is 207, nothing saved is 502.
func runStatus(result ingest.RunResult) int {
	switch {
	case len(result.Errors) == 0:
		return http.StatusOK
	case result.RecordsSaved > 0:
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start serves until ctx cancels or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}
