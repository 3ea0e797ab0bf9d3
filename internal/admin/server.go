package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/racefwd/internal/auth"
	"github.com/danmuck/racefwd/internal/forwarder"
	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var ErrForwarderNotFound = errors.New("admin: forwarder not found")

type Config struct {
	Addr        string
	CORSOrigins []string
	Version     string
	// Token guards the state routes when set.
	Token string
}

type Server struct {
	cfg      Config
	router   *gin.Engine
	registry *Registry
	logger   zerolog.Logger
	started  time.Time
	pending  func() []session.PendingDelivery
}

func New(cfg Config, registry *Registry, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	if registry == nil {
		registry = NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		router:   r,
		registry: registry,
		logger:   logger,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// WithPending exposes queued upstream deliveries on /upstream/pending.
func (s *Server) WithPending(fn func() []session.PendingDelivery) *Server {
	s.pending = fn
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "racefwd",
			"version": s.cfg.Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		listening := gin.H{}
		ready := true
		for _, src := range s.registry.All() {
			addr := src.Addr()
			if addr == nil {
				ready = false
				listening[src.Protocol()] = nil
				continue
			}
			listening[src.Protocol()] = addr.String()
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "listeners": listening})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	if s.cfg.Token != "" {
		api.Use(requireToken(auth.StaticToken{Token: s.cfg.Token}))
	}

	api.GET("/forwarders", func(c *gin.Context) {
		states := make([]forwarder.State, 0)
		for _, src := range s.registry.All() {
			states = append(states, src.State())
		}
		c.JSON(http.StatusOK, gin.H{"forwarders": states})
	})

	api.GET("/forwarders/:protocol", func(c *gin.Context) {
		src, ok := s.registry.Get(c.Param("protocol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrForwarderNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, src.State())
	})

	api.GET("/forwarders/:protocol/devices", func(c *gin.Context) {
		src, ok := s.registry.Get(c.Param("protocol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrForwarderNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"devices": src.Devices()})
	})

	api.GET("/upstream/pending", func(c *gin.Context) {
		if s.pending == nil {
			c.JSON(http.StatusOK, gin.H{"enabled": false, "pending": []session.PendingDelivery{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": true, "pending": s.pending()})
	})
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Run serves on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("admin http listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
