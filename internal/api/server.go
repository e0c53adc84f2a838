// Package api exposes the HTTP surface: the alert webhook feeding the
// engine, status and inspection endpoints, health and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/engine"
	"signal-engine/internal/lifecycle"
	"signal-engine/internal/profitbook"
	"signal-engine/internal/reentry"
	"signal-engine/internal/safety"
)

// RateLimiter provides simple in-memory rate limiting per client key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         config.ServerConfig
	engine      *engine.Engine
	orders      *lifecycle.Manager
	reentry     *reentry.Manager
	profit      *profitbook.Manager
	governor    *safety.Governor
	health      []HealthChecker
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// HealthChecker is a named dependency probe for the health endpoint.
type HealthChecker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps carries everything the server reads from.
type Deps struct {
	Config   config.ServerConfig
	Engine   *engine.Engine
	Orders   *lifecycle.Manager
	Reentry  *reentry.Manager
	Profit   *profitbook.Manager
	Governor *safety.Governor
	Health   []HealthChecker
	Logger   zerolog.Logger
}

// NewServer builds the router and wires all routes.
func NewServer(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if d.Config.AllowedOrigins == "*" || d.Config.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(d.Config.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Webhook-Secret"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		cfg:         d.Config,
		engine:      d.Engine,
		orders:      d.Orders,
		reentry:     d.Reentry,
		profit:      d.Profit,
		governor:    d.Governor,
		health:      d.Health,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      d.Logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/webhook/alert", s.webhookAuth(), s.handleAlert)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/orders", s.handleOrders)
		api.GET("/orders/:id", s.handleOrder)
		api.GET("/chains/recovery", s.handleRecoveryChains)
		api.GET("/chains/profit", s.handleProfitChains)
	}
}

// webhookAuth enforces the shared secret and rate limit on the alert
// endpoint. An empty configured secret disables the check.
func (s *Server) webhookAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		if s.cfg.WebhookSecret != "" {
			secret := c.GetHeader("X-Webhook-Secret")
			if secret == "" {
				secret = c.Query("secret")
			}
			if secret != s.cfg.WebhookSecret {
				s.logger.Warn().Str("ip", c.ClientIP()).Msg("webhook auth failed")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid webhook secret",
				})
				return
			}
		}
		c.Next()
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	readTimeout := time.Duration(s.cfg.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
