// Package api serves the operator control plane: a JSON read model over the
// agent's stores and engines, a couple of action endpoints (manual SL/TP
// check, Telegram button callbacks, watchlist edits), and a WebSocket event
// stream for the dashboard.
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
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crypto-trading-agent/config"
	"crypto-trading-agent/internal/alerts"
	"crypto-trading-agent/internal/auth"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/expectedtp"
	"crypto-trading-agent/internal/monitor"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/ordersync"
	"crypto-trading-agent/internal/portfolio"
	"crypto-trading-agent/internal/protect"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
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

// Deps bundles the agent components the handlers read from and act on.
// AuthService may be nil when auth is disabled.
type Deps struct {
	Repo        *database.Repository
	Store       *orders.Store
	Exchange    *exchange.Client
	Portfolio   *portfolio.Reader
	Monitor     *monitor.Monitor
	Syncer      *ordersync.Syncer
	Throttler   *alerts.Throttler
	Protector   *protect.Engine
	Checker     *protect.Checker
	Expected    *expectedtp.Engine
	EventBus    *events.EventBus
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	deps        Deps
	authEnabled bool
	rateLimiter *RateLimiter // limits endpoints that call the exchange
	hub         *WSHub
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	origins := splitOrigins(cfg.AllowedOrigins)
	if len(origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		deps:        deps,
		authEnabled: deps.AuthService != nil,
		rateLimiter: NewRateLimiter(60, time.Minute),
		hub:         NewWSHub(logger),
		upgrader:    wsUpgrader(origins),
		logger:      logger.With().Str("component", "APIServer").Logger(),
		startedAt:   time.Now(),
	}

	server.setupRoutes()

	// Every bus event reaches the dashboard stream.
	go server.hub.Run()
	deps.EventBus.SubscribeAll(func(event events.Event) {
		server.hub.BroadcastEvent(event)
	})

	return server
}

// splitOrigins parses the comma-separated allowed-origins setting. "*" or
// an empty value means all origins.
func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			return nil
		}
		out = append(out, part)
	}
	return out
}

// rateLimitMiddleware rate limits requests by endpoint path. Only mounted
// on routes that forward to the exchange.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests to this endpoint. Please slow down.",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check and metrics (public)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth routes (public, no authentication required)
	if s.authEnabled {
		s.router.POST("/api/auth/login", s.handleLogin)
	}
	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authEnabled})
	})

	// Telegram webhook (public; Telegram cannot send a bearer token)
	s.router.POST("/api/telegram/callback", s.handleTelegramCallback)

	// API routes (protected when auth is enabled)
	api := s.router.Group("/api")
	if s.authEnabled {
		api.Use(auth.Middleware(s.deps.JWTManager))
	}

	{
		api.GET("/status", s.handleStatus)

		// Alerts panel: watchlist x signal state x last alert
		api.GET("/alerts", s.handleAlerts)
		api.GET("/signal-events", s.handleSignalEvents)

		// Order views
		api.GET("/orders", s.handleGetOrders)
		api.GET("/orders/:id", s.handleGetOrder)

		// Expected take-profit coverage
		api.GET("/expected-tp", s.handleExpectedTP)
		api.GET("/expected-tp/:symbol", s.handleExpectedTPSymbol)

		// Watchlist management
		api.GET("/watchlist", s.handleGetWatchlist)
		api.POST("/watchlist", s.handleUpsertWatchlistItem)
		api.PUT("/watchlist/:symbol", s.handleUpdateWatchlistItem)
		api.DELETE("/watchlist/:symbol", s.handleRemoveWatchlistItem)

		// Runtime settings
		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings/:key", s.handleSetSetting)

		// Exchange-touching actions are rate limited
		actions := api.Group("")
		actions.Use(s.rateLimitMiddleware())
		{
			actions.POST("/sltp-check/run", s.handleRunSLTPCheck)
			actions.POST("/sync/run", s.handleRunSync)
		}
	}

	// WebSocket event stream
	s.router.GET("/ws", s.handleWebSocket)

	// Undefined API routes return 404 JSON
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "API endpoint not found",
			"path":    c.Request.URL.Path,
			"method":  c.Request.Method,
			"message": "This API endpoint does not exist. Check your request path and HTTP method.",
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
