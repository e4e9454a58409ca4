// Package api serves the dashboard: JSON projections of the store and the
// engine snapshot, start/stop control, a websocket event push and the
// Prometheus scrape endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/auth"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/engine"
	"boll-trading-bot/internal/events"
	"boll-trading-bot/internal/indicator"
)

// venueTimeout bounds adapter calls made on behalf of dashboard reads.
const venueTimeout = 10 * time.Second

// Config holds the server bind and the identity shown on info endpoints.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins string
	Version        string
	Mode           string
	Symbol         string
	Interval       string
}

// EngineAPI is the engine surface the dashboard reads and controls.
type EngineAPI interface {
	Status() engine.Status
	Start()
	Stop()
	Preview(price float64) (indicator.Bands, bool)
}

// PriceSource reports the most recent streamed price.
type PriceSource interface {
	LastPrice() (price float64, ts int64, ok bool)
}

// Server is the HTTP dashboard.
type Server struct {
	cfg       Config
	router    *gin.Engine
	http      *http.Server
	repo      *database.Repository
	engine    EngineAPI
	adapter   adapter.Adapter
	prices    PriceSource
	hub       *WSHub
	auth      *auth.Service
	logger    zerolog.Logger
	startedAt time.Time
}

// NewServer wires the router. The hub forwards every bus event to
// connected websocket clients; call Run on it alongside Start.
func NewServer(
	cfg Config,
	repo *database.Repository,
	eng EngineAPI,
	adp adapter.Adapter,
	prices PriceSource,
	bus *events.Bus,
	authService *auth.Service,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		cfg:       cfg,
		router:    router,
		repo:      repo,
		engine:    eng,
		adapter:   adp,
		prices:    prices,
		hub:       NewWSHub(logger),
		auth:      authService,
		logger:    logger.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}

	router.Use(s.requestLogger())
	router.Use(gin.Recovery())
	router.Use(cors.New(s.corsConfig()))

	s.setupRoutes()
	bus.SubscribeAll(s.hub.BroadcastEvent)
	return s
}

// Hub exposes the websocket hub so the caller can run its dispatch loop.
func (s *Server) Hub() *WSHub {
	return s.hub
}

func (s *Server) corsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if s.cfg.AllowedOrigins == "" || s.cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

// requestLogger logs each request at debug so dashboard polling does not
// drown the operational log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWS)

	api := s.router.Group("/api")
	api.GET("/system", s.handleSystem)
	api.GET("/engine/status", s.handleEngineStatus)
	api.GET("/position", s.handlePosition)
	api.GET("/positions", s.handlePositions)
	api.GET("/balance", s.handleBalance)
	api.GET("/trades", s.handleTrades)
	api.GET("/logs", s.handleLogs)
	api.GET("/profits", s.handleProfits)
	api.GET("/profits/summary", s.handleProfitSummary)
	api.GET("/price_and_boll", s.handlePriceAndBoll)
	api.GET("/auth/status", s.handleAuthStatus)

	control := api.Group("/engine")
	if s.auth.Enabled() {
		api.POST("/auth/login", s.handleLogin)
		control.Use(auth.Middleware(s.auth))
	}
	control.POST("/start", s.handleStart)
	control.POST("/stop", s.handleStop)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("dashboard listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve dashboard: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
