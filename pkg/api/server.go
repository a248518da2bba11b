// REST API server for consensusd's operator surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkfi-go/consensusd/internal/logger"
	"github.com/darkfi-go/consensusd/pkg/config"
	"github.com/darkfi-go/consensusd/pkg/limiter"
	"github.com/darkfi-go/consensusd/pkg/metrics"
	"github.com/darkfi-go/consensusd/pkg/types"
	"github.com/darkfi-go/consensusd/pkg/validator"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensusd_http_requests_total",
			Help: "Total HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consensusd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	proposalSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consensusd_proposal_submissions_total",
			Help: "Total manually-submitted block proposals by result",
		},
		[]string{"result"},
	)
)

// Server is the operator REST/websocket API server.
type Server struct {
	config     config.APIConfig
	log        *logger.Logger
	limiter    *limiter.RateLimiter
	validator  *validator.Validator
	metrics    *metrics.Exporter
	wsHub      *WSHub
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new API server. exporter may be nil, in which case
// rate-limit rejections are only logged, not counted.
func NewServer(
	cfg config.APIConfig,
	rateLimiter *limiter.RateLimiter,
	v *validator.Validator,
	exporter *metrics.Exporter,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	wsHub := NewWSHub(log)
	go wsHub.Run()

	s := &Server{
		config:    cfg,
		log:       log,
		limiter:   rateLimiter,
		validator: v,
		metrics:   exporter,
		wsHub:     wsHub,
		router:    router,
	}

	v.SetConfirmCallback(func(height uint32, hash types.Hash32, forkID string) {
		s.BroadcastConfirmation(height, hash, forkID)
	})
	v.SetMiningStateCallback(s.BroadcastMiningState)
	v.SetReorgCallback(func(newTip types.Hash32, depth int, forkID string) {
		s.BroadcastReorg(newTip, depth, forkID)
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.rateLimitMiddleware())
	s.router.Use(s.loggingMiddleware())

	if s.config.EnableCORS {
		s.router.Use(corsMiddleware())
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/canonical_tip", s.handleGetCanonicalTip)
		v1.GET("/fork_summary", s.handleGetForkSummary)
		v1.GET("/orphan_count", s.handleGetOrphanCount)
		v1.GET("/mining_state", s.handleGetMiningState)
		v1.POST("/proposals", s.handleSubmitProposal)
		v1.GET("/status", s.handleStatus)
	}
}

// Start starts the API server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.WithField("address", addr).Info("api server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Middleware

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := s.limiter.CheckRequest(c.Request.RemoteAddr)
		if !allowed {
			s.log.WithError(err).WithField("ip", c.ClientIP()).Warn("rate limit exceeded")
			if s.metrics != nil {
				s.metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(path, method).Observe(duration.Seconds())

		s.log.WithFields(logger.Fields{
			"method":   method,
			"path":     path,
			"status":   status,
			"duration": duration,
			"ip":       c.ClientIP(),
		}).Info("api request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
