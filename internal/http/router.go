package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/service"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time

	lastSweep time.Time
}

// NewRateLimiter allows limit requests per key inside a sliding window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it fits the window
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)
	rl.sweep(now, windowStart)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// sweep drops keys with no request inside the window, at most once per window
func (rl *RateLimiter) sweep(now, windowStart time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for key, times := range rl.requests {
		if len(times) == 0 || !times[len(times)-1].After(windowStart) {
			delete(rl.requests, key)
		}
	}
}

// RateLimitMiddleware limits by authenticated user, falling back to client IP
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	srv     *http.Server

	subLimiter   *RateLimiter
	adminLimiter *RateLimiter
}

func NewServer(cfg *config.Config, store repository.Store, syncService *service.SyncService, linkService *service.LinkService) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:       router,
		handler:      NewHandler(store, syncService, linkService),
		cfg:          cfg,
		subLimiter:   NewRateLimiter(60, time.Minute),
		adminLimiter: NewRateLimiter(30, time.Minute),
	}

	s.srv = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "vpnshop-service",
		})
	})

	// Subscription feed fetched by VPN client apps
	s.router.GET("/sub/:token", RateLimitMiddleware(s.subLimiter), s.handler.GetSubscription)

	// Internal API - called by the bot
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/provision", s.handler.ProvisionAllHosts)

		internal.POST("/keys/:id/provision", s.handler.ProvisionKey)
		internal.GET("/keys/:id/links", s.handler.GetKeyLinks)
		internal.GET("/keys/:id/details", s.handler.GetKeyDetails)
		internal.DELETE("/keys/:id", s.handler.RemoveKey)

		internal.POST("/hosts/:name/provision", s.handler.ProvisionOnHost)
		internal.POST("/hosts/:name/sync", s.handler.SyncHost)
		internal.DELETE("/hosts/:name/clients", s.handler.DeleteClientOnHost)
	}

	// Admin API - operator JWT
	admin := s.router.Group("/api/v1/admin")
	admin.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	admin.Use(RequireRole("admin"))
	admin.Use(RateLimitMiddleware(s.adminLimiter))
	{
		admin.POST("/hosts/:name/sync", s.handler.SyncHost)
		admin.GET("/keys/:id/links", s.handler.GetKeyLinks)
		admin.GET("/keys/:id/logs", s.handler.GetKeyLogs)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	logrus.Infof("[Server] Listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
