package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"safe-replies/internal/enforcement"
	"safe-replies/internal/handler"
	"safe-replies/internal/metrics"
	"safe-replies/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Handlers groups the route handlers.
type Handlers struct {
	Webhook handler.WebhookHandler
	Comment handler.CommentHandler
	Account handler.AccountHandler
	System  handler.SystemHandler
}

type Server struct {
	router    *gin.Engine
	handlers  Handlers
	jwtSecret []byte
	metrics   *metrics.Metrics
	log       *logrus.Logger
	logger    *zap.Logger
	http      *http.Server
}

func NewServer(h Handlers, jwtSecret []byte, m *metrics.Metrics, log *logrus.Logger, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(accessLog(log), gin.Recovery())

	s := &Server{
		router:    router,
		handlers:  h,
		jwtSecret: jwtSecret,
		metrics:   m,
		log:       log,
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handlers.System.Health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	webhooks := s.router.Group("/webhooks")
	webhooks.GET("/meta", s.handlers.Webhook.Verify)
	webhooks.POST("/meta", s.handlers.Webhook.Receive)

	api := s.router.Group("/api")
	api.Use(middleware.AuthMiddleware(s.jwtSecret, s.logger))
	{
		comments := api.Group("/comments")
		comments.POST("/bulk-delete", s.handlers.Comment.BulkDelete)
		comments.POST("/bulk-hide", s.handlers.Comment.BulkHide)
		comments.POST("/:id/delete", s.handlers.Comment.Action(enforcement.ActionDelete))
		comments.POST("/:id/hide", s.handlers.Comment.Action(enforcement.ActionHide))
		comments.POST("/:id/unhide", s.handlers.Comment.Action(enforcement.ActionUnhide))
		comments.POST("/:id/block", s.handlers.Comment.Action(enforcement.ActionBlock))
		comments.POST("/:id/restrict", s.handlers.Comment.Action(enforcement.ActionRestrict))
		comments.POST("/:id/report", s.handlers.Comment.Action(enforcement.ActionReport))
		comments.POST("/:id/reclassify", s.handlers.Comment.Reclassify)

		accounts := api.Group("/accounts")
		accounts.POST("/:id/sync", s.handlers.Account.Sync)
		accounts.POST("/:id/under-attack", s.handlers.Account.UnderAttack)
		accounts.GET("/:id/suspicious", s.handlers.Account.GetSuspicious)
		accounts.POST("/:id/suspicious/watchlist", s.handlers.Account.Watchlist)
		accounts.POST("/:id/suspicious/unblock", s.handlers.Account.Unblock)
		accounts.POST("/:id/suspicious/hide", s.handlers.Account.HideSuspicious)

		api.GET("/commenters/:id/threat", s.handlers.System.CommenterThreat)
		api.GET("/queue/stats", s.handlers.System.QueueStats)
	}
}

// accessLog writes one logrus entry per request.
func accessLog(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Server starting on port %s...", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("Server shutting down...")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.handlers.Webhook.Wait()
	return nil
}
