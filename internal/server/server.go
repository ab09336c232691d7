// Package server exposes the operational HTTP surface of the bot
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/pkg/problem"
)

// OrderReader is the read side of the settlement repository used by the server
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error)
	GetPaymentState(ctx context.Context, orderID string) (*interfaces.PaymentState, error)
	ListTransitions(ctx context.Context, orderID string) ([]*interfaces.OrderStateTransition, error)
	ListRefunds(ctx context.Context, orderID string) ([]*interfaces.RefundRecord, error)
}

// Stopper requests a stop of a running order
type Stopper interface {
	RequestStop(ctx context.Context, orderID, reason string) error
}

// HealthChecker reports readiness of the settlement module
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server represents the ops HTTP server
type Server struct {
	logger  *zap.Logger
	orders  OrderReader
	stopper Stopper
	health  HealthChecker
	http    *http.Server
}

// NewServer creates a new HTTP server
func NewServer(logger *zap.Logger, orders OrderReader, stopper Stopper, health HealthChecker) *Server {
	return &Server{
		logger:  logger.Named("server"),
		orders:  orders,
		stopper: stopper,
		health:  health,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, "2006-01-02T15:04:05Z07:00", true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("mmbot"))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	orders := router.Group("/orders")
	{
		orders.GET("/:id", s.handleGetOrder)
		orders.POST("/:id/stop", s.handleStopOrder)
	}
	return router
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Ops server listening", zap.String("address", addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.health.HealthCheck(c.Request.Context()); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		problem.Write(c, problem.Unavailable(err.Error(), c.Request.URL.Path))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	order, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	payment, err := s.orders.GetPaymentState(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	transitions, err := s.orders.ListTransitions(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	refunds, err := s.orders.ListRefunds(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order":       order,
		"payment":     payment,
		"transitions": transitions,
		"refunds":     refunds,
	})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStopOrder(c *gin.Context) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Write(c, problem.BadRequest(err.Error(), c.Request.URL.Path))
			return
		}
	}
	if err := s.stopper.RequestStop(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stop requested"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	p := problem.FromError(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	problem.Write(c, p)
}
