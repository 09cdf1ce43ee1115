// Package server exposes the operational HTTP surface: health, metrics
// and a small read/admin API over invoices.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/domain/event"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
)

// Config holds HTTP server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Aborter queues an operator abort for an invoice.
type Aborter interface {
	Abort(ctx context.Context, evt *event.Event) error
}

// Server is the HTTP interface of the orchestrator.
type Server struct {
	config     Config
	httpServer *http.Server
	router     *gin.Engine
	invoices   *repository.InvoiceRepository
	aborter    Aborter
	registry   *prometheus.Registry
	logger     *zap.Logger
}

// New creates the HTTP server.
func New(
	config Config,
	invoices *repository.InvoiceRepository,
	aborter Aborter,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		config:   config,
		router:   router,
		invoices: invoices,
		aborter:  aborter,
		registry: registry,
		logger:   logger,
	}

	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "invoice-orchestrator",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	{
		api.GET("/invoices/:id", s.getInvoice)
		api.GET("/invoices/:id/history", s.getHistory)
		api.POST("/invoices/:id/abort", s.abortInvoice)
	}
}

func (s *Server) getInvoice(c *gin.Context) {
	inv, err := s.invoices.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load invoice"})
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":              inv.ID,
		"state":           inv.State.String(),
		"sender":          inv.Sender,
		"vendor":          inv.Fields.Vendor,
		"invoice_number":  inv.Fields.InvoiceNumber,
		"invoice_date":    inv.Fields.InvoiceDate,
		"due_date":        inv.Fields.DueDate,
		"total_amount":    inv.Fields.TotalAmount,
		"currency":        inv.Fields.Currency,
		"payment_details": inv.Fields.PaymentDetails,
		"missing_fields":  inv.MissingFields,
		"decision":        string(inv.Decision),
		"decision_reason": inv.DecisionReason,
		"approver":        inv.Approver,
		"cost_center":     inv.CostCenter,
		"transaction_id":  inv.TransactionID,
		"failure_reason":  inv.FailureReason,
		"created_at":      inv.CreatedAt.Format(time.RFC3339),
		"updated_at":      inv.LastTransitionAt.Format(time.RFC3339),
	})
}

func (s *Server) getHistory(c *gin.Context) {
	id := c.Param("id")

	inv, err := s.invoices.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load invoice"})
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}

	history, err := s.invoices.History(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	out := make([]gin.H, 0, len(history))
	for _, h := range history {
		out = append(out, gin.H{
			"from":       h.FromState.String(),
			"to":         h.ToState.String(),
			"event_kind": h.EventKind,
		})
	}
	c.JSON(http.StatusOK, gin.H{"invoice_id": id, "transitions": out})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortInvoice(c *gin.Context) {
	id := c.Param("id")

	inv, err := s.invoices.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load invoice"})
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invoice not found"})
		return
	}
	if inv.State.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "invoice already terminal", "state": inv.State.String()})
		return
	}

	var req abortRequest
	_ = c.ShouldBindJSON(&req)

	evt := event.New(event.KindOperatorAbort, id, time.Now().UTC(), &event.OperatorAbort{
		Reason: req.Reason,
	})
	if err := s.aborter.Abort(c.Request.Context(), evt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue abort"})
		return
	}

	s.logger.Info("Operator abort queued",
		zap.String("invoice_id", id),
		zap.String("reason", req.Reason))

	c.JSON(http.StatusAccepted, gin.H{"invoice_id": id, "status": "abort queued"})
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
