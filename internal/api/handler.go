package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/service"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxCallbackBytes = 1 << 20

// Purchaser is the purchase side of the service.
type Purchaser interface {
	Purchase(ctx context.Context, req *service.PurchaseRequest) (*service.PurchaseResponse, error)
	GetReservation(ctx context.Context, id int64) (*service.ReservationDetails, error)
	GetAvailability(ctx context.Context, eventID int64) (*models.Availability, error)
}

// Reconciler folds gateway outcomes into reservations.
type Reconciler interface {
	ApplyCallback(ctx context.Context, raw []byte) (*service.Outcome, error)
	PollStatus(ctx context.Context, checkoutRef string) (*service.PollResult, error)
}

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	purchaser  Purchaser
	reconciler Reconciler
	checks     map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(purchaser Purchaser, reconciler Reconciler, checks map[string]Pinger) *Handler {
	return &Handler{
		purchaser:  purchaser,
		reconciler: reconciler,
		checks:     checks,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/purchases", h.purchase)
		v1.GET("/reservations/:id", h.getReservation)
		v1.GET("/events/:id/availability", h.getAvailability)
		v1.POST("/payments/query", h.queryPayment)
		v1.POST("/payments/callback", h.paymentCallback)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// purchase handles ticket purchases
func (h *Handler) purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, models.NewError(models.KindValidation, "invalid request body", err))
		return
	}

	resp, err := h.purchaser.Purchase(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getReservation handles get reservation by ID
func (h *Handler) getReservation(c *gin.Context) {
	id, ok := pathID(c, "reservation")
	if !ok {
		return
	}

	details, err := h.purchaser.GetReservation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// getAvailability handles the headroom view of an event
func (h *Handler) getAvailability(c *gin.Context) {
	id, ok := pathID(c, "event")
	if !ok {
		return
	}

	avail, err := h.purchaser.GetAvailability(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, avail)
}

type queryRequest struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
}

// queryPayment asks the gateway for a checkout's status and returns its
// payload unchanged
func (h *Handler) queryPayment(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, models.NewError(models.KindValidation, "invalid request body", err))
		return
	}

	res, err := h.reconciler.PollStatus(c.Request.Context(), req.CheckoutRequestID)
	if err != nil {
		writeError(c, err)
		return
	}

	if res.Outcome != nil {
		c.Header("X-Reservation-Status", res.Outcome.Status)
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", res.Raw.Body)
}

// paymentCallback receives the gateway's asynchronous result notification
func (h *Handler) paymentCallback(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil {
		writeError(c, models.NewError(models.KindMalformedCallback, "unreadable body", err))
		return
	}

	out, err := h.reconciler.ApplyCallback(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}

	h.logger.Debug("Callback applied",
		zap.Int64("reservation_id", out.ReservationID),
		zap.String("status", out.Status),
		zap.Bool("applied", out.Applied))

	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

func pathID(c *gin.Context, what string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, models.NewError(models.KindValidation, "invalid "+what+" ID", nil))
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
