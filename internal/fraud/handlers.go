package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ingestion and snapshot reads.
type Handler struct {
	service *Service
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up ingestion and snapshot routes. All of them
// require an authenticated caller; the server wires the middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.IngestTransaction)
	r.GET("/transactions/recent", h.RecentTransactions)
	r.GET("/alerts/recent", h.RecentAlerts)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PATCH("/transactions/:id/status", h.UpdateStatus)
}

// IngestTransaction handles POST /v1/transactions
func (h *Handler) IngestTransaction(c *gin.Context) {
	var in Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.service.Ingest(c.Request.Context(), in)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "validation_failed",
				"fields": verr.Fields,
			})
			return
		}
		if errors.Is(err, ErrDuplicateTransaction) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_transaction",
				"message": "Transaction id was already ingested",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// RecentTransactions handles GET /v1/transactions/recent
func (h *Handler) RecentTransactions(c *gin.Context) {
	txs, err := h.service.RecentTransactions(c.Request.Context(), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// RecentAlerts handles GET /v1/alerts/recent
func (h *Handler) RecentAlerts(c *gin.Context) {
	alerts, err := h.service.RecentAlerts(c.Request.Context(), listLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// UpdateStatus handles PATCH /v1/transactions/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var body struct {
		Status TransactionStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	tx, err := h.service.UpdateStatus(c.Request.Context(), c.Param("id"), body.Status)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "validation_failed",
				"fields": verr.Fields,
			})
			return
		}
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such transaction",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func listLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
