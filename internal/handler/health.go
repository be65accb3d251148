package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Readiness — состояние доступа к таблицам (брейкер SheetGateway).
type Readiness interface {
	Healthy() bool
	State() string
}

type HealthHandler struct {
	service string
	store   Readiness
}

func NewHealthHandler(service string, store Readiness) *HealthHandler {
	return &HealthHandler{service: service, store: store}
}

// Health reports liveness only.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.service,
		"time":    time.Now().Unix(),
	})
}

// Ready answers 503 while the sheet circuit breaker is open.
func (h *HealthHandler) Ready(c *gin.Context) {
	state := h.store.State()
	if !h.store.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "sheets": state})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sheets": state})
}
