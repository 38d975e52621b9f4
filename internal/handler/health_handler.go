// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homeduino-service/internal/config"
	"homeduino-service/internal/gateway"
	"homeduino-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	client    *gateway.Client
	config    *config.Config
	logger    *utils.ServiceLogger
	startTime time.Time
}

// HealthResponse is the health check payload
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is one named health check outcome
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(client *gateway.Client, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		client:    client,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startTime: time.Now(),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/live", h.LivenessCheck)
	router.GET("/ready", h.ReadinessCheck)
}

// HealthCheck reports overall service health including the gateway link
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	if h.client.Connected() && h.client.Ready() {
		stats := h.client.Stats()
		health.Checks["gateway"] = CheckResult{
			Status:  "healthy",
			Message: "Gateway connection OK",
			Data: map[string]interface{}{
				"lines_routed":  stats.LinesRouted,
				"commands_sent": stats.CommandsSent,
				"timeouts":      stats.Timeouts,
				"last_activity": stats.LastActivity,
			},
		}
	} else {
		health.Status = "unhealthy"
		health.Checks["gateway"] = CheckResult{
			Status:  "unhealthy",
			Message: "Gateway not connected",
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// LivenessCheck reports that the process itself is alive
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadinessCheck reports whether the gateway completed its handshake
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.client.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
