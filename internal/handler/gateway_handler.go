// internal/handler/gateway_handler.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homeduino-service/internal/gateway"
	"homeduino-service/internal/protocol"
	"homeduino-service/internal/transport"
	"homeduino-service/internal/utils"
)

// GatewayHandler exposes the gateway driver over HTTP
type GatewayHandler struct {
	client *gateway.Client
	logger *utils.ServiceLogger
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(client *gateway.Client, logger *zap.Logger) *GatewayHandler {
	return &GatewayHandler{
		client: client,
		logger: utils.NewServiceLogger(logger, "gateway-handler"),
	}
}

// RegisterRoutes registers gateway routes
func (h *GatewayHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/protocols", h.ListProtocols)
	router.GET("/ports", h.ListPorts)
	router.GET("/status", h.Status)
	router.POST("/rf/send", h.RFSend)
	router.POST("/command", h.Command)
}

// RFSendRequest is the POST /rf/send payload
type RFSendRequest struct {
	Protocol string         `json:"protocol" binding:"required"`
	Values   map[string]any `json:"values" binding:"required"`
}

// CommandRequest is the POST /command payload
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// ListProtocols returns every RF protocol the codec knows
func (h *GatewayHandler) ListProtocols(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Protocols listed", gin.H{
		"protocols": h.client.Codec().Protocols(),
	})
}

// ListPorts returns the serial ports visible on the host, to help locate
// the gateway
func (h *GatewayHandler) ListPorts(c *gin.Context) {
	ports, err := transport.ListPorts()
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports listed", gin.H{
		"ports": ports,
	})
}

// Status returns connection state and protocol counters
func (h *GatewayHandler) Status(c *gin.Context) {
	stats := h.client.Stats()
	utils.SuccessResponse(c, http.StatusOK, "Gateway status", gin.H{
		"connected":       h.client.Connected(),
		"ready":           h.client.Ready(),
		"last_message_at": h.client.LastMessageAt(),
		"stats":           stats,
	})
}

// RFSend transmits an RF command through the gateway
func (h *GatewayHandler) RFSend(c *gin.Context) {
	var req RFSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.client.RFSend(c.Request.Context(), req.Protocol, req.Values); err != nil {
		h.respondGatewayError(c, "RF send failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "RF command sent", gin.H{
		"protocol": req.Protocol,
	})
}

// Command sends a raw command line to the gateway
func (h *GatewayHandler) Command(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	response, err := h.client.Send(c.Request.Context(), req.Command)
	if err != nil {
		h.respondGatewayError(c, "Command failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command sent", gin.H{
		"response": response,
	})
}

// respondGatewayError maps driver errors onto HTTP status codes
func (h *GatewayHandler) respondGatewayError(c *gin.Context, message string, err error) {
	h.logger.Warn(message, zap.Error(err))

	switch {
	case errors.Is(err, protocol.ErrDisconnected), errors.Is(err, protocol.ErrNotReady):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, protocol.ErrTooBusy):
		utils.ErrorResponse(c, http.StatusTooManyRequests, message, err)
	case errors.Is(err, protocol.ErrResponseTimeout):
		utils.ErrorResponse(c, http.StatusGatewayTimeout, message, err)
	default:
		utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}
