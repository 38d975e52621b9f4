// internal/handler/events_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"homeduino-service/internal/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventsHandler streams gateway events to websocket clients
type EventsHandler struct {
	upgrader websocket.Upgrader
	eventBus *EventBus
	logger   *utils.ServiceLogger
}

// NewEventsHandler creates a new websocket events handler
func NewEventsHandler(eventBus *EventBus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The daemon is meant for a trusted LAN
				return true
			},
		},
		eventBus: eventBus,
		logger:   utils.NewServiceLogger(logger, "events-handler"),
	}
}

// RegisterRoutes registers websocket routes
func (h *EventsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEvents)
}

// HandleEvents upgrades the connection and streams events until the
// client goes away. The optional "type" query parameter narrows the
// subscription to one event type.
func (h *EventsHandler) HandleEvents(c *gin.Context) {
	eventType := c.DefaultQuery("type", EventAll)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	events := h.eventBus.Subscribe(eventType)
	defer h.eventBus.Unsubscribe(eventType, events)

	h.logger.Info("Websocket client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.String("event_type", eventType),
	)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, events, done)
}

// readPump discards client messages and detects disconnects
func (h *EventsHandler) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards bus events and keeps the connection alive with pings
func (h *EventsHandler) writePump(conn *websocket.Conn, events <-chan Event, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
