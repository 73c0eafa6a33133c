package stream

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into event stream connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler over the hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "stream_handler")),
	}
}

// HandleConnection upgrades the request and serves the event stream. The
// initial patterns come from the topics query parameter; with none given
// the client receives all orchestrator events.
// GET /ws/events?topics=orchestrator.#,session.#
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	patterns := initialPatterns(c.Query("topics"))
	for _, pattern := range patterns {
		if err := client.hub.Subscribe(client, pattern); err != nil {
			h.logger.Warn("initial subscribe failed",
				zap.String("client_id", clientID),
				zap.String("pattern", pattern),
				zap.Error(err))
		}
	}

	h.logger.Debug("event stream connected",
		zap.String("client_id", clientID),
		zap.Strings("patterns", patterns),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump()
}

func initialPatterns(raw string) []string {
	if raw == "" {
		return []string{events.AllOrchestrator}
	}
	parts := strings.Split(raw, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return []string{events.AllOrchestrator}
	}
	return patterns
}
