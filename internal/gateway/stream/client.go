package stream

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum control message size allowed from the peer.
	maxMessageSize = 4 * 1024
)

// Client is a single WebSocket connection holding a set of pattern
// subscriptions.
type Client struct {
	ID       string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	patterns map[string]bool
	logger   *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		patterns: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// controlFrame is the inbound message format: subscribe or unsubscribe
// with a list of topic patterns.
type controlFrame struct {
	Action   string   `json:"action"`
	Patterns []string `json:"patterns"`
}

// ackFrame confirms a control frame.
type ackFrame struct {
	OK       bool     `json:"ok"`
	Action   string   `json:"action"`
	Patterns []string `json:"patterns,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ReadPump consumes control frames until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendAck(ackFrame{Action: "error", Error: "invalid frame"})
			continue
		}
		c.handleControl(frame)
	}
}

func (c *Client) handleControl(frame controlFrame) {
	switch frame.Action {
	case "subscribe":
		for _, pattern := range frame.Patterns {
			if pattern == "" {
				continue
			}
			if err := c.hub.Subscribe(c, pattern); err != nil {
				c.sendAck(ackFrame{Action: frame.Action, Error: err.Error()})
				return
			}
		}
		c.sendAck(ackFrame{OK: true, Action: frame.Action, Patterns: frame.Patterns})
	case "unsubscribe":
		for _, pattern := range frame.Patterns {
			c.hub.Unsubscribe(c, pattern)
		}
		c.sendAck(ackFrame{OK: true, Action: frame.Action, Patterns: frame.Patterns})
	default:
		c.sendAck(ackFrame{Action: frame.Action, Error: "unknown action"})
	}
}

func (c *Client) sendAck(ack ackFrame) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, ack dropped")
	}
}

// WritePump flushes outbound frames and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
