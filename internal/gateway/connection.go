package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/config"
)

// ErrSendBufferFull is returned when a connection's outbound buffer cannot
// accept another message; the event gets its single delivery attempt and
// is dropped for that connection.
var ErrSendBufferFull = errors.New("send buffer full")

// clientMessage is what connected clients send upstream.
type clientMessage struct {
	Action string         `json:"action"` // "subscribe", "unsubscribe" or "sync"
	JobID  string         `json:"job_id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Connection is one live websocket attached to the hub.
type Connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	hub    *Hub
	send   chan []byte
	cfg    config.GatewayConfig
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
}

func newConnection(id, userID string, ws *websocket.Conn, hub *Hub, cfg config.GatewayConfig, logger *logrus.Logger) *Connection {
	return &Connection{
		id:     id,
		userID: userID,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, cfg.SendBufferSize),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Send queues data for the write pump without blocking the caller.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close shuts the connection down once; safe to call from either pump.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return c.ws.Close()
}

// readPump consumes client messages until the socket drops, then removes
// the connection from the hub. Runs on the handler goroutine.
func (c *Connection) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.Close()
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).WithField("connection_id", c.id).Debug("Websocket read error")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithField("connection_id", c.id).Debug("Ignoring malformed client message")
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.JobID != "" {
				c.hub.Subscribe(c, msg.JobID)
			}
		case "unsubscribe":
			if msg.JobID != "" {
				c.hub.Unsubscribe(c, msg.JobID)
			}
		case "sync":
			c.hub.BroadcastToUser(c.userID, c.id, msg.Data)
		}
	}
}

// writePump drains the send channel to the socket and keeps the
// connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
