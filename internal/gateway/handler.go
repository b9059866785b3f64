package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/auth"
	"github.com/lernia/lernia/internal/config"
)

// WSHandler performs the real-time handshake: credential verification,
// websocket upgrade, and hub registration.
type WSHandler struct {
	hub      *Hub
	verifier auth.Verifier
	cfg      config.GatewayConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewWSHandler creates the handshake handler.
func NewWSHandler(hub *Hub, verifier auth.Verifier, cfg config.GatewayConfig, logger *logrus.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		verifier: verifier,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// tokenFrom extracts the credential from the query string or bearer header.
func tokenFrom(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// Handle upgrades an authenticated request to a websocket connection.
func (h *WSHandler) Handle(c *gin.Context) {
	token := tokenFrom(c)
	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := newConnection(uuid.New().String(), identity.UserID, ws, h.hub, h.cfg, h.logger)
	h.hub.Register(conn)

	if data, err := json.Marshal(Event{
		Type:      EventConnected,
		Data:      map[string]any{"connection_id": conn.ID()},
		Timestamp: time.Now(),
	}); err == nil {
		_ = conn.Send(data)
	}

	go conn.writePump()
	conn.readPump()
}
