package webui

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/driver/snmp"
)

const clientBuffer = 64

// Hub fans register updates out to the connected websocket clients. It is
// an snmp.Sink; a client that falls behind loses updates instead of
// stalling the poller.
type Hub struct {
	mu      sync.Mutex
	clients map[chan snmp.Update]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan snmp.Update]struct{})}
}

// Publish implements snmp.Sink.
func (h *Hub) Publish(u snmp.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- u:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() chan snmp.Update {
	ch := make(chan snmp.Update, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan snmp.Update) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// registersWebSocket streams every register update as JSON.
func registersWebSocket(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !validToken(c.Query("token")) {
			logrus.Warn("WEBUI: Invalid or expired token provided for WebSocket connection")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logrus.Errorf("WEBUI: Error upgrading to WebSocket: %v", err)
			return
		}
		defer gracefulShutdown(conn)

		updates := hub.subscribe()
		defer hub.unsubscribe(updates)

		closed := make(chan struct{})
		go monitorWebSocket(conn, closed)

		for {
			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case u := <-updates:
				if err := conn.WriteJSON(u); err != nil {
					logrus.Debugf("WEBUI: Error sending register update: %v", err)
					return
				}
			}
		}
	}
}
