package webui

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/logic"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const wsTokenLifetime = 30 * time.Minute

// getDBConnection retrieves the database connection from the gin.Context.
func getDBConnection(c *gin.Context) (*sql.DB, error) {
	db, ok := c.MustGet("db").(*sql.DB)
	if !ok || db == nil {
		return nil, errors.New("database connection not found")
	}
	return db, nil
}

// getGateway retrieves the gateway from the gin.Context.
func getGateway(c *gin.Context) (*logic.Gateway, error) {
	gw, ok := c.MustGet("gateway").(*logic.Gateway)
	if !ok || gw == nil {
		return nil, errors.New("gateway not found")
	}
	return gw, nil
}

func generateToken(c *gin.Context) {
	token, err := generateRandomToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	expiration := time.Now().Add(wsTokenLifetime)

	wsTokenStore.Lock()
	for t, exp := range wsTokenStore.tokens {
		if exp.Before(time.Now()) {
			delete(wsTokenStore.tokens, t)
		}
	}
	wsTokenStore.tokens[token] = expiration
	wsTokenStore.Unlock()

	c.JSON(http.StatusOK, gin.H{"token": token, "expiration": expiration})
}

func validToken(token string) bool {
	if token == "" {
		return false
	}
	wsTokenStore.RLock()
	expiration, exists := wsTokenStore.tokens[token]
	wsTokenStore.RUnlock()
	return exists && expiration.After(time.Now())
}

func generateRandomToken() (string, error) {
	b := make([]byte, 32) // 256 Bit Token
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// monitorWebSocket reads until the peer goes away, then closes closed.
func monitorWebSocket(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logrus.Debugf("WEBUI: WebSocket disconnected: %v", err)
			return
		}
	}
}

func gracefulShutdown(conn *websocket.Conn) {
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		logrus.Debugf("WEBUI: Error closing WebSocket: %v", err)
	}
	conn.Close()
}
