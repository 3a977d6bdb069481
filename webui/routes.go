package webui

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

var wsTokenStore = struct {
	sync.RWMutex
	tokens map[string]time.Time
}{
	tokens: make(map[string]time.Time),
}

// setupRoutes registers the public login routes and the operator API.
//
// Every /api route except the local address and the register stream needs a
// logged-in operator. The stream authenticates with a token from
// /api/ws-token.
func setupRoutes(r *gin.Engine, hub *Hub) {
	// Public routes
	r.POST("/login", performLogin)
	r.GET("/logout", logout)
	r.GET("/api/local-address", getLocalAddress)
	r.GET("/api/ws-registers", registersWebSocket(hub))

	// Protected routes
	authorized := r.Group("/")
	authorized.Use(authRequired)
	{
		authorized.GET("/api/status", getStatus)
		authorized.GET("/api/map", getMap)
		authorized.GET("/api/registers", getRegisters)
		authorized.GET("/api/logs", getLogs)
		authorized.DELETE("/api/logs", clearLogs)
		authorized.GET("/api/ws-token", generateToken)

		authorized.POST("/api/start", startBridge)
		authorized.POST("/api/stop", stopBridge)
		authorized.POST("/api/restart", restartBridge)
		authorized.POST("/api/trigger", triggerPass)
		authorized.POST("/api/identifiers", uploadIdentifiers)

		// Broker routes
		authorized.GET("/api/broker-users", getBrokerUsers)

		authorized.GET("/api/profile", getProfile)
		authorized.POST("/api/changePassword", changePassword)
	}
}

// getPermissionText wandelt eine Permission-Zahl in einen Text um
func getPermissionText(permission int) string {
	switch permission {
	case 0:
		return "NA"
	case 1:
		return "R"
	case 2:
		return "W"
	case 3:
		return "R/W"
	default:
		return "unknown"
	}
}
