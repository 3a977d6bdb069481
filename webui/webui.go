package webui

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"snmp-modbus-gateway/logic"
)

// Options wires the operator API to the gateway.
type Options struct {
	DB       *sql.DB
	Gateway  *logic.Gateway
	Hub      *Hub
	Settings logic.WebUISettings
	// Base supplies the start parameters the operator form does not carry.
	Base logic.SessionParams
}

// NewRouter returns the operator API.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	secret := opts.Settings.SessionSecret
	if secret == "" {
		var err error
		if secret, err = generateRandomToken(); err != nil {
			logrus.Fatalf("WEBUI: Could not create session secret: %v", err)
		}
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("mysession", store))

	// Store the db connection in the context, so it can be accessed in route handlers
	r.Use(func(c *gin.Context) {
		c.Set("db", opts.DB)
		c.Set("gateway", opts.Gateway)
		c.Set("base", opts.Base)
		c.Next()
	})

	setupRoutes(r, hub)
	return r
}

// Main serves the operator API on settings.HTTPPort until ctx is cancelled.
func Main(ctx context.Context, opts Options) error {
	if opts.DB == nil || opts.Gateway == nil {
		return errors.New("database connection or gateway is not initialized")
	}

	port := opts.Settings.HTTPPort
	if port == "" {
		port = "8080" // Fallback auf den Standardport
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("WEBUI: Shutdown: %v", err)
		}
	}()

	logrus.Infof("WEBUI: Starting HTTP server on port %s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logrus.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"latency": time.Since(start).String(),
	}).Debug("WEBUI: Request")
}
