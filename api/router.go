package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"chatsync-server/delivery"
	"chatsync-server/hub"
	"chatsync-server/presence"
	"chatsync-server/ratelimit"
)

type Deps struct {
	Auth           Authenticator
	Delivery       *delivery.Service
	Registry       *presence.Registry
	Hub            *hub.Hub
	Presence       PresenceReader
	Limiter        *ratelimit.Limiter
	WebSocket      http.Handler
	AllowedOrigins []string
}

// NewRouter mounts the websocket endpoint, the HTTP fallback API and the
// health and stats endpoints on one engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(cors.New(corsConfig(d.AllowedOrigins)))

	if d.WebSocket != nil {
		r.GET("/ws", gin.WrapH(d.WebSocket))
	}
	r.GET("/health", health)
	r.GET("/stats", stats(d))

	m := NewMessageHandler(d.Delivery)
	api := r.Group("/api", requireAuth(d.Auth))
	if d.Limiter != nil {
		api.Use(rateLimit(d.Limiter))
	}
	api.POST("/messages", m.Send)
	api.GET("/messages/private/:peerId", m.PrivateHistory)
	api.GET("/messages/group/:groupId", m.GroupHistory)
	api.GET("/messages/unread", m.Unread)
	api.POST("/messages/read", m.MarkRead)
	api.PUT("/messages/:id", m.Edit)
	api.DELETE("/messages/:id", m.Delete)
	api.GET("/conversations", m.Conversations)
	if d.Presence != nil {
		api.GET("/presence/:userId", presenceStatus(d.Presence))
	}
	return r
}

// corsConfig only allows credentials for an explicit origin list; a
// wildcard origin is served without them.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func stats(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, clients := d.Hub.Stats()
		users, connections := d.Registry.Stats()
		c.JSON(http.StatusOK, gin.H{
			"rooms":       rooms,
			"clients":     clients,
			"users":       users,
			"connections": connections,
		})
	}
}
