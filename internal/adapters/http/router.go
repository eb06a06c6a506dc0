package http

import (
	"context"
	"net/http"

	"github.com/dkeye/phcsync/internal/adapters/signal"
	"github.com/dkeye/phcsync/internal/app"
	"github.com/dkeye/phcsync/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware keeps a stable per-browser token in the session.
// It only labels logs; relay identity is per socket.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *app.Hub, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PHCSyncSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(hub, signal.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		ReadLimit:      cfg.Relay.ReadLimit,
		PingPeriod:     cfg.Relay.PingPeriod,
		PongWait:       cfg.Relay.PongWait,
		UpdateLimit:    cfg.Relay.UpdateRate,
		UpdateInterval: cfg.Relay.UpdateInterval,
	})

	log.Info().Str("module", "adapters.http").Str("instance", hub.InstanceID()).Msg("router setup")

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	api.GET("/rooms", func(c *gin.Context) {
		rooms := hub.Rooms()
		if rooms == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay stopped"})
			return
		}
		c.JSON(http.StatusOK, rooms)
	})

	api.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
