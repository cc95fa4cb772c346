package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/adapters/signal"
	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/config"
	"github.com/dkeye/sfugate/internal/metrics"
)

const clientTokenKey = "client_token"

// ClientTokenMiddleware keeps a long-lived browser token in the cookie
// session. It identifies the client for join rate limiting only; each
// websocket still gets its own session id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Signal  *signal.SignalWSController
	Rooms   *app.RoomRegistry
	Pool    *app.WorkerPool
	Metrics *metrics.Metrics
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("SfuSessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		if d.Pool != nil && d.Pool.Len() == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no workers"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	api := r.Group("/api", ClientTokenMiddleware())
	api.GET("/rooms", func(c *gin.Context) {
		resp := gin.H{"rooms": d.Rooms.List()}
		if d.Pool != nil {
			resp["workers"] = d.Pool.Stats()
		}
		c.JSON(http.StatusOK, resp)
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
