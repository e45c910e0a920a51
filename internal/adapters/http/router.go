package http

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/adapters/relay"
	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware tags every request with a long-lived browser token.
// The token only correlates logs; each WebSocket is its own session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DuetSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			sess := sessions.Default(c)
			visits, _ := sess.Get("visits").(int)
			sess.Set("visits", visits+1)
			_ = sess.Save()
			c.File(filepath.Join(cfg.StaticPath, "index.html"))
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := relay.NewSignalWSController(orch, relay.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		SendQueue:    cfg.SendQueue,
		ChatLimit:    cfg.ChatRateLimit,
		ChatInterval: cfg.ChatRateInterval,
	})

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.Stats())
	})

	return r
}
