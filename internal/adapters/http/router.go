package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/token"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

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

type Deps struct {
	Orch         *orch.Orchestrator
	Signal       *signal.SignalWSController
	Tokens       *token.Service
	TokenLimiter *signal.KeyedLimiter
	Gatherer     prometheus.Gatherer
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
	r.Use(sessions.Sessions("MeetSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/token", issueToken(d.Tokens, d.TokenLimiter))
	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Orch.Channels.List())
	})
	api.GET("/channels/:name/members", func(c *gin.Context) {
		ch, ok := d.Orch.Channels.Get(domain.RoomName(c.Param("name")))
		if !ok {
			c.JSON(http.StatusOK, []core.MemberDTO{})
			return
		}
		c.JSON(http.StatusOK, ch.MembersSnapshot())
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

// issueToken serves POST /api/token. The caller's client token becomes the
// account id of the credential.
func issueToken(tokens *token.Service, limiter *signal.KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.GetString("client_token")
		if limiter != nil && !limiter.Allow(account) {
			c.JSON(http.StatusTooManyRequests, domain.TokenError{Code: domain.TokenInternal, Message: "too many token requests"})
			return
		}

		var req core.TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, domain.TokenError{Code: domain.TokenInvalidArgument, Message: "body must be {channelName, uid, role}"})
			return
		}

		cred, err := tokens.Issue(req, domain.AccountID(account))
		if err != nil {
			var te *domain.TokenError
			if errors.As(err, &te) && te.Code == domain.TokenInvalidArgument {
				c.JSON(http.StatusBadRequest, te)
				return
			}
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue token")
			c.JSON(http.StatusInternalServerError, domain.TokenError{Code: domain.TokenInternal, Message: "could not issue token"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("channel", string(cred.Channel)).Uint32("uid", uint32(cred.UID)).Msg("token issued")
		c.JSON(http.StatusOK, cred)
	}
}
