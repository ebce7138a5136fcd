package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/adapters/rtc"
	sig "github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/sfu"
	"github.com/dkeye/Meet/internal/app/token"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	flags.Int("port", 8080, "listen port")
	flags.String("mode", "release", "gin mode: debug | release")
	flags.String("app_id", "meet", "application id carried in media tokens")
	_ = flags.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	api, err := rtc.NewAPI()
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	rtcCfg := rtc.DefaultWebRTCConfig(cfg.Transport.ICEServers...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tokens := token.NewService(cfg.Token.Secret, cfg.Token.Issuer, cfg.AppID, cfg.Token.TTL)
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(reg),
		Tokens:   tokens,
		AppID:    cfg.AppID,
		Metrics:  orch.NewMetrics(reg),
		NewMedia: func(sid core.SessionID) (core.MediaConnection, error) {
			return rtc.NewWebRTCConnection(api, rtcCfg, sid)
		},
	}

	signalCtl := sig.NewSignalWSController(o, sig.NewKeyedLimiter(cfg.Token.RateLimit, cfg.Token.RateBurst, 10*time.Minute))
	if cfg.Transport.WriteTimeout > 0 {
		signalCtl.WriteTimeout = cfg.Transport.WriteTimeout
	}
	if cfg.Transport.ReadLimit > 0 {
		signalCtl.ReadLimit = cfg.Transport.ReadLimit
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:         o,
		Signal:       signalCtl,
		Tokens:       tokens,
		TokenLimiter: sig.NewKeyedLimiter(cfg.Token.RateLimit, cfg.Token.RateBurst, 10*time.Minute),
		Gatherer:     reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("app_id", cfg.AppID).Msg("Meet server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
