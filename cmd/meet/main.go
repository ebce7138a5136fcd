// Command meet is a headless participant: it joins a room with file-backed
// devices, prints room activity and reads chat and commands from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Meet/internal/adapters/devices"
	"github.com/dkeye/Meet/internal/adapters/memstore"
	"github.com/dkeye/Meet/internal/adapters/redisstore"
	"github.com/dkeye/Meet/internal/adapters/tokenclient"
	"github.com/dkeye/Meet/internal/adapters/transport"
	"github.com/dkeye/Meet/internal/app/session"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func main() {
	flags := pflag.NewFlagSet("meet", pflag.ExitOnError)
	room := flags.String("room", "", "room to join")
	name := flags.String("name", "", "display name")
	account := flags.String("account", "", "account id; empty joins anonymously")
	avatar := flags.String("avatar", "", "avatar URL")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	flags.String("store.driver", "redis", "presence and chat store: redis | memory")
	flags.String("devices.camera", "", "VP8 IVF file used as camera")
	flags.String("devices.microphone", "", "Opus Ogg file used as microphone")
	flags.String("devices.screen", "", "VP8 IVF file served as screen share")
	flags.String("devices.record_dir", "", "write remote tracks into this directory")
	_ = flags.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	presence, chat, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	tokens := tokenclient.New(cfg.Token.URL, 10*time.Second)
	deps := session.Deps{
		Tokens: tokens,
		Transport: transport.New(transport.Config{
			SignalURL:    cfg.Transport.SignalURL,
			ICEServers:   cfg.Transport.ICEServers,
			ReadLimit:    cfg.Transport.ReadLimit,
			PingPeriod:   cfg.Transport.PingPeriod,
			WriteTimeout: cfg.Transport.WriteTimeout,
			Jar:          tokens.Jar(),
		}),
		Devices: devices.New(devices.Config{
			Camera:     cfg.Devices.Camera,
			Microphone: cfg.Devices.Microphone,
			Screen:     cfg.Devices.Screen,
		}),
		Presence: presence,
		Chat:     chat,
	}
	if dir := cfg.Devices.RecordDir; dir != "" {
		rec, err := devices.NewRecorder(dir)
		if err != nil {
			log.Fatal().Err(err).Msg("recorder")
		}
		deps.AudioSink, deps.VideoSink = rec.Audio, rec.Video
	}

	identity := domain.Identity{AccountID: domain.AccountID(*account), DisplayName: *name, Avatar: *avatar}
	ctl := session.NewController(sessionConfig(cfg), deps, identity, session.WithWindowCloser(cancel))

	out := bufio.NewWriter(os.Stdout)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-ctl.Events():
				render(out, ev)
				_ = out.Flush()
			}
		}
	})

	if err := ctl.Join(ctx, *room); err != nil {
		fmt.Fprintln(os.Stderr, domain.UserMessage(err))
		log.Debug().Err(err).Msg("join failed")
		cancel()
		_ = g.Wait()
		os.Exit(1)
	}

	// stdin is not cancellable; the reader is abandoned on exit
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			quit, err := dispatch(ctx, ctl, sc.Text())
			if err != nil {
				fmt.Fprintln(os.Stderr, domain.UserMessage(err))
			}
			if quit {
				return
			}
		}
		cancel()
	}()

	<-ctx.Done()
	ctl.Close()
	_ = g.Wait()
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		PresenceTTL:       cfg.Session.PresenceTTL,
		ReactionWindow:    cfg.Session.ReactionWindow,
		UIDAttempts:       cfg.Session.UIDAttempts,
		LeaveTimeout:      cfg.Session.LeaveTimeout,
		ChatRate:          cfg.Session.ChatRate,
		ChatBurst:         cfg.Session.ChatBurst,
		EventBuffer:       cfg.Session.EventBuffer,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (core.PresenceStore, core.ChatLog, func(), error) {
	if cfg.Store.Driver == "memory" {
		s := memstore.New(
			memstore.WithLivenessTTL(cfg.Session.PresenceTTL),
			memstore.WithPollInterval(cfg.Store.PollInterval),
		)
		return s, s.Chat(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
	}
	opts := []redisstore.Option{
		redisstore.WithLivenessTTL(cfg.Session.PresenceTTL),
		redisstore.WithKeyTTL(cfg.Store.KeyTTL),
		redisstore.WithPollInterval(cfg.Store.PollInterval),
	}
	return redisstore.NewPresence(rdb, opts...), redisstore.NewChat(rdb, opts...), func() { _ = rdb.Close() }, nil
}
