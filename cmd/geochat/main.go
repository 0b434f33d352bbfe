package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MatusOllah/slogcolor"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/kabili207/geochat/pkg/channelkey"
	"github.com/kabili207/geochat/pkg/config"
	"github.com/kabili207/geochat/pkg/delivery"
	"github.com/kabili207/geochat/pkg/geo"
	"github.com/kabili207/geochat/pkg/hooks"
	"github.com/kabili207/geochat/pkg/hub"
	"github.com/kabili207/geochat/pkg/kv"
	"github.com/kabili207/geochat/pkg/playback"
	"github.com/kabili207/geochat/pkg/presence"
	"github.com/kabili207/geochat/pkg/routes"
	"github.com/kabili207/geochat/pkg/squelch"
	"github.com/kabili207/geochat/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("unable to load config", "error", err)
		os.Exit(1)
	}

	logOpts := *slogcolor.DefaultOptions
	logOpts.Level = cfg.SlogLevel()
	logger := slog.New(slogcolor.NewHandler(os.Stderr, &logOpts))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("geochat stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) error {
	stores, err := store.Open(ctx, cfg.Database.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	defer stores.Close()

	cache := kv.NewMemoryStore(cfg.Cache.MaxEntries)
	defer cache.Close()

	handles := delivery.NewHandles(cfg.Relay.HandleValidity, logger)
	defer handles.Close()

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})
	relayHook := new(hooks.RelayHook)
	err = server.AddHook(relayHook, &hooks.RelayHookOptions{
		Server:    server,
		Handles:   handles,
		TopicRoot: cfg.Mqtt.TopicRoot,
	})
	if err != nil {
		return err
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Mqtt.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return err
	}
	go func() {
		if err := server.Serve(); err != nil {
			slog.Error("mqtt server failed", "error", err)
		}
	}()
	defer server.Close()

	lookup := geo.NewHTTPLookup(ctx, geo.HTTPConfig{
		URL:     cfg.GeoIP.URL,
		Timeout: cfg.GeoIP.Timeout,
		OAuth:   cfg.GeoIP.OAuth,
	})

	streams := routes.NewStreamNotifier()
	sockets := delivery.NewWebsocketTransport(logger)

	h := hub.New(hub.Deps{
		Squelch: squelch.New(cache, squelch.Options{
			Threshold:   cfg.Relay.SquelchThreshold,
			DecayWindow: cfg.Relay.DecayWindow,
			Logger:      logger,
		}),
		Geo: geo.NewResolver(cache, lookup, geo.Options{
			FallbackIP: cfg.GeoIP.FallbackIP,
			Logger:     logger,
		}),
		Presence: presence.New(cache, presence.Options{
			TTL:    cfg.Relay.PresenceTTL,
			Logger: logger,
		}),
		Playback: playback.New(cache, stores.Messages, playback.Options{
			Size:   cfg.Relay.PlaybackSize,
			Logger: logger,
		}),
		Channels: channelkey.New(cache, handles, channelkey.Options{
			Reuse:  cfg.Relay.ChannelKeyReuse,
			TTL:    cfg.Relay.ChannelKeyTTL,
			Logger: logger,
		}),
		Messages:  stores.Messages,
		Transport: delivery.Multi{relayHook, streams, sockets},
	}, hub.Options{
		HistoryLimit:  cfg.Relay.HistoryLimit,
		MaxMessageLen: cfg.Relay.MaxMessageLen,
		Version:       cfg.AppVersion,
		Logger:        logger,
	})

	go trimLoop(ctx, h, cfg.Relay.TrimInterval)

	wr := routes.NewWebRouter(*cfg, h, handles, streams, sockets)
	if err := wr.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("shutting down")
	return nil
}

// trimLoop keeps the durable history bounded.
func trimLoop(ctx context.Context, h *hub.Hub, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.TrimHistory(ctx); err != nil {
				slog.Error("scheduled trim failed", "error", err)
			}
		}
	}
}
