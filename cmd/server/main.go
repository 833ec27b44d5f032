// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/geopulse/geopulse/internal/api"
	"github.com/geopulse/geopulse/internal/bus"
	"github.com/geopulse/geopulse/internal/config"
	"github.com/geopulse/geopulse/internal/coordinator"
	"github.com/geopulse/geopulse/internal/geo"
	"github.com/geopulse/geopulse/internal/geo/iploc"
	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/store"
	"github.com/geopulse/geopulse/internal/supervisor"
	"github.com/geopulse/geopulse/internal/supervisor/services"
	"github.com/geopulse/geopulse/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "geopulse: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg); err != nil && !errorsIsCanceled(err) {
		logging.Fatal().Err(err).Msg("geopulse exited")
	}
	logging.Info().Msg("geopulse stopped")
}

// fanoutProxy breaks the construction cycle between the coordinator and
// the hub: the coordinator needs a Fanout, the hub needs the coordinator
// as its handler. The hub is attached before anything serves.
type fanoutProxy struct {
	hub *websocket.Hub
}

func (p *fanoutProxy) Broadcast(msgType string, msg any) {
	if p.hub != nil {
		p.hub.Broadcast(msgType, msg)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	region := geo.Logical(cfg.Region)
	logging.Info().
		Str("region", region).
		Str("store_backend", cfg.Store.Backend).
		Int("known_regions", len(cfg.Regions)).
		Msg("starting geopulse region process")

	// The embedded bus server starts first so the local store and bus
	// endpoints it provides are reachable during the rest of the wiring.
	var embedded *bus.EmbeddedServer
	if cfg.Bus.Embedded {
		var err error
		embedded, err = bus.NewEmbeddedServer(bus.EmbeddedConfig{
			Host:     cfg.Bus.EmbeddedHost,
			Port:     cfg.Bus.EmbeddedPort,
			StoreDir: cfg.Bus.EmbeddedStoreDir,
		})
		if err != nil {
			return fmt.Errorf("starting embedded bus: %w", err)
		}
		logging.Info().Str("url", embedded.ClientURL()).Msg("embedded bus server ready")
	}

	registry := store.NewRegistry()
	counters := make(map[string]store.Counter)
	var presence store.Presence
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	switch cfg.Store.Backend {
	case "badger":
		// Single-node backend: only the own region's counter is
		// writable or readable, other regions appear through the bus.
		bs, err := store.OpenBadger(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening badger store: %w", err)
		}
		closers = append(closers, func() {
			if err := bs.Close(); err != nil {
				logging.Warn().Err(err).Msg("closing badger store")
			}
		})
		counters[region] = bs
		presence = bs
		registry.Add(bs)

	case "nats":
		stores := make(map[string]*store.NATSKVStore)
		for _, r := range cfg.Regions {
			url := cfg.StoreURLFor(r)
			kv, ok := stores[url]
			if !ok {
				nc, err := nats.Connect(url,
					nats.Name("geopulse-"+region),
					nats.MaxReconnects(cfg.Bus.MaxReconnects),
					nats.ReconnectWait(cfg.Bus.ReconnectWait),
				)
				if err != nil {
					return fmt.Errorf("connecting to store %s: %w", url, err)
				}
				closers = append(closers, nc.Close)

				kv, err = store.OpenNATSKV(ctx, nc)
				if err != nil {
					return fmt.Errorf("opening kv buckets on %s: %w", url, err)
				}
				stores[url] = kv
				registry.Add(kv)
			}

			logical := geo.Logical(r.Name)
			counters[logical] = kv
			if logical == region {
				presence = kv
			}
		}

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if presence == nil {
		return fmt.Errorf("no store configured for own region %s", region)
	}

	set := bus.NewSet(func(endpoint string) (bus.Bus, error) {
		return bus.NewNATSBus(bus.Config{
			URL:           endpoint,
			Region:        region,
			MaxReconnects: cfg.Bus.MaxReconnects,
			ReconnectWait: cfg.Bus.ReconnectWait,
		})
	})
	closers = append(closers, func() {
		if err := set.Close(); err != nil {
			logging.Warn().Err(err).Msg("closing bus transports")
		}
	})
	for _, r := range cfg.Regions {
		if _, err := set.ForEndpoint(cfg.BusURLFor(r)); err != nil {
			return fmt.Errorf("connecting bus for region %s: %w", r.Name, err)
		}
	}

	var locator coordinator.Locator
	if cfg.GeoIP.Enabled {
		locator = iploc.NewClient(iploc.Config{
			BaseURL: cfg.GeoIP.BaseURL,
			Timeout: cfg.GeoIP.Timeout,
		})
	}

	proxy := &fanoutProxy{}
	coord := coordinator.New(coordinator.Config{
		Region:    region,
		Counters:  counters,
		Presence:  presence,
		Registry:  registry,
		Publisher: set,
		Fanout:    proxy,
		Locator:   locator,
	})
	hub := websocket.NewHub(coord)
	proxy.hub = hub

	if err := coord.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	var ready atomic.Bool
	ready.Store(true)

	handler := api.NewHandler(coord, hub, ready.Load)
	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: api.NewRouter(handler, api.RouterConfig{RateLimit: cfg.Server.RateLimit}),
		// Websocket connections are long-lived, so only the header read
		// gets a deadline. Write deadlines are handled per message.
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if embedded != nil {
		tree.AddMessagingService(services.NewEmbeddedBusService(embedded))
	}
	tree.AddMessagingService(services.NewHubService(hub))
	for _, b := range set.All() {
		tree.AddMessagingService(services.NewSubscriberService(b, coord))
	}
	tree.AddStateService(coordinator.NewReconciler(coord, cfg.Reconcile.Interval))
	tree.AddAPIService(services.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", cfg.ListenAddr()).Msg("serving")
	err := tree.Serve(ctx)

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}
	return err
}

func errorsIsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
