// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package config loads runtime configuration in three layers: compiled-in
// defaults, an optional YAML file, and GEOPULSE_* environment variables.
// Later layers win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GEOPULSE_"

// Region describes one known region and the endpoints of its durable
// state. Several regions may share endpoints; deduplication happens at
// connection time, not here.
type Region struct {
	// Name is the region identifier, physical or logical.
	Name string `koanf:"name" validate:"required"`
	// StoreURL is the NATS endpoint holding the region's counter and
	// presence buckets. Empty means the region shares the default store.
	StoreURL string `koanf:"store_url"`
	// BusURL is the broadcast transport endpoint for the region. Empty
	// means the region shares the default bus.
	BusURL string `koanf:"bus_url"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit is requests per minute per client IP on the REST surface.
	// Zero disables limiting. Websocket upgrades are exempt.
	RateLimit int `koanf:"rate_limit"`
}

// StoreConfig selects the durable state backend.
type StoreConfig struct {
	// Backend is "nats" for replicated JetStream KV buckets or "badger"
	// for single-node embedded storage.
	Backend string `koanf:"backend" validate:"oneof=nats badger"`
	// URL is the default NATS store endpoint, used for every region that
	// does not list its own.
	URL string `koanf:"url"`
	// Path is the badger data directory. Only used with Backend=badger.
	Path string `koanf:"path"`
}

// BusConfig holds broadcast transport settings.
type BusConfig struct {
	// URL is the default bus endpoint for regions without their own.
	URL string `koanf:"url"`
	// MaxReconnects caps reconnect attempts; -1 retries forever.
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// Embedded runs an in-process NATS server and points the default
	// store and bus at it. Meant for development and single-region runs.
	Embedded         bool   `koanf:"embedded"`
	EmbeddedHost     string `koanf:"embedded_host"`
	EmbeddedPort     int    `koanf:"embedded_port"`
	EmbeddedStoreDir string `koanf:"embedded_store_dir"`
}

// GeoIPConfig holds IP geolocation settings.
type GeoIPConfig struct {
	Enabled bool          `koanf:"enabled"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig mirrors logging.Config for the koanf layer.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ReconcileConfig holds the repair loop settings.
type ReconcileConfig struct {
	Interval time.Duration `koanf:"interval" validate:"min=100ms"`
}

// Config is the root configuration.
type Config struct {
	// Region is this process's serving region, physical or logical.
	Region string `koanf:"region" validate:"required"`
	// Regions lists every region the process should track. The own
	// region is added implicitly if absent.
	Regions []Region `koanf:"regions" validate:"dive"`

	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Bus       BusConfig       `koanf:"bus"`
	GeoIP     GeoIPConfig     `koanf:"geoip"`
	Logging   LoggingConfig   `koanf:"logging"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
}

// Default returns the compiled-in defaults. They describe a single-region
// development setup with an embedded NATS server.
func Default() *Config {
	return &Config{
		Region: "iad",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       300,
		},
		Store: StoreConfig{
			Backend: "nats",
			Path:    "./data/geopulse",
		},
		Bus: BusConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Embedded:      true,
			EmbeddedHost:  "127.0.0.1",
			EmbeddedPort:  4222,
		},
		GeoIP: GeoIPConfig{
			Enabled: true,
			BaseURL: "http://ip-api.com",
			Timeout: 3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Reconcile: ReconcileConfig{
			Interval: time.Second,
		},
	}
}

// envKeyReplacements maps flattened env suffixes that the generic
// transform cannot derive, where underscores inside a field name collide
// with the layer separator.
var envKeyReplacements = map[string]string{
	"server.read_timeout":     "SERVER_READ_TIMEOUT",
	"server.write_timeout":    "SERVER_WRITE_TIMEOUT",
	"server.shutdown_timeout": "SERVER_SHUTDOWN_TIMEOUT",
	"server.rate_limit":       "SERVER_RATE_LIMIT",
	"store.backend":           "STORE_BACKEND",
	"store.url":               "STORE_URL",
	"store.path":              "STORE_PATH",
	"bus.url":                 "BUS_URL",
	"bus.max_reconnects":      "BUS_MAX_RECONNECTS",
	"bus.reconnect_wait":      "BUS_RECONNECT_WAIT",
	"bus.embedded":            "BUS_EMBEDDED",
	"bus.embedded_host":       "BUS_EMBEDDED_HOST",
	"bus.embedded_port":       "BUS_EMBEDDED_PORT",
	"bus.embedded_store_dir":  "BUS_EMBEDDED_STORE_DIR",
	"geoip.enabled":           "GEOIP_ENABLED",
	"geoip.base_url":          "GEOIP_BASE_URL",
	"geoip.timeout":           "GEOIP_TIMEOUT",
	"logging.level":           "LOG_LEVEL",
	"logging.format":          "LOG_FORMAT",
	"logging.caller":          "LOG_CALLER",
	"reconcile.interval":      "RECONCILE_INTERVAL",
	"region":                  "REGION",
	"server.host":             "SERVER_HOST",
	"server.port":             "SERVER_PORT",
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment. An empty path skips the file layer; a
// missing file at a non-empty path is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envToKey maps GEOPULSE_SECTION_FIELD to its koanf key.
func envToKey(s string) string {
	suffix := strings.TrimPrefix(s, envPrefix)
	for key, envName := range envKeyReplacements {
		if suffix == envName {
			return key
		}
	}
	return strings.ReplaceAll(strings.ToLower(suffix), "_", ".")
}

// normalize fills derived values: the embedded server implies local
// store and bus URLs, and the own region is always tracked.
func (c *Config) normalize() {
	if c.Bus.Embedded {
		local := fmt.Sprintf("nats://%s:%d", c.Bus.EmbeddedHost, c.Bus.EmbeddedPort)
		if c.Bus.URL == "" {
			c.Bus.URL = local
		}
		if c.Store.URL == "" && c.Store.Backend == "nats" {
			c.Store.URL = local
		}
	}

	for _, r := range c.Regions {
		if r.Name == c.Region {
			return
		}
	}
	c.Regions = append(c.Regions, Region{Name: c.Region})
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Store.Backend == "nats" && c.Store.URL == "" {
		hasPerRegion := true
		for _, r := range c.Regions {
			if r.StoreURL == "" {
				hasPerRegion = false
				break
			}
		}
		if !hasPerRegion {
			return fmt.Errorf("store backend nats requires store.url or a store_url per region")
		}
	}

	if c.Bus.URL == "" && !c.Bus.Embedded {
		hasPerRegion := true
		for _, r := range c.Regions {
			if r.BusURL == "" {
				hasPerRegion = false
				break
			}
		}
		if !hasPerRegion {
			return fmt.Errorf("bus.url is required unless embedded or every region lists bus_url")
		}
	}

	return nil
}

// StoreURLFor returns the store endpoint for a region, falling back to
// the default.
func (c *Config) StoreURLFor(region Region) string {
	if region.StoreURL != "" {
		return region.StoreURL
	}
	return c.Store.URL
}

// BusURLFor returns the bus endpoint for a region, falling back to the
// default.
func (c *Config) BusURLFor(region Region) string {
	if region.BusURL != "" {
		return region.BusURL
	}
	return c.Bus.URL
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
