// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package iploc looks up an approximate geographic location for an IP
// address. It is a collaborator of the replication core: when a viewer's
// browser-native location is unavailable, the coordinator falls back to the
// viewer's IP to populate the origin of a connection record.
package iploc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/geopulse/geopulse/internal/logging"
	"github.com/geopulse/geopulse/internal/models"
)

// ErrUnavailable indicates the lookup service could not answer. Callers
// degrade to region coordinates instead of failing the viewer operation.
var ErrUnavailable = errors.New("ip location service unavailable")

// ErrPrivateAddress indicates the address has no public location.
var ErrPrivateAddress = errors.New("ip address is private")

// Config holds lookup client configuration.
type Config struct {
	// BaseURL of an ip-api style JSON endpoint, e.g. "http://ip-api.com".
	BaseURL string

	// Timeout bounds a single lookup request.
	Timeout time.Duration
}

// response is the subset of the ip-api JSON body the core needs.
type response struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lon"`
	City    string  `json:"city"`
	Country string  `json:"country"`
}

// Client resolves IP addresses to coarse locations over HTTP.
// Lookups run behind a circuit breaker so a slow or dead upstream cannot
// stall viewer connections; while the breaker is open, Lookup fails fast
// with ErrUnavailable.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*models.Origin]
}

// NewClient creates a lookup client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "iploc",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("ip location breaker state changed")
		},
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[*models.Origin](settings),
	}
}

// Lookup resolves an IP address to an origin.
// Private and loopback addresses short-circuit without a network call.
func (c *Client) Lookup(ctx context.Context, ip string) (*models.Origin, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("parse ip %q: %w", ip, err)
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return nil, ErrPrivateAddress
	}

	return c.breaker.Execute(func() (*models.Origin, error) {
		return c.lookup(ctx, addr.String())
	})
}

func (c *Client) lookup(ctx context.Context, ip string) (*models.Origin, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,message,lat,lon,city,country", c.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build lookup request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("lookup failed for %s: %s", ip, r.Message)
	}

	return &models.Origin{Lat: r.Lat, Lng: r.Lng, City: r.City, Country: r.Country}, nil
}
