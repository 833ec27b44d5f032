// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package models defines the wire types shared by the replication core:
// the per-region counter state, presence connection records, and the JSON
// messages exchanged with viewers and across the broadcast bus.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Message types on the viewer channel and the broadcast bus.
const (
	// Client -> server
	TypeConnected = "connected"
	TypeIncrement = "increment"

	// Server -> client
	TypeState      = "state"
	TypeUpdate     = "update"
	TypeUserUpdate = "userUpdate"
)

// validate is the shared validator instance. validator.Validate caches
// struct metadata, so a single instance is the intended usage.
var validate = validator.New()

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Validate checks that the point lies on the globe.
func (p GeoPoint) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	return nil
}

// Origin describes where a viewer connected from.
type Origin struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	City    string  `json:"city,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Point returns the origin's coordinates.
func (o Origin) Point() GeoPoint {
	return GeoPoint{Lat: o.Lat, Lng: o.Lng}
}

// Destination describes the region serving a viewer.
type Destination struct {
	Region string  `json:"region"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

// ConnectionRecord represents one viewer's presence: where they are and
// which region is serving them. The record is owned by the region process
// that created it and published into the presence registry for cross-region
// visibility.
type ConnectionRecord struct {
	// ID is globally unique and never reused. Merge operations across
	// regions dedupe by this id, not by positional equality.
	ID          string      `json:"id"`
	Origin      Origin      `json:"origin"`
	Destination Destination `json:"destination"`
}

// NewConnectionID returns a fresh, globally-unique connection id.
// The millisecond prefix keeps ids roughly sortable by creation time;
// the UUID suffix guarantees uniqueness.
func NewConnectionID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}

// RegionCount is the last-known counter state for one region. One instance
// per known region is held in every process's local cache. Absent regions
// default to count 0.
type RegionCount struct {
	Region     string `json:"region"`
	Count      int64  `json:"count"`
	LastUpdate int64  `json:"lastUpdate"` // unix milliseconds
}

// ClientMessage is a message received from a viewer over the live channel.
type ClientMessage struct {
	Type     string    `json:"type"`
	Location *GeoPoint `json:"location,omitempty"`
}

// StateMessage is the full snapshot pushed to viewers on connect and
// whenever the local cache changes. A newly-connected viewer's first
// message is always a StateMessage, never a partial update.
type StateMessage struct {
	Type           string             `json:"type"`
	Regions        []RegionCount      `json:"regions"`
	ConnectedUsers []GeoPoint         `json:"connectedUsers"`
	Connections    []ConnectionRecord `json:"connections"`
}

// UpdateMessage is an incremental counter change, optionally carrying the
// ConnectionRecord that triggered it. This is also the payload shape on the
// broadcast bus.
type UpdateMessage struct {
	Type       string            `json:"type"`
	Region     string            `json:"region"`
	Count      int64             `json:"count"`
	LastUpdate int64             `json:"lastUpdate"`
	Connection *ConnectionRecord `json:"connection,omitempty"`
}

// DisconnectedUser carries the retraction of a presence record.
type DisconnectedUser struct {
	Location   GeoPoint         `json:"location"`
	Connection ConnectionRecord `json:"connection"`
}

// UserUpdateMessage is a presence change pushed to viewers.
type UserUpdateMessage struct {
	Type             string            `json:"type"`
	ConnectedUsers   []GeoPoint        `json:"connectedUsers"`
	DisconnectedUser *DisconnectedUser `json:"disconnectedUser,omitempty"`
}

// NewStateMessage builds a snapshot message from cache and presence views.
func NewStateMessage(regions []RegionCount, connections []ConnectionRecord) StateMessage {
	users := make([]GeoPoint, 0, len(connections))
	for _, c := range connections {
		users = append(users, c.Origin.Point())
	}
	return StateMessage{
		Type:           TypeState,
		Regions:        regions,
		ConnectedUsers: users,
		Connections:    connections,
	}
}
