// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrMalformedUpdate indicates a bus payload that does not decode into a
// valid update message. Receivers drop such payloads; they must never tear
// down the subscription loop.
var ErrMalformedUpdate = errors.New("malformed update message")

// Serializer handles encoding and decoding of broadcast bus payloads.
// The bus carries exactly one shape: UpdateMessage.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// MarshalUpdate converts an update message to JSON bytes.
func (s *Serializer) MarshalUpdate(msg *UpdateMessage) ([]byte, error) {
	if msg.Region == "" {
		return nil, fmt.Errorf("%w: empty region", ErrMalformedUpdate)
	}
	if msg.Type == "" {
		msg.Type = TypeUpdate
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}
	return data, nil
}

// UnmarshalUpdate converts JSON bytes into an update message.
// Missing required fields are reported as ErrMalformedUpdate so the caller
// can drop the payload with a warning.
func (s *Serializer) UnmarshalUpdate(data []byte) (*UpdateMessage, error) {
	var msg UpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedUpdate, err)
	}
	if msg.Region == "" {
		return nil, fmt.Errorf("%w: missing region", ErrMalformedUpdate)
	}
	if msg.Count < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrMalformedUpdate)
	}
	return &msg, nil
}
