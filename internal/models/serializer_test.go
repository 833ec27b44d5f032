// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package models

import (
	"errors"
	"testing"
)

func TestSerializerRoundTrip(t *testing.T) {
	s := NewSerializer()

	in := UpdateMessage{
		Type:       TypeUpdate,
		Region:     "fra",
		Count:      17,
		LastUpdate: 1700000000000,
		Connection: &ConnectionRecord{
			ID:          "1700000000000-abc",
			Origin:      Origin{Lat: 50.1, Lng: 8.6, City: "Frankfurt", Country: "Germany"},
			Destination: Destination{Region: "fra", Lat: 50.1109, Lng: 8.6821},
		},
	}

	data, err := s.MarshalUpdate(&in)
	if err != nil {
		t.Fatalf("MarshalUpdate: %v", err)
	}

	out, err := s.UnmarshalUpdate(data)
	if err != nil {
		t.Fatalf("UnmarshalUpdate: %v", err)
	}

	if out.Region != in.Region || out.Count != in.Count || out.LastUpdate != in.LastUpdate {
		t.Errorf("round trip changed fields: got %+v", out)
	}
	if out.Connection == nil || out.Connection.ID != in.Connection.ID {
		t.Errorf("round trip lost connection record: got %+v", out.Connection)
	}
}

func TestSerializerMarshalDefaultsType(t *testing.T) {
	s := NewSerializer()

	data, err := s.MarshalUpdate(&UpdateMessage{Region: "iad", Count: 1})
	if err != nil {
		t.Fatalf("MarshalUpdate: %v", err)
	}
	out, err := s.UnmarshalUpdate(data)
	if err != nil {
		t.Fatalf("UnmarshalUpdate: %v", err)
	}
	if out.Type != TypeUpdate {
		t.Errorf("Type = %q, want %q", out.Type, TypeUpdate)
	}
}

func TestSerializerMarshalRejectsEmptyRegion(t *testing.T) {
	s := NewSerializer()

	if _, err := s.MarshalUpdate(&UpdateMessage{Count: 1}); !errors.Is(err, ErrMalformedUpdate) {
		t.Errorf("MarshalUpdate error = %v, want ErrMalformedUpdate", err)
	}
}

func TestSerializerUnmarshalRejects(t *testing.T) {
	s := NewSerializer()

	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"region":`},
		{"not an object", `"update"`},
		{"missing region", `{"type":"update","count":5}`},
		{"empty region", `{"type":"update","region":"","count":5}`},
		{"negative count", `{"type":"update","region":"iad","count":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UnmarshalUpdate([]byte(tt.payload))
			if !errors.Is(err, ErrMalformedUpdate) {
				t.Errorf("UnmarshalUpdate(%s) error = %v, want ErrMalformedUpdate", tt.payload, err)
			}
		})
	}
}
