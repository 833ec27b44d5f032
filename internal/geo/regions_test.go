// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

package geo

import (
	"testing"
)

func TestLogical(t *testing.T) {
	tests := []struct {
		name     string
		physical string
		want     string
	}{
		{"logical code passes through", "iad", "iad"},
		{"uppercase normalized", "IAD", "iad"},
		{"whitespace trimmed", "  fra ", "fra"},
		{"city alias", "frankfurt", "fra"},
		{"city alias uppercase", "London", "lhr"},
		{"cloud scheme", "us-east-1", "iad"},
		{"cloud scheme europe", "eu-central-1", "fra"},
		{"two physical names one logical", "eu-west-2", "lhr"},
		{"unknown passes through", "mars-base-1", "mars-base-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Logical(tt.physical); got != tt.want {
				t.Errorf("Logical(%q) = %q, want %q", tt.physical, got, tt.want)
			}
		})
	}
}

func TestAliasesResolveToKnownRegions(t *testing.T) {
	for physical, logical := range aliases {
		if !Known(logical) {
			t.Errorf("alias %q resolves to %q which has no coordinates", physical, logical)
		}
	}
}

func TestCoordinates(t *testing.T) {
	p, ok := Coordinates("syd")
	if !ok {
		t.Fatal("Coordinates(syd) not found")
	}
	if p.Lat >= 0 {
		t.Errorf("Sydney latitude = %v, want southern hemisphere", p.Lat)
	}

	if _, ok := Coordinates("unknown"); ok {
		t.Error("Coordinates(unknown) reported found")
	}
}

func TestDestination(t *testing.T) {
	d := Destination("eu-central-1")
	if d.Region != "fra" {
		t.Errorf("Region = %q, want fra", d.Region)
	}
	if d.Lat == 0 || d.Lng == 0 {
		t.Errorf("coordinates not populated: %+v", d)
	}

	// Unknown regions keep the name but sit at the origin.
	u := Destination("mars-base-1")
	if u.Region != "mars-base-1" {
		t.Errorf("Region = %q, want pass-through", u.Region)
	}
	if u.Lat != 0 || u.Lng != 0 {
		t.Errorf("unknown region coordinates = %+v, want zero", u)
	}
}

func TestKnownCoversEveryRegion(t *testing.T) {
	for logical := range coords {
		if !Known(logical) {
			t.Errorf("Known(%q) = false", logical)
		}
	}
}
