// Geopulse - Globally Distributed Visitor Counter
// Copyright 2026 The Geopulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geopulse/geopulse

// Package geo maps deployment regions to geographic coordinates.
//
// Region naming is a two-level mapping: a PHYSICAL region name (whatever a
// hosting provider calls the deployment, including provider-prefixed
// aliases) resolves to exactly one LOGICAL region code. Resolution happens
// once, at ingestion, so the rest of the system only ever sees logical
// codes.
package geo

import (
	"strings"

	"github.com/geopulse/geopulse/internal/models"
)

// coords holds the coordinates of every logical region.
var coords = map[string]models.GeoPoint{
	"iad": {Lat: 38.9519, Lng: -77.4480},  // Ashburn, Virginia
	"ord": {Lat: 41.9803, Lng: -87.9090},  // Chicago, Illinois
	"dfw": {Lat: 32.8998, Lng: -97.0403},  // Dallas, Texas
	"sea": {Lat: 47.4502, Lng: -122.3088}, // Seattle, Washington
	"sjc": {Lat: 37.3639, Lng: -121.9289}, // San Jose, California
	"yyz": {Lat: 43.6777, Lng: -79.6248},  // Toronto, Canada
	"gru": {Lat: -23.4356, Lng: -46.4731}, // Sao Paulo, Brazil
	"lhr": {Lat: 51.4700, Lng: -0.4543},   // London, United Kingdom
	"cdg": {Lat: 49.0097, Lng: 2.5479},    // Paris, France
	"fra": {Lat: 50.0379, Lng: 8.5622},    // Frankfurt, Germany
	"ams": {Lat: 52.3105, Lng: 4.7683},    // Amsterdam, Netherlands
	"jnb": {Lat: -26.1367, Lng: 28.2411},  // Johannesburg, South Africa
	"bom": {Lat: 19.0896, Lng: 72.8656},   // Mumbai, India
	"sin": {Lat: 1.3644, Lng: 103.9915},   // Singapore
	"nrt": {Lat: 35.7720, Lng: 140.3929},  // Tokyo, Japan
	"syd": {Lat: -33.9399, Lng: 151.1753}, // Sydney, Australia
}

// aliases consolidates overlapping physical naming schemes onto logical
// codes. Providers name the same location differently; new schemes get a
// row here rather than ad-hoc fixups downstream.
var aliases = map[string]string{
	// city-name scheme
	"ashburn":      "iad",
	"chicago":      "ord",
	"dallas":       "dfw",
	"seattle":      "sea",
	"sanjose":      "sjc",
	"toronto":      "yyz",
	"saopaulo":     "gru",
	"london":       "lhr",
	"paris":        "cdg",
	"frankfurt":    "fra",
	"amsterdam":    "ams",
	"johannesburg": "jnb",
	"mumbai":       "bom",
	"singapore":    "sin",
	"tokyo":        "nrt",
	"sydney":       "syd",

	// cloud provider scheme
	"us-east-1":      "iad",
	"us-east-2":      "ord",
	"us-west-1":      "sjc",
	"us-west-2":      "sea",
	"sa-east-1":      "gru",
	"eu-west-1":      "lhr",
	"eu-west-2":      "lhr",
	"eu-west-3":      "cdg",
	"eu-central-1":   "fra",
	"ap-south-1":     "bom",
	"ap-southeast-1": "sin",
	"ap-southeast-2": "syd",
	"ap-northeast-1": "nrt",
}

// Logical resolves a physical region name to its logical code.
// Unknown names pass through lowercased, so a new deployment region works
// before it has coordinates.
func Logical(physical string) string {
	name := strings.ToLower(strings.TrimSpace(physical))
	if logical, ok := aliases[name]; ok {
		return logical
	}
	return name
}

// Coordinates returns the location of a logical region.
// The second return is false for regions without a table entry.
func Coordinates(logical string) (models.GeoPoint, bool) {
	p, ok := coords[logical]
	return p, ok
}

// Destination builds the destination half of a connection record for the
// given physical region name.
func Destination(physical string) models.Destination {
	logical := Logical(physical)
	p, _ := Coordinates(logical)
	return models.Destination{Region: logical, Lat: p.Lat, Lng: p.Lng}
}

// Known reports whether the logical region has coordinates.
func Known(logical string) bool {
	_, ok := coords[logical]
	return ok
}
