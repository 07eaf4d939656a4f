package storage

import (
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Geo is the geolocation snapshot attached to a session.
type Geo struct {
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region"`
	RegionCode  string  `json:"region_code"`
	City        string  `json:"city"`
	Longitude   float64 `json:"longitude"`
	Latitude    float64 `json:"latitude"`
}

// Weather is the weather snapshot attached to a session.
type Weather struct {
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature"`
	Icon        string  `json:"icon"`
}

// Session is a client connection event. Geo and Weather are nil until the
// session has been enriched, and stay nil when a lookup came back empty.
type Session struct {
	ID         string     `json:"id"`
	SourceIP   string     `json:"source_ip"`
	CreatedAt  time.Time  `json:"created_at"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`
	Geo        *Geo       `json:"geo"`
	Weather    *Weather   `json:"weather"`
}

// PendingItem is one work item removed from the queue. Present is false when
// the delete observed no row, e.g. because a concurrent taker won the race.
type PendingItem struct {
	ID      string
	Present bool
}

type GeoCacheEntry struct {
	IP        string
	Geo       Geo
	ExpiresAt time.Time
}

type WeatherCacheEntry struct {
	CoordKey  string
	Weather   Weather
	ExpiresAt time.Time
}

// CoordinateKey builds the weather cache key "{longitude},{latitude}" using
// the shortest float formatting that round-trips.
func CoordinateKey(longitude, latitude float64) string {
	return strconv.FormatFloat(longitude, 'f', -1, 64) + "," + strconv.FormatFloat(latitude, 'f', -1, 64)
}
