package enrich

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/enrichd/internal/storage"
)

const (
	DefaultGeoTTL     = 24 * time.Hour
	DefaultWeatherTTL = 3 * time.Hour
)

// GeoCache is the cache table for geolocation keyed by IP address.
type GeoCache interface {
	LookupGeo(ctx context.Context, ip string) (storage.GeoCacheEntry, bool, error)
	InsertGeo(ctx context.Context, e storage.GeoCacheEntry) error
}

// WeatherCache is the cache table for weather keyed by storage.CoordinateKey.
type WeatherCache interface {
	LookupWeather(ctx context.Context, coordKey string) (storage.WeatherCacheEntry, bool, error)
	InsertWeather(ctx context.Context, e storage.WeatherCacheEntry) error
}

// GeoLookup is the external geolocation source.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (storage.Geo, error)
}

// WeatherLookup is the external weather source.
type WeatherLookup interface {
	Current(ctx context.Context, latitude, longitude float64) (storage.Weather, error)
}

// GeoChain resolves an IP address to a location, cache first.
type GeoChain struct {
	cache  GeoCache
	source GeoLookup
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewGeoChain creates a GeoChain. If ttl is <= 0, it defaults to 24h.
func NewGeoChain(cache GeoCache, source GeoLookup, ttl time.Duration) *GeoChain {
	if ttl <= 0 {
		ttl = DefaultGeoTTL
	}
	return &GeoChain{cache: cache, source: source, ttl: ttl, now: time.Now, logger: slog.Default()}
}

// Resolve returns the location for ip. The second result is false when
// nothing could be resolved; failures are logged, never returned. Items that
// were not actually taken off the queue resolve to nothing without any I/O.
func (c *GeoChain) Resolve(ctx context.Context, item storage.PendingItem, ip string) (storage.Geo, bool) {
	if !item.Present {
		return storage.Geo{}, false
	}

	entry, ok, err := c.cache.LookupGeo(ctx, ip)
	if err != nil {
		c.logger.Warn("geo cache read failed, treating as miss", "source_ip", ip, "error", err)
	}
	if ok {
		// Expiry is advisory; a stale hit is still served.
		return entry.Geo, true
	}

	geo, err := c.source.Lookup(ctx, ip)
	if err != nil {
		c.logger.Warn("geo lookup failed", "session_id", item.ID, "source_ip", ip, "error", err)
		return storage.Geo{}, false
	}

	fresh := storage.GeoCacheEntry{IP: ip, Geo: geo, ExpiresAt: c.now().Add(c.ttl)}
	if err := c.cache.InsertGeo(ctx, fresh); err != nil {
		c.logger.Warn("geo cache write failed", "source_ip", ip, "error", err)
	}
	return geo, true
}

// WeatherChain resolves a location to its current weather, cache first.
type WeatherChain struct {
	cache  WeatherCache
	source WeatherLookup
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewWeatherChain creates a WeatherChain. If ttl is <= 0, it defaults to 3h.
func NewWeatherChain(cache WeatherCache, source WeatherLookup, ttl time.Duration) *WeatherChain {
	if ttl <= 0 {
		ttl = DefaultWeatherTTL
	}
	return &WeatherChain{cache: cache, source: source, ttl: ttl, now: time.Now, logger: slog.Default()}
}

// Resolve returns the weather at geo. When haveGeo is false it returns
// nothing without touching the cache or the source.
func (c *WeatherChain) Resolve(ctx context.Context, geo storage.Geo, haveGeo bool) (storage.Weather, bool) {
	if !haveGeo {
		return storage.Weather{}, false
	}

	key := storage.CoordinateKey(geo.Longitude, geo.Latitude)

	entry, ok, err := c.cache.LookupWeather(ctx, key)
	if err != nil {
		c.logger.Warn("weather cache read failed, treating as miss", "coord_key", key, "error", err)
	}
	if ok {
		return entry.Weather, true
	}

	w, err := c.source.Current(ctx, geo.Latitude, geo.Longitude)
	if err != nil {
		c.logger.Warn("weather lookup failed", "coord_key", key, "error", err)
		return storage.Weather{}, false
	}

	fresh := storage.WeatherCacheEntry{CoordKey: key, Weather: w, ExpiresAt: c.now().Add(c.ttl)}
	if err := c.cache.InsertWeather(ctx, fresh); err != nil {
		c.logger.Warn("weather cache write failed", "coord_key", key, "error", err)
	}
	return w, true
}
