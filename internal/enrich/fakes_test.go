package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kalambet/enrichd/internal/storage"
)

var errUnreachable = errors.New("dial tcp: connection refused")

type memCache struct {
	mu        sync.Mutex
	geo       map[string]storage.GeoCacheEntry
	weather   map[string]storage.WeatherCacheEntry
	readErr   error
	writeErr  error
	geoWrites atomic.Int32
}

func newMemCache() *memCache {
	return &memCache{
		geo:     make(map[string]storage.GeoCacheEntry),
		weather: make(map[string]storage.WeatherCacheEntry),
	}
}

func (m *memCache) LookupGeo(_ context.Context, ip string) (storage.GeoCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return storage.GeoCacheEntry{}, false, m.readErr
	}
	e, ok := m.geo[ip]
	return e, ok, nil
}

func (m *memCache) InsertGeo(_ context.Context, e storage.GeoCacheEntry) error {
	m.geoWrites.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.geo[e.IP]; !ok {
		m.geo[e.IP] = e
	}
	return nil
}

func (m *memCache) LookupWeather(_ context.Context, key string) (storage.WeatherCacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return storage.WeatherCacheEntry{}, false, m.readErr
	}
	e, ok := m.weather[key]
	return e, ok, nil
}

func (m *memCache) InsertWeather(_ context.Context, e storage.WeatherCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, ok := m.weather[e.CoordKey]; !ok {
		m.weather[e.CoordKey] = e
	}
	return nil
}

type fakeGeoSource struct {
	calls atomic.Int32
	fn    func(ip string) (storage.Geo, error)
}

func (f *fakeGeoSource) Lookup(_ context.Context, ip string) (storage.Geo, error) {
	f.calls.Add(1)
	return f.fn(ip)
}

type fakeWeatherSource struct {
	calls atomic.Int32
	fn    func(lat, lon float64) (storage.Weather, error)
}

func (f *fakeWeatherSource) Current(_ context.Context, lat, lon float64) (storage.Weather, error) {
	f.calls.Add(1)
	return f.fn(lat, lon)
}

func geoReturning(g storage.Geo) *fakeGeoSource {
	return &fakeGeoSource{fn: func(string) (storage.Geo, error) { return g, nil }}
}

func geoFailing() *fakeGeoSource {
	return &fakeGeoSource{fn: func(string) (storage.Geo, error) { return storage.Geo{}, errUnreachable }}
}

func weatherReturning(w storage.Weather) *fakeWeatherSource {
	return &fakeWeatherSource{fn: func(float64, float64) (storage.Weather, error) { return w, nil }}
}

func weatherFailing() *fakeWeatherSource {
	return &fakeWeatherSource{fn: func(float64, float64) (storage.Weather, error) { return storage.Weather{}, errUnreachable }}
}
