// Package cache provides a Redis-backed alternative to the SQLite cache
// tables. Entries expire through Redis TTLs, so no pruning is needed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/enrichd/internal/storage"
)

const (
	geoPrefix     = "enrichd:geo:"
	weatherPrefix = "enrichd:weather:"
)

// RedisStore implements the geo and weather cache contracts on Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type geoRecord struct {
	Geo       storage.Geo `json:"geo"`
	ExpiresAt time.Time   `json:"expires_at"`
}

type weatherRecord struct {
	Weather   storage.Weather `json:"weather"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (r *RedisStore) LookupGeo(ctx context.Context, ip string) (storage.GeoCacheEntry, bool, error) {
	var rec geoRecord
	ok, err := r.get(ctx, geoPrefix+ip, &rec)
	if err != nil || !ok {
		return storage.GeoCacheEntry{}, false, err
	}
	return storage.GeoCacheEntry{IP: ip, Geo: rec.Geo, ExpiresAt: rec.ExpiresAt}, true, nil
}

// InsertGeo stores the entry unless the key already exists. The key expires at e.ExpiresAt.
func (r *RedisStore) InsertGeo(ctx context.Context, e storage.GeoCacheEntry) error {
	return r.setNX(ctx, geoPrefix+e.IP, geoRecord{Geo: e.Geo, ExpiresAt: e.ExpiresAt}, e.ExpiresAt)
}

func (r *RedisStore) LookupWeather(ctx context.Context, coordKey string) (storage.WeatherCacheEntry, bool, error) {
	var rec weatherRecord
	ok, err := r.get(ctx, weatherPrefix+coordKey, &rec)
	if err != nil || !ok {
		return storage.WeatherCacheEntry{}, false, err
	}
	return storage.WeatherCacheEntry{CoordKey: coordKey, Weather: rec.Weather, ExpiresAt: rec.ExpiresAt}, true, nil
}

func (r *RedisStore) InsertWeather(ctx context.Context, e storage.WeatherCacheEntry) error {
	return r.setNX(ctx, weatherPrefix+e.CoordKey, weatherRecord{Weather: e.Weather, ExpiresAt: e.ExpiresAt}, e.ExpiresAt)
}

// PruneExpired is a no-op: Redis evicts expired keys itself.
func (r *RedisStore) PruneExpired(context.Context) (int64, int64, error) {
	return 0, 0, nil
}

func (r *RedisStore) get(ctx context.Context, key string, out any) (bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) setNX(ctx context.Context, key string, rec any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := r.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
