package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// LookupGeo returns the cached geolocation for ip. Expired entries are still
// returned; callers decide whether staleness matters.
func (s *Store) LookupGeo(ctx context.Context, ip string) (GeoCacheEntry, bool, error) {
	query, args, err := sqb.
		Select("ip", "country", "country_code", "region", "region_code", "city", "longitude", "latitude", "expires_at").
		From("geo_cache").
		Where(sq.Eq{"ip": ip}).
		ToSql()
	if err != nil {
		return GeoCacheEntry{}, false, fmt.Errorf("building geo cache query: %w", err)
	}

	var e GeoCacheEntry
	var expiresAt string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.IP, &e.Geo.Country, &e.Geo.CountryCode, &e.Geo.Region, &e.Geo.RegionCode,
		&e.Geo.City, &e.Geo.Longitude, &e.Geo.Latitude, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return GeoCacheEntry{}, false, nil
	}
	if err != nil {
		return GeoCacheEntry{}, false, fmt.Errorf("reading geo cache for %s: %w", ip, err)
	}
	if e.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return GeoCacheEntry{}, false, err
	}
	return e, true, nil
}

// InsertGeo stores a geo cache entry unless one already exists for the same ip.
func (s *Store) InsertGeo(ctx context.Context, e GeoCacheEntry) error {
	query, args, err := sqb.Insert("geo_cache").
		Columns("ip", "country", "country_code", "region", "region_code", "city", "longitude", "latitude", "expires_at").
		Values(e.IP, e.Geo.Country, e.Geo.CountryCode, e.Geo.Region, e.Geo.RegionCode,
			e.Geo.City, e.Geo.Longitude, e.Geo.Latitude, formatTime(e.ExpiresAt)).
		Suffix("ON CONFLICT(ip) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building geo cache insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting geo cache for %s: %w", e.IP, err)
	}
	return nil
}

// LookupWeather returns the cached weather for a coordinate key built by CoordinateKey.
func (s *Store) LookupWeather(ctx context.Context, coordKey string) (WeatherCacheEntry, bool, error) {
	query, args, err := sqb.
		Select("coord_key", "condition", "temperature", "icon", "expires_at").
		From("weather_cache").
		Where(sq.Eq{"coord_key": coordKey}).
		ToSql()
	if err != nil {
		return WeatherCacheEntry{}, false, fmt.Errorf("building weather cache query: %w", err)
	}

	var e WeatherCacheEntry
	var expiresAt string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.CoordKey, &e.Weather.Type, &e.Weather.Temperature, &e.Weather.Icon, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return WeatherCacheEntry{}, false, nil
	}
	if err != nil {
		return WeatherCacheEntry{}, false, fmt.Errorf("reading weather cache for %s: %w", coordKey, err)
	}
	if e.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return WeatherCacheEntry{}, false, err
	}
	return e, true, nil
}

// InsertWeather stores a weather cache entry unless one already exists for the same key.
func (s *Store) InsertWeather(ctx context.Context, e WeatherCacheEntry) error {
	query, args, err := sqb.Insert("weather_cache").
		Columns("coord_key", "condition", "temperature", "icon", "expires_at").
		Values(e.CoordKey, e.Weather.Type, e.Weather.Temperature, e.Weather.Icon, formatTime(e.ExpiresAt)).
		Suffix("ON CONFLICT(coord_key) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building weather cache insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting weather cache for %s: %w", e.CoordKey, err)
	}
	return nil
}

// PruneExpired deletes cache entries whose expiry has passed and reports how
// many rows were removed from each table.
func (s *Store) PruneExpired(ctx context.Context) (geo, weather int64, err error) {
	now := formatTime(s.now())

	for _, t := range []struct {
		table string
		n     *int64
	}{
		{"geo_cache", &geo},
		{"weather_cache", &weather},
	} {
		query, args, err := sqb.Delete(t.table).Where(sq.LtOrEq{"expires_at": now}).ToSql()
		if err != nil {
			return 0, 0, fmt.Errorf("building %s prune: %w", t.table, err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, 0, fmt.Errorf("pruning %s: %w", t.table, err)
		}
		if *t.n, err = res.RowsAffected(); err != nil {
			return 0, 0, err
		}
	}
	return geo, weather, nil
}
