package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ENRICHD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "ENRICHD_API_TOKEN",
		secret: true, account: "api_token",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ENRICHD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "ENRICHD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "ENRICHD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "scheduler.interval", typ: kDuration, env: "ENRICHD_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
	{
		key: "scheduler.concurrency", typ: kInt, env: "ENRICHD_SCHEDULER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.Concurrency },
	},
	{
		key: "geo.base_url", typ: kString, env: "ENRICHD_GEO_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Geo.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Geo.BaseURL },
	},
	{
		key: "geo.timeout", typ: kDuration, env: "ENRICHD_GEO_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Geo.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Geo.Timeout },
	},
	{
		key: "geo.rate_per_minute", typ: kInt, env: "ENRICHD_GEO_RATE_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Geo.RatePerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Geo.RatePerMinute },
	},
	{
		key: "geo.cache_ttl", typ: kDuration, env: "ENRICHD_GEO_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Geo.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Geo.CacheTTL },
	},
	{
		key: "weather.base_url", typ: kString, env: "ENRICHD_WEATHER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Weather.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.BaseURL },
	},
	{
		key: "weather.api_key", typ: kString, env: "ENRICHD_WEATHER_API_KEY",
		secret: true, account: "weather_api_key",
		apply:   func(cfg *Config, v any) { cfg.Weather.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.APIKey },
	},
	{
		key: "weather.units", typ: kString, env: "ENRICHD_WEATHER_UNITS",
		apply:   func(cfg *Config, v any) { cfg.Weather.Units = v.(string) },
		extract: func(cfg Config) any { return cfg.Weather.Units },
	},
	{
		key: "weather.timeout", typ: kDuration, env: "ENRICHD_WEATHER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Weather.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Weather.Timeout },
	},
	{
		key: "weather.rate_per_minute", typ: kInt, env: "ENRICHD_WEATHER_RATE_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Weather.RatePerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Weather.RatePerMinute },
	},
	{
		key: "weather.cache_ttl", typ: kDuration, env: "ENRICHD_WEATHER_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Weather.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Weather.CacheTTL },
	},
	{
		key: "cache.backend", typ: kString, env: "ENRICHD_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "ENRICHD_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
	{
		key: "cache.redis_password", typ: kString, env: "ENRICHD_CACHE_REDIS_PASSWORD",
		secret: true, account: "redis_password",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisPassword },
	},
	{
		key: "cache.redis_db", typ: kInt, env: "ENRICHD_CACHE_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisDB = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.RedisDB },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := parseTyped(s.typ, v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseTyped(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

func parseTyped(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}
