package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Scheduler SchedulerConfig
	Geo       GeoConfig
	Weather   WeatherConfig
	Cache     CacheConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type SchedulerConfig struct {
	Interval    time.Duration
	Concurrency int
}

type GeoConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerMinute int
	CacheTTL      time.Duration
}

type WeatherConfig struct {
	BaseURL       string
	APIKey        string
	Units         string
	Timeout       time.Duration
	RatePerMinute int
	CacheTTL      time.Duration
}

// CacheConfig selects where geo and weather lookups are cached.
// Backend is "sqlite" (the main store) or "redis".
type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Scheduler: SchedulerConfig{
			Interval:    30 * time.Second,
			Concurrency: 4,
		},
		Geo: GeoConfig{
			BaseURL:       "https://ipapi.co",
			Timeout:       5 * time.Second,
			RatePerMinute: 45,
			CacheTTL:      24 * time.Hour,
		},
		Weather: WeatherConfig{
			BaseURL:       "https://api.openweathermap.org",
			Units:         "metric",
			Timeout:       5 * time.Second,
			RatePerMinute: 60,
			CacheTTL:      3 * time.Hour,
		},
		Cache: CacheConfig{
			Backend:   CacheBackendSQLite,
			RedisAddr: "localhost:6379",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.enrichd.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/enrichd/config.json
// and secrets come from environment variables or
// $XDG_DATA_HOME/enrichd/secrets.json.
//
// Environment variables (ENRICHD_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applyKeychain(&cfg, kc)

	if cfg.Weather.APIKey == "" {
		msg := "missing required config: weather API key. " +
			"Set it via environment variable ENRICHD_WEATHER_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	switch cfg.Cache.Backend {
	case CacheBackendSQLite, CacheBackendRedis:
	default:
		return Config{}, fmt.Errorf("invalid cache.backend %q: want %q or %q",
			cfg.Cache.Backend, CacheBackendSQLite, CacheBackendRedis)
	}

	return cfg, nil
}

// applyKeychain fills secrets that are still empty from the platform secret store.
func applyKeychain(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.account == "" {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

const keychainService = "enrichd"

// keychainReader reads secrets from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
