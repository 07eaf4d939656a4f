package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/enrichd/internal/storage"
)

// ErrNoConditions is returned when the provider answered without any weather condition.
var ErrNoConditions = errors.New("weather: response has no conditions")

// WeatherConfig configures a WeatherClient.
type WeatherConfig struct {
	BaseURL       string
	APIKey        string
	Units         string
	Timeout       time.Duration
	RatePerMinute int
	HTTPClient    *http.Client
}

// WeatherClient fetches current conditions from an OpenWeatherMap-compatible
// endpoint: GET {base}/data/2.5/weather?lat=..&lon=..
type WeatherClient struct {
	endpoint
	apiKey string
	units  string
}

func NewWeatherClient(cfg WeatherConfig) *WeatherClient {
	var doer httpDoer
	if cfg.HTTPClient != nil {
		doer = cfg.HTTPClient
	}
	units := cfg.Units
	if units == "" {
		units = "metric"
	}
	return &WeatherClient{
		endpoint: newEndpoint(cfg.BaseURL, cfg.Timeout, cfg.RatePerMinute, doer),
		apiKey:   cfg.APIKey,
		units:    units,
	}
}

type weatherCondition struct {
	Main string `json:"main"`
	Icon string `json:"icon"`
}

type weatherResponse struct {
	Weather []weatherCondition `json:"weather"`
	Main    *struct {
		Temp *float64 `json:"temp"`
	} `json:"main"`
}

// Current returns the current weather at the given coordinate, using the
// first condition the provider reports.
func (c *WeatherClient) Current(ctx context.Context, latitude, longitude float64) (storage.Weather, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(longitude, 'f', -1, 64))
	q.Set("units", c.units)
	if c.apiKey != "" {
		q.Set("appid", c.apiKey)
	}

	var body weatherResponse
	if err := c.getJSON(ctx, c.baseURL+"/data/2.5/weather?"+q.Encode(), &body); err != nil {
		return storage.Weather{}, fmt.Errorf("weather lookup: %w", err)
	}
	if len(body.Weather) == 0 {
		return storage.Weather{}, fmt.Errorf("weather lookup: %w", ErrNoConditions)
	}
	if body.Main == nil || body.Main.Temp == nil {
		return storage.Weather{}, fmt.Errorf("weather lookup: response has no temperature")
	}

	return storage.Weather{
		Type:        body.Weather[0].Main,
		Temperature: *body.Main.Temp,
		Icon:        body.Weather[0].Icon,
	}, nil
}
