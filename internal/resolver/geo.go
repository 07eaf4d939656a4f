package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/enrichd/internal/storage"
)

// ErrNoLocation is returned when the provider answered without a latitude.
var ErrNoLocation = errors.New("geo: response has no location")

// GeoConfig configures a GeoClient.
type GeoConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RatePerMinute int
	HTTPClient    *http.Client
}

// GeoClient resolves an IP address to a location via an ipapi.co-compatible
// endpoint: GET {base}/{ip}/json/.
type GeoClient struct {
	endpoint
}

func NewGeoClient(cfg GeoConfig) *GeoClient {
	var doer httpDoer
	if cfg.HTTPClient != nil {
		doer = cfg.HTTPClient
	}
	return &GeoClient{endpoint: newEndpoint(cfg.BaseURL, cfg.Timeout, cfg.RatePerMinute, doer)}
}

// geoResponse mirrors the provider payload. Latitude is a pointer so that a
// missing field can be told apart from the equator.
type geoResponse struct {
	Error       bool     `json:"error"`
	Reason      string   `json:"reason"`
	Country     string   `json:"country"`
	CountryName string   `json:"country_name"`
	CountryCode string   `json:"country_code"`
	Region      string   `json:"region"`
	RegionCode  string   `json:"region_code"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

// Lookup returns the location of ip. Any transport failure, non-2xx status,
// malformed body or body without a latitude is an error.
func (c *GeoClient) Lookup(ctx context.Context, ip string) (storage.Geo, error) {
	if net.ParseIP(ip) == nil {
		return storage.Geo{}, fmt.Errorf("geo: invalid ip address %q", ip)
	}

	var body geoResponse
	if err := c.getJSON(ctx, c.baseURL+"/"+url.PathEscape(ip)+"/json/", &body); err != nil {
		return storage.Geo{}, fmt.Errorf("geo lookup for %s: %w", ip, err)
	}
	if body.Error {
		return storage.Geo{}, fmt.Errorf("geo lookup for %s: provider error: %s: %w", ip, body.Reason, ErrNoLocation)
	}
	if body.Latitude == nil {
		return storage.Geo{}, fmt.Errorf("geo lookup for %s: %w", ip, ErrNoLocation)
	}

	g := storage.Geo{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		Region:      body.Region,
		RegionCode:  body.RegionCode,
		City:        body.City,
		Latitude:    *body.Latitude,
	}
	// ipapi.co puts the ISO code in "country" and the name in "country_name".
	if body.CountryName != "" {
		if g.CountryCode == "" {
			g.CountryCode = body.Country
		}
		g.Country = body.CountryName
	}
	if body.Longitude != nil {
		g.Longitude = *body.Longitude
	}
	return g, nil
}
