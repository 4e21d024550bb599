package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aqasem/rollcall/core/netutil"
)

// geoEndpoints are tried in order. The second is the fallback when the
// first rate-limits.
var geoEndpoints = []string{
	"https://ipapi.co/json/",
	"http://ip-api.com/json/",
}

var geoHTTPClient = &http.Client{
	Timeout:   10 * time.Second,
	Transport: &netutil.RetryTransport{MaxRetries: 2, Backoff: time.Second},
}

// resolveIPLocation looks up coordinates for the egress IP.
func resolveIPLocation(ctx context.Context) (lat, lon float64, err error) {
	var lastErr error
	for _, endpoint := range geoEndpoints {
		lat, lon, err = fetchGeo(ctx, endpoint)
		if err == nil {
			return lat, lon, nil
		}
		lastErr = err
	}
	return 0, 0, fmt.Errorf("resolve ip location: %w", lastErr)
}

func fetchGeo(ctx context.Context, endpoint string) (float64, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := geoHTTPClient.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("%s: http %d", endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, 0, err
	}

	// ipapi.co uses latitude/longitude, ip-api.com uses lat/lon
	var payload struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", endpoint, err)
	}
	switch {
	case payload.Latitude != nil && payload.Longitude != nil:
		return *payload.Latitude, *payload.Longitude, nil
	case payload.Lat != nil && payload.Lon != nil:
		return *payload.Lat, *payload.Lon, nil
	}
	return 0, 0, fmt.Errorf("%s: no coordinates in response", endpoint)
}
