package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

var _ Lookup = (*HTTPLookup)(nil)

// HTTPConfig configures an HTTPLookup.
type HTTPConfig struct {
	// URL is a template with a single %s for the address, for example
	// "https://geoip.example.com/json/%s".
	URL     string
	Timeout time.Duration
	// OAuth, when ClientID is set, authenticates requests with the OAuth2
	// client credentials flow.
	OAuth clientcredentials.Config
}

// HTTPLookup queries a JSON geolocation API that answers with
// {"latitude": .., "longitude": ..} or an empty body / null when unknown.
type HTTPLookup struct {
	url    string
	client *http.Client
}

// NewHTTPLookup builds an HTTPLookup. ctx is used for token refreshes when
// OAuth is configured.
func NewHTTPLookup(ctx context.Context, cfg HTTPConfig) *HTTPLookup {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.OAuth.ClientID != "" {
		client = cfg.OAuth.Client(ctx)
		client.Timeout = timeout
	}
	return &HTTPLookup{url: cfg.URL, client: client}
}

type lookupResponse struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (l *HTTPLookup) Lookup(ctx context.Context, ip string) (Point, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(l.url, ip), nil)
	if err != nil {
		return Point{}, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Point{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Point{}, false, fmt.Errorf("geolocation service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Point{}, false, err
	}
	body = bytes.TrimSpace(body)
	switch strings.ToLower(string(body)) {
	case "", "null", "false", "[]", `""`:
		return Point{}, false, nil
	}

	var lr lookupResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return Point{}, false, fmt.Errorf("decoding geolocation response: %w", err)
	}
	if lr.Latitude == nil || lr.Longitude == nil {
		return Point{}, false, nil
	}
	return Point{Latitude: *lr.Latitude, Longitude: *lr.Longitude}, true, nil
}
