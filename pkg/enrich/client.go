// Package enrich backfills missing city attributes from a GeoNames-style
// search service.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ExternalServiceError reports a search call that failed or timed out.
type ExternalServiceError struct {
	City   string
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *ExternalServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("geocoder %q: HTTP %d: %v", e.City, e.Status, e.Err)
	}
	return fmt.Sprintf("geocoder %q: %v", e.City, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// Number is a JSON number that may also arrive as a quoted string, as
// GeoNames does for coordinates.
type Number struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts 1.5, "1.5", "", and null.
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = Number{}
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("number %s: %w", b, err)
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// Candidate is one place returned by the search service.
type Candidate struct {
	Name          string `json:"name"`
	ToponymName   string `json:"toponymName"`
	AdminName1    string `json:"adminName1"`
	CountryName   string `json:"countryName"`
	CountryCode   string `json:"countryCode"`
	ContinentCode string `json:"continentCode"`
	Lat           Number `json:"lat"`
	Lng           Number `json:"lng"`
	Population    Number `json:"population"`
	FCode         string `json:"fcode"`
}

type searchResponse struct {
	Total    int         `json:"totalResultsCount"`
	Geonames []Candidate `json:"geonames"`
	Status   *struct {
		Message string `json:"message"`
		Value   int    `json:"value"`
	} `json:"status"`
}

// Config holds the search client settings.
type Config struct {
	BaseURL  string
	Username string
	// Delay is the minimum interval between two requests.
	Delay   time.Duration
	Timeout time.Duration
	Retries int
	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff time.Duration
	MaxRows int
}

// DefaultConfig returns the settings used for the public GeoNames service.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://api.geonames.org",
		Username: "demo",
		Delay:    time.Second,
		Timeout:  10 * time.Second,
		Retries:  2,
		Backoff:  2 * time.Second,
		MaxRows:  10,
	}
}

// Client queries the search service one request at a time.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Client. Zero fields of cfg take DefaultConfig values,
// except Delay, Retries and Backoff where zero is meaningful.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Username == "" {
		cfg.Username = def.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Query builds the free-text query: the name plus any known state and country.
func Query(name, state, country string) string {
	parts := []string{strings.TrimSpace(name)}
	for _, p := range []string{state, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Search returns the raw candidates for a city, in service order.
func (c *Client) Search(ctx context.Context, name, state, country string) ([]Candidate, error) {
	q := url.Values{}
	q.Set("q", Query(name, state, country))
	q.Set("maxRows", strconv.Itoa(c.cfg.MaxRows))
	q.Set("style", "FULL")
	q.Set("username", c.cfg.Username)
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/searchJSON?" + q.Encode()

	var lastErr *ExternalServiceError
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.Backoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		cands, retry, err := c.do(ctx, endpoint)
		if err == nil {
			return cands, nil
		}
		lastErr = err
		lastErr.City = name
		if !retry {
			break
		}
	}
	return nil, lastErr
}

// do performs one request. retry reports whether another attempt may help.
func (c *Client) do(ctx context.Context, endpoint string) ([]Candidate, bool, *ExternalServiceError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, &ExternalServiceError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, &ExternalServiceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retry, &ExternalServiceError{Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, &ExternalServiceError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.Status != nil {
		// GeoNames reports quota and auth failures in-band with HTTP 200.
		return nil, false, &ExternalServiceError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("service status %d: %s", body.Status.Value, body.Status.Message),
		}
	}
	return body.Geonames, false, nil
}
