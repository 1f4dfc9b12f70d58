package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPSource fetches conversion rates from an external rate API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource configures an upstream rate source with a bounded request
// timeout. Timing out fails closed; the caller maps it to ErrRateUnavailable.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Fetch requests the rate for a currency pair.
func (s *HTTPSource) Fetch(ctx context.Context, from, to string) (float64, error) {
	if s.baseURL == "" {
		return 0, fmt.Errorf("rate api url not configured")
	}

	endpoint := fmt.Sprintf("%s/rates?from=%s&to=%s", s.baseURL, url.QueryEscape(from), url.QueryEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build rate request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate %s/%s: %w", from, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate api returned status %d for %s/%s", resp.StatusCode, from, to)
	}

	var payload struct {
		Rate float64 `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode rate response: %w", err)
	}
	if payload.Rate <= 0 {
		return 0, fmt.Errorf("rate api returned non-positive rate for %s/%s", from, to)
	}
	return payload.Rate, nil
}
