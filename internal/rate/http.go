package rate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"trading-valuation/internal/model"
)

var errNonPositive = errors.New("rate: non-positive value")

// HTTPSource fetches the rate from a REST endpoint. The body is either a
// bare JSON number or an object carrying "rate" or "value".
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates an HTTPSource with a 10s client timeout.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchRate implements model.RateSource.
func (s *HTTPSource) FetchRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("rate: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rate: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, fmt.Errorf("rate: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("rate: fetch: status %d", resp.StatusCode)
	}
	return parseRate(body)
}

func parseRate(body []byte) (float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return 0, fmt.Errorf("rate: decode: %w", err)
	}

	var v float64
	switch b := raw.(type) {
	case map[string]interface{}:
		for _, k := range []string{"rate", "value", "price"} {
			if x, ok := b[k]; ok {
				v = model.ToFloat(x)
				break
			}
		}
	default:
		v = model.ToFloat(b)
	}
	if v <= 0 {
		return 0, errNonPositive
	}
	return v, nil
}
