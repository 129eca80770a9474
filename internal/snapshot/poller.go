// Package snapshot polls the backend for the list of open positions.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"trading-valuation/internal/model"
)

// HTTPSource fetches position records from a REST endpoint returning either
// a JSON array or an object wrapping it under "data" or "positions".
type HTTPSource struct {
	URL    string
	Header http.Header
	Client *http.Client
}

// NewHTTPSource creates an HTTPSource with a 10s client timeout.
func NewHTTPSource(url string, header http.Header) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Header: header,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchPositions implements model.SnapshotSource.
func (s *HTTPSource) FetchPositions(ctx context.Context) ([]model.PositionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: build request: %w", err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("snapshot: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("snapshot: fetch: status %d", resp.StatusCode)
	}
	return DecodeRecords(body)
}

// DecodeRecords parses a positions document. An object without a "data" or
// "positions" array is an error, never an empty snapshot.
func DecodeRecords(body []byte) ([]model.PositionRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("snapshot: empty body")
	}
	if body[0] == '{' {
		var wrapped struct {
			Data      json.RawMessage `json:"data"`
			Positions json.RawMessage `json:"positions"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("snapshot: decode: %w", err)
		}
		switch {
		case len(wrapped.Data) > 0 && !bytes.Equal(wrapped.Data, []byte("null")):
			body = wrapped.Data
		case len(wrapped.Positions) > 0 && !bytes.Equal(wrapped.Positions, []byte("null")):
			body = wrapped.Positions
		default:
			return nil, fmt.Errorf("snapshot: response has no positions: %.200s", body)
		}
	}

	// Decode element by element so one malformed entry does not sink the batch.
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	out := make([]model.PositionRecord, 0, len(raws))
	for _, raw := range raws {
		var rec model.PositionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("[snapshot] skipping undecodable record: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Poller fetches snapshots on a fixed interval.
type Poller struct {
	source   model.SnapshotSource
	interval time.Duration

	// Optional metrics hooks.
	OnPoll  func(records int, took time.Duration)
	OnError func(err error)
}

// NewPoller creates a Poller. A zero interval defaults to 5s.
func NewPoller(source model.SnapshotSource, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{source: source, interval: interval}
}

// Run polls immediately and then every interval, sending each successful
// snapshot to out. Errors are logged and never stop the loop. Blocks until
// ctx is cancelled.
func (p *Poller) Run(ctx context.Context, out chan<- []model.PositionRecord) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx, out)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, out chan<- []model.PositionRecord) {
	start := time.Now()
	recs, err := p.source.FetchPositions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[snapshot] poll failed: %v", err)
		if p.OnError != nil {
			p.OnError(err)
		}
		return
	}
	if p.OnPoll != nil {
		p.OnPoll(len(recs), time.Since(start))
	}

	select {
	case out <- recs:
	case <-ctx.Done():
	}
}
