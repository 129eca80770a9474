package engine

import (
	"context"
	"log"
	"log/slog"
	"sync/atomic"

	"trading-valuation/internal/model"
)

// ChanPublisher hands results to an in-process consumer. Sends never block
// the loop: when a buffer is full the batch is dropped and counted.
type ChanPublisher struct {
	results chan []model.ValuationResult
	status  chan model.StatusEvent
	dropped atomic.Int64
}

// NewChanPublisher creates a ChanPublisher with the given buffer sizes.
func NewChanPublisher(buf int) *ChanPublisher {
	if buf <= 0 {
		buf = 64
	}
	return &ChanPublisher{
		results: make(chan []model.ValuationResult, buf),
		status:  make(chan model.StatusEvent, buf),
	}
}

// Results delivers published batches.
func (p *ChanPublisher) Results() <-chan []model.ValuationResult { return p.results }

// Status delivers published stream-status changes.
func (p *ChanPublisher) Status() <-chan model.StatusEvent { return p.status }

// Dropped returns how many sends were dropped.
func (p *ChanPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *ChanPublisher) PublishValuations(_ context.Context, results []model.ValuationResult) error {
	batch := make([]model.ValuationResult, len(results))
	copy(batch, results)
	select {
	case p.results <- batch:
	default:
		p.dropped.Add(1)
	}
	return nil
}

func (p *ChanPublisher) PublishStatus(_ context.Context, ev model.StatusEvent) error {
	select {
	case p.status <- ev:
	default:
		p.dropped.Add(1)
	}
	return nil
}

// LogPublisher writes results to the log. Used when no Redis is configured.
type LogPublisher struct{}

func (LogPublisher) PublishValuations(_ context.Context, results []model.ValuationResult) error {
	for _, r := range results {
		slog.Debug("[valuation]",
			"position", r.PositionID,
			"key", r.Key,
			"price", r.CurrentPrice,
			"pl", r.PL,
			"margin", r.Margin,
			"source", r.Source,
			"awaiting_rate", r.AwaitingRate,
			"stale", r.Stale,
		)
	}
	return nil
}

func (LogPublisher) PublishStatus(_ context.Context, ev model.StatusEvent) error {
	log.Printf("[stream:%s] %s", ev.Kind, ev.Status)
	return nil
}
