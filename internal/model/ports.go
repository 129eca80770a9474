package model

import "context"

// ── Port Interfaces ──
// These interfaces decouple the engine from concrete endpoints and storage
// (HTTP, Redis, SQLite). Each implementation satisfies one of them.

// RateSource fetches the reference foreign-to-home conversion rate.
type RateSource interface {
	// FetchRate returns the current rate. A non-positive value is an error.
	FetchRate(ctx context.Context) (float64, error)
}

// RateStore persists the last known good conversion rate.
type RateStore interface {
	// SaveRate persists a freshly fetched rate.
	SaveRate(ctx context.Context, rate ExchangeRate) error

	// LoadRate returns the last persisted rate.
	// Returns a zero ExchangeRate and nil if nothing was stored yet.
	LoadRate(ctx context.Context) (ExchangeRate, error)
}

// SnapshotSource returns the current list of open positions from the backend.
type SnapshotSource interface {
	FetchPositions(ctx context.Context) ([]PositionRecord, error)
}

// ResultPublisher hands valuation output to the presentation layer.
type ResultPublisher interface {
	// PublishValuations delivers a batch of recomputed results.
	PublishValuations(ctx context.Context, results []ValuationResult) error

	// PublishStatus delivers a stream connectivity change.
	PublishStatus(ctx context.Context, ev StatusEvent) error
}
