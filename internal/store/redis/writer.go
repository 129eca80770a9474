// Package redis publishes valuation output to Redis and persists the
// reference rate.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"trading-valuation/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 24 * time.Hour

	latestPrefix        = "val:latest:"
	valChannelPrefix    = "pub:val:"
	statusChannelPrefix = "pub:status:"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and pings the server.
func Connect(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// LatestKey is the key holding the last published result of a position.
func LatestKey(positionID string) string { return latestPrefix + positionID }

// ValuationChannel is the pubsub channel for results of an instrument key.
func ValuationChannel(key string) string { return valChannelPrefix + key }

// StatusChannel is the pubsub channel for a feed's status changes.
func StatusChannel(kind model.StreamKind) string { return statusChannelPrefix + string(kind) }

// Publisher implements model.ResultPublisher. Each batch is one pipeline
// of SET val:latest:{id} and PUBLISH pub:val:{key} per result, guarded by
// a circuit breaker. Results that cannot be written are held, latest per
// position, and written once the breaker closes again.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	ttl    time.Duration

	mu   sync.Mutex
	held map[string]model.ValuationResult

	// wmu serializes writes so written always reflects what Redis holds.
	wmu     sync.Mutex
	written map[string]time.Time
	exec    func(ctx context.Context, results []model.ValuationResult) error

	// Optional metrics hooks.
	OnWrite func(took time.Duration)
	OnHeld  func(pending int)
	OnFlush func(count int)
}

// NewPublisher creates a Publisher. A nil breaker gets the defaults.
func NewPublisher(client *goredis.Client, cb *CircuitBreaker) *Publisher {
	if cb == nil {
		cb = NewCircuitBreaker(0, 0)
	}
	p := &Publisher{
		client:  client,
		cb:      cb,
		ttl:     defaultLatestTTL,
		held:    make(map[string]model.ValuationResult),
		written: make(map[string]time.Time),
	}
	p.exec = p.pipeline

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		log.Printf("[redis] circuit %s -> %s", from, to)
		if to == StateClosed {
			go p.flushHeld()
		}
	}
	return p
}

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// PublishValuations implements model.ResultPublisher.
func (p *Publisher) PublishValuations(ctx context.Context, results []model.ValuationResult) error {
	if len(results) == 0 {
		return nil
	}
	err := p.cb.Execute(func() error { return p.write(ctx, results) })
	if err == nil {
		p.forget(results)
		return nil
	}
	p.hold(results)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return fmt.Errorf("redis: publish valuations: %w", err)
}

// PublishStatus implements model.ResultPublisher. Status changes are not
// held while the breaker is open; the stale flag on results carries them.
func (p *Publisher) PublishStatus(ctx context.Context, ev model.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode status: %w", err)
	}
	err = p.cb.Execute(func() error {
		return p.client.Publish(ctx, StatusChannel(ev.Kind), data).Err()
	})
	if err != nil && !errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("redis: publish status: %w", err)
	}
	return nil
}

// write pipelines results, skipping any older than the last one written for
// its position so a late flush of held results cannot regress val:latest.
func (p *Publisher) write(ctx context.Context, results []model.ValuationResult) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	fresh := make([]model.ValuationResult, 0, len(results))
	for _, r := range results {
		if last, ok := p.written[r.PositionID]; ok && r.ComputedAt.Before(last) {
			continue
		}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := p.exec(ctx, fresh); err != nil {
		return err
	}
	for _, r := range fresh {
		if r.ComputedAt.After(p.written[r.PositionID]) {
			p.written[r.PositionID] = r.ComputedAt
		}
	}
	return nil
}

// Drop forgets the write history of a closed position. A held result for it
// is still flushed.
func (p *Publisher) Drop(positionID string) {
	p.wmu.Lock()
	delete(p.written, positionID)
	p.wmu.Unlock()
}

func (p *Publisher) pipeline(ctx context.Context, results []model.ValuationResult) error {
	start := time.Now()
	pipe := p.client.Pipeline()
	for i := range results {
		r := &results[i]
		data := r.JSON()
		pipe.Set(ctx, LatestKey(r.PositionID), data, p.ttl)
		pipe.Publish(ctx, ValuationChannel(r.Key), data)
	}
	_, err := pipe.Exec(ctx)
	if p.OnWrite != nil {
		p.OnWrite(time.Since(start))
	}
	return err
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
