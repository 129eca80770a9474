// Package coalesce throttles high-frequency foreign ticks into periodic batches.
//
// Ticks are buffered by key with the latest tick winning. The first tick into
// an empty buffer arms a timer; when it fires the buffer is drained into a
// single batch. A burst of any size therefore yields at most one batch per
// interval.
package coalesce

import (
	"context"
	"log"
	"time"

	"trading-valuation/internal/model"
)

// DefaultInterval is the batching window.
const DefaultInterval = 150 * time.Millisecond

// Coalescer batches ticks by key. It runs in a single goroutine.
type Coalescer struct {
	interval time.Duration

	// OnFlush is called after each batch is emitted with the batch size and
	// the number of ticks that were superseded inside the window.
	OnFlush func(batchSize, coalesced int)
}

// New creates a Coalescer. A zero interval uses DefaultInterval.
func New(interval time.Duration) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{interval: interval}
}

// Run consumes ticks from in and sends batches to out until ctx is cancelled
// or in is closed. Pending ticks are flushed on exit and out is closed.
func (c *Coalescer) Run(ctx context.Context, in <-chan model.Tick, out chan<- []model.Tick) {
	defer close(out)

	var (
		order     []string
		latest    = make(map[string]model.Tick)
		coalesced int
		timer     *time.Timer
		fire      <-chan time.Time
	)

	take := func() []model.Tick {
		batch := make([]model.Tick, 0, len(order))
		for _, k := range order {
			batch = append(batch, latest[k])
		}
		n := coalesced
		order = order[:0]
		latest = make(map[string]model.Tick)
		coalesced = 0
		if c.OnFlush != nil {
			c.OnFlush(len(batch), n)
		}
		return batch
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if len(order) > 0 {
				batch := take()
				select {
				case out <- batch:
				default:
					log.Printf("[coalesce] out full on shutdown, dropping batch of %d", len(batch))
				}
			}
			return

		case t, ok := <-in:
			if !ok {
				if timer != nil {
					timer.Stop()
				}
				if len(order) > 0 {
					batch := take()
					select {
					case out <- batch:
					case <-ctx.Done():
					}
				}
				return
			}
			if _, seen := latest[t.Key]; seen {
				coalesced++
			} else {
				order = append(order, t.Key)
			}
			latest[t.Key] = t
			if fire == nil {
				timer = time.NewTimer(c.interval)
				fire = timer.C
			}

		case <-fire:
			fire = nil
			timer = nil
			if len(order) == 0 {
				continue
			}
			batch := take()
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}
