package bus

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"trading-valuation/internal/model"
)

// FanOut broadcasts stream events to N subscriptions.
// Tick events are dropped for a subscriber whose buffer is full so a slow
// consumer cannot block the feed. Status events are delivered blocking until
// the subscriber reads, closes, or the context ends.
type FanOut struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	bufSize int

	// OnDrop is called when a tick is dropped for a subscriber.
	OnDrop func(subID string)

	// OnEmpty is called after the last subscription closes.
	OnEmpty func()
}

// Subscription is one consumer's view of the fan-out.
type Subscription struct {
	ID string

	ch   chan model.StreamEvent
	done chan struct{}
	once sync.Once
	fo   *FanOut
}

// New creates a FanOut with the given buffer size for subscription channels.
func New(outputBufferSize int) *FanOut {
	if outputBufferSize <= 0 {
		outputBufferSize = 1
	}
	return &FanOut{
		subs:    make(map[string]*Subscription),
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and registers a new subscription.
func (f *FanOut) Subscribe() *Subscription {
	s := &Subscription{
		ID:   uuid.NewString(),
		ch:   make(chan model.StreamEvent, f.bufSize),
		done: make(chan struct{}),
		fo:   f,
	}
	f.mu.Lock()
	f.subs[s.ID] = s
	f.mu.Unlock()
	return s
}

// Events returns the receive channel. It is closed when the subscription
// closes.
func (s *Subscription) Events() <-chan model.StreamEvent {
	return s.ch
}

// Done is closed when the subscription closes.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscription. Safe to call more than once and from
// any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		// Unblocks any Publish waiting on this subscriber before the lock
		// is taken below.
		close(s.done)

		f := s.fo
		f.mu.Lock()
		delete(f.subs, s.ID)
		close(s.ch)
		empty := len(f.subs) == 0
		f.mu.Unlock()

		if empty && f.OnEmpty != nil {
			f.OnEmpty()
		}
	})
}

// Len returns the number of live subscriptions.
func (f *FanOut) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Publish delivers ev to every live subscription.
func (f *FanOut) Publish(ctx context.Context, ev model.StreamEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for id, s := range f.subs {
		if ev.Type == model.EventStatus {
			select {
			case s.ch <- ev:
			case <-s.done:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case s.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(id)
			} else {
				log.Printf("[bus] subscriber %s full, dropping tick %s", id, ev.Tick.Key)
			}
		}
	}
}

// Run reads from input and publishes each event. Blocks until ctx is
// cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.Publish(ctx, ev)
		}
	}
}

// ChannelStat reports (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	ID  string
	Len int
	Cap int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, 0, len(f.subs))
	for id, s := range f.subs {
		stats = append(stats, ChannelStat{ID: id, Len: len(s.ch), Cap: cap(s.ch)})
	}
	return stats
}
