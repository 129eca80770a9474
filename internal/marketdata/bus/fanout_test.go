package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"trading-valuation/internal/model"
)

func tickEvent(key string) model.StreamEvent {
	return model.StreamEvent{
		Kind: model.StreamDomestic,
		Type: model.EventTick,
		Tick: model.Tick{Key: key, Bid: 100, Ask: 101, Last: 100.5},
		At:   time.Now(),
	}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	s1 := fo.Subscribe()
	s2 := fo.Subscribe()

	input := make(chan model.StreamEvent, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- tickEvent("3045")

	for i, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			if ev.Tick.Key != "3045" {
				t.Errorf("sub%d: expected key 3045, got %s", i, ev.Tick.Key)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timed out waiting for event", i)
		}
	}
}

func TestFanOut_DropsTicksForSlowConsumer(t *testing.T) {
	fo := New(1)
	var dropped atomic.Int32
	fo.OnDrop = func(string) { dropped.Add(1) }

	fast := fo.Subscribe()
	slow := fo.Subscribe()
	_ = slow

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fo.Publish(ctx, tickEvent("A"))
		<-fast.Events()
	}

	if dropped.Load() != 4 {
		t.Errorf("expected 4 drops for slow consumer, got %d", dropped.Load())
	}
}

func TestFanOut_StatusNotDropped(t *testing.T) {
	fo := New(1)
	sub := fo.Subscribe()

	ctx := context.Background()
	fo.Publish(ctx, tickEvent("A"))

	done := make(chan struct{})
	go func() {
		fo.Publish(ctx, model.StreamEvent{Kind: model.StreamForeign, Type: model.EventStatus, Status: model.StatusDisconnected})
		close(done)
	}()

	// Buffer is full with the tick; the status publish must wait for us.
	<-sub.Events()
	select {
	case ev := <-sub.Events():
		if ev.Type != model.EventStatus || ev.Status != model.StatusDisconnected {
			t.Errorf("expected disconnected status, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("status event was not delivered")
	}
	<-done
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	fo := New(1)
	var empties atomic.Int32
	fo.OnEmpty = func() { empties.Add(1) }

	sub := fo.Subscribe()
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel")
	}
	if fo.Len() != 0 {
		t.Errorf("expected 0 subscribers, got %d", fo.Len())
	}
	if empties.Load() != 1 {
		t.Errorf("expected OnEmpty once, got %d", empties.Load())
	}
}

func TestSubscription_CloseUnblocksStatusPublish(t *testing.T) {
	fo := New(1)
	sub := fo.Subscribe()
	ctx := context.Background()
	fo.Publish(ctx, tickEvent("A"))

	done := make(chan struct{})
	go func() {
		fo.Publish(ctx, model.StreamEvent{Type: model.EventStatus, Status: model.StatusConnected})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after subscriber closed")
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(4)
	fo.Subscribe()
	fo.Publish(context.Background(), tickEvent("A"))

	stats := fo.ChannelStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat, got %d", len(stats))
	}
	if stats[0].Len != 1 || stats[0].Cap != 4 {
		t.Errorf("expected 1/4, got %d/%d", stats[0].Len, stats[0].Cap)
	}
}
