package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"trading-valuation/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Reader reads published valuations back. Used by the watch command.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps an existing client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Latest returns the last published result of every position still held
// under val:latest:*, ordered by position ID.
func (r *Reader) Latest(ctx context.Context) ([]model.ValuationResult, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, latestPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: SCAN %s*: %w", latestPrefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: MGET: %w", err)
	}
	out := make([]model.ValuationResult, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var res model.ValuationResult
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			log.Printf("[redis-reader] skipping undecodable result: %v", err)
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

// Watch subscribes to every valuation channel and delivers decoded results
// until ctx is cancelled.
func (r *Reader) Watch(ctx context.Context, out chan<- model.ValuationResult) error {
	sub := r.client.PSubscribe(ctx, valChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: PSUBSCRIBE: %w", err)
	}
	log.Printf("[redis-reader] watching %s*", valChannelPrefix)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var res model.ValuationResult
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
