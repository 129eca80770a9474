package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trading-valuation/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// DefaultRateKey holds the last good conversion rate.
const DefaultRateKey = "rate:latest"

// RateStore implements model.RateStore with a single JSON value.
type RateStore struct {
	client *goredis.Client
	key    string
}

// NewRateStore creates a RateStore. An empty key uses DefaultRateKey.
func NewRateStore(client *goredis.Client, key string) *RateStore {
	if key == "" {
		key = DefaultRateKey
	}
	return &RateStore{client: client, key: key}
}

// SaveRate stores the rate without expiry.
func (s *RateStore) SaveRate(ctx context.Context, r model.ExchangeRate) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: encode rate: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: SET %s: %w", s.key, err)
	}
	return nil
}

// LoadRate returns the stored rate, or a zero value if none was saved.
func (s *RateStore) LoadRate(ctx context.Context) (model.ExchangeRate, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.ExchangeRate{}, nil
	}
	if err != nil {
		return model.ExchangeRate{}, fmt.Errorf("redis: GET %s: %w", s.key, err)
	}
	var r model.ExchangeRate
	if err := json.Unmarshal(data, &r); err != nil {
		return model.ExchangeRate{}, fmt.Errorf("redis: decode rate: %w", err)
	}
	return r, nil
}
