package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/derivlab/perpengine/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each
// instrument's last ticker is stored at key "ticker:{instrument}" with fields
// "price" and "ts" (Unix nanosecond timestamp). Executors write it on every
// tick; reconciliation and the close path read it when the broker does not
// echo a fill price.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb}
}

func tickerKey(instrument string) string {
	return "ticker:" + instrument
}

// SetLastPrice stores the latest ticker price and timestamp for an instrument.
func (pc *PriceCache) SetLastPrice(ctx context.Context, instrument string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, tickerKey(instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set last price %s: %w", instrument, err)
	}
	return nil
}

// LastPrice retrieves the latest cached price for an instrument. It returns
// domain.ErrNotFound when no price has been cached.
func (pc *PriceCache) LastPrice(ctx context.Context, instrument string) (float64, error) {
	vals, err := pc.rdb.HGetAll(ctx, tickerKey(instrument)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: get last price %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return 0, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse price %s: %w", instrument, err)
	}
	return price, nil
}

// LastPrices retrieves cached prices for multiple instruments using a
// pipeline. Instruments with no cached price are silently omitted.
func (pc *PriceCache) LastPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	if len(instruments) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(instruments))
	for _, ins := range instruments {
		cmds[ins] = pipe.HGetAll(ctx, tickerKey(ins))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: last prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(instruments))
	for ins, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		result[ins] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
