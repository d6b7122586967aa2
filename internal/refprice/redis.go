package refprice

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a capped Redis list per venue, so multiple
// engine instances screen trades against the same window.
type Redis struct {
	rdb    *redis.Client
	window int64
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client, window int, ttl time.Duration) *Redis {
	if window <= 0 {
		window = 32
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{rdb: rdb, window: int64(window), ttl: ttl}
}

func priceKey(venue string) string { return fmt.Sprintf("refprice:%s", venue) }

func (r *Redis) Record(ctx context.Context, venue string, priceBps int64) error {
	key := priceKey(venue)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, priceBps)
	pipe.LTrim(ctx, key, 0, r.window-1)
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("record reference price: %w", err)
	}
	return nil
}

func (r *Redis) Reference(ctx context.Context, venue string) (int64, bool, error) {
	vals, err := r.rdb.LRange(ctx, priceKey(venue), 0, r.window-1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("read reference window: %w", err)
	}
	if len(vals) == 0 {
		return 0, false, nil
	}

	var sum, n int64
	for _, v := range vals {
		p, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / n, true, nil
}
