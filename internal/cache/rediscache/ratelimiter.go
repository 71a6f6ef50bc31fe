package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/BearBump/ParcelSync/internal/cache"
)

// windowTTL keeps a minute bucket slightly past its minute.
const windowTTL = 70 * time.Second

// CarrierLimiter counts carrier requests in wall-clock minute buckets kept in
// Redis, so every process polling with the same API account shares one budget.
type CarrierLimiter struct {
	c *redis.Client
}

func NewCarrierLimiter(addr string) *CarrierLimiter {
	return &CarrierLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Take counts one request to carrierCode in the minute holding now.
func (l *CarrierLimiter) Take(ctx context.Context, carrierCode string, perMinute int64, now time.Time) (cache.Window, error) {
	now = now.UTC()
	key := cache.CarrierWindowKey(carrierCode, now)

	pipe := l.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return cache.Window{}, errors.Wrapf(err, "redis take %s", key)
	}

	w := cache.Window{Count: incr.Val()}
	w.Allowed = w.Count <= perMinute
	if !w.Allowed {
		w.Wait = now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	}
	return w, nil
}

func (l *CarrierLimiter) Close() error {
	return l.c.Close()
}
