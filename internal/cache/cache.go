package cache

import (
	"context"
	"time"
)

// BytesCache stores opaque snapshots. A miss is (nil, false, nil).
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func PackageKey(trackingNumber string) string {
	return "parcel:pkg:" + trackingNumber
}

// CarrierWindowKey buckets requests to one carrier by wall-clock minute.
func CarrierWindowKey(carrier string, now time.Time) string {
	return "parcel:rl:" + carrier + ":" + now.UTC().Format("200601021504")
}

// Window is the state of a carrier's request budget after one request.
type Window struct {
	Allowed bool
	Count   int64
	// Wait is the time until the next window; zero when Allowed.
	Wait time.Duration
}

// Nop is used when no cache backend is configured.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error)       { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                     { return nil }
