package carrier

import (
	"context"
	"strings"

	"github.com/BearBump/ParcelSync/internal/models"
)

// Client fetches the carrier's current event list for one package.
// Failures are *trackerr.Error values so callers can pick a retry policy.
type Client interface {
	Fetch(ctx context.Context, trackingNumber, carrierCode string) (models.EventBatch, error)
	Supports(carrierCode string) bool
}

// NormalizeCode lowercases a carrier code and trims it.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Allowlist reports whether code is in allowed. An empty list allows every carrier.
func Allowlist(allowed []string, code string) bool {
	if len(allowed) == 0 {
		return true
	}
	code = NormalizeCode(code)
	for _, a := range allowed {
		if NormalizeCode(a) == code {
			return true
		}
	}
	return false
}
