package webhook

import (
	"context"
	"log/slog"

	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

// RelayHandler feeds relayed push payloads through the ingestor. Payloads that
// can never succeed are logged and committed; anything else is left for redelivery.
func RelayHandler(ing *Ingestor) kafka.Handler {
	return func(ctx context.Context, key, value []byte) error {
		out, err := ing.Ingest(ctx, value, models.SourceRelay)
		switch {
		case err == nil:
			slog.Debug("relay payload reconciled",
				"tracking_number", out.Package.TrackingNumber,
				"applied", out.Applied,
			)
			return nil
		case trackerr.Is(err, trackerr.KindInvalidInput), trackerr.Is(err, trackerr.KindNotFound):
			slog.Warn("relay payload dropped", "key", string(key), "error", err.Error())
			return nil
		default:
			return err
		}
	}
}
