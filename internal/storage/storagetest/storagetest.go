// Package storagetest holds the behavior every tracking store must share.
// Store packages run it from their own tests against a fresh database.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

type Store interface {
	UpsertPackage(ctx context.Context, trackingNumber, carrier string) (*models.Package, bool, error)
	AppendEvents(ctx context.Context, trackingNumber string, events []*models.Event) (int, *models.Package, error)
	GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error)
	ListPackages(ctx context.Context, statuses ...models.Status) ([]*models.Package, error)
	ListEvents(ctx context.Context, trackingNumber string) ([]*models.Event, error)
	DeletePackage(ctx context.Context, trackingNumber string) (bool, error)
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func event(tn string, ts time.Time, desc string, st models.Status) *models.Event {
	return &models.Event{
		TrackingNumber: tn,
		Timestamp:      ts,
		Description:    desc,
		Status:         st,
		Source:         models.SourcePoll,
		DedupKey:       models.DedupKey(tn, ts, desc),
	}
}

// Run executes the shared store checks. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("upsert is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p, created, err := s.UpsertPackage(ctx, "1234567890", "sf_express")
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, models.StatusPending, p.Status)
		require.Equal(t, p.CreatedAt, p.LastUpdate)

		again, created, err := s.UpsertPackage(ctx, "1234567890", "usps")
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, "sf_express", again.Carrier)
		require.Equal(t, p.ID, again.ID)
	})

	t.Run("get missing is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetPackage(context.Background(), "nope")
		require.True(t, trackerr.Is(err, trackerr.KindNotFound))

		_, err = s.ListEvents(context.Background(), "nope")
		require.True(t, trackerr.Is(err, trackerr.KindNotFound))
	})

	t.Run("append to missing package is not found", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.AppendEvents(context.Background(), "nope", []*models.Event{
			event("nope", base, "picked up", models.StatusInTransit),
		})
		require.True(t, trackerr.Is(err, trackerr.KindNotFound))
	})

	t.Run("append dedups and derives state", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const tn = "1234567890"
		_, _, err := s.UpsertPackage(ctx, tn, "sf_express")
		require.NoError(t, err)

		t1, t2 := base.Add(time.Hour), base.Add(2*time.Hour)
		batch := []*models.Event{
			event(tn, t1, "picked up", models.StatusInTransit),
			event(tn, t2, "delivered", models.StatusDelivered),
		}

		applied, p, err := s.AppendEvents(ctx, tn, batch)
		require.NoError(t, err)
		require.Equal(t, 2, applied)
		require.Equal(t, models.StatusDelivered, p.Status)
		require.True(t, t2.Equal(p.LastUpdate))

		applied, p, err = s.AppendEvents(ctx, tn, batch)
		require.NoError(t, err)
		require.Zero(t, applied)
		require.Equal(t, models.StatusDelivered, p.Status)

		// Earlier event arriving late lands first in history and leaves status alone.
		late := event(tn, base.Add(30*time.Minute), "label created", models.StatusPending)
		late.Source = models.SourceWebhook
		applied, p, err = s.AppendEvents(ctx, tn, []*models.Event{late})
		require.NoError(t, err)
		require.Equal(t, 1, applied)
		require.Equal(t, models.StatusDelivered, p.Status)
		require.True(t, t2.Equal(p.LastUpdate))

		evs, err := s.ListEvents(ctx, tn)
		require.NoError(t, err)
		require.Len(t, evs, 3)
		require.Equal(t, "label created", evs[0].Description)
		require.Equal(t, models.SourceWebhook, evs[0].Source)
		require.Equal(t, "picked up", evs[1].Description)
		require.Equal(t, "delivered", evs[2].Description)
		for i := 1; i < len(evs); i++ {
			require.False(t, evs[i].Timestamp.Before(evs[i-1].Timestamp))
		}
		require.Equal(t, tn, evs[0].TrackingNumber)
		require.Equal(t, models.DedupKey(tn, base.Add(30*time.Minute), "label created"), evs[0].DedupKey)
	})

	t.Run("unclassified event keeps status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const tn = "UNK1"
		_, _, err := s.UpsertPackage(ctx, tn, "usps")
		require.NoError(t, err)

		_, _, err = s.AppendEvents(ctx, tn, []*models.Event{event(tn, base, "in transit", models.StatusInTransit)})
		require.NoError(t, err)
		odd := event(tn, base.Add(time.Hour), "customs paperwork filed", "")
		odd.StatusRaw = "CUSTOMS_XYZ"
		applied, p, err := s.AppendEvents(ctx, tn, []*models.Event{odd})
		require.NoError(t, err)
		require.Equal(t, 1, applied)
		require.Equal(t, models.StatusInTransit, p.Status)
		require.True(t, base.Add(time.Hour).Equal(p.LastUpdate))
	})

	t.Run("list filters by status and orders by last update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, tn := range []string{"A", "B", "C"} {
			_, _, err := s.UpsertPackage(ctx, tn, "usps")
			require.NoError(t, err)
		}
		_, _, err := s.AppendEvents(ctx, "A", []*models.Event{event("A", base.Add(time.Hour), "in transit", models.StatusInTransit)})
		require.NoError(t, err)
		_, _, err = s.AppendEvents(ctx, "B", []*models.Event{event("B", base.Add(3*time.Hour), "delivered", models.StatusDelivered)})
		require.NoError(t, err)
		_, _, err = s.AppendEvents(ctx, "C", []*models.Event{event("C", base.Add(2*time.Hour), "in transit", models.StatusInTransit)})
		require.NoError(t, err)

		all, err := s.ListPackages(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"B", "C", "A"}, numbers(all))

		active, err := s.ListPackages(ctx, models.StatusInTransit, models.StatusPending)
		require.NoError(t, err)
		require.Equal(t, []string{"C", "A"}, numbers(active))

		none, err := s.ListPackages(ctx, models.StatusReturned)
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _, err := s.UpsertPackage(ctx, "D1", "dhl")
		require.NoError(t, err)
		_, _, err = s.AppendEvents(ctx, "D1", []*models.Event{event("D1", base, "picked up", models.StatusInTransit)})
		require.NoError(t, err)

		ok, err := s.DeletePackage(ctx, "D1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.DeletePackage(ctx, "D1")
		require.NoError(t, err)
		require.False(t, ok)

		// Re-adding starts from an empty history.
		_, created, err := s.UpsertPackage(ctx, "D1", "dhl")
		require.NoError(t, err)
		require.True(t, created)
		evs, err := s.ListEvents(ctx, "D1")
		require.NoError(t, err)
		require.Empty(t, evs)
	})

	t.Run("concurrent appends for one package stay consistent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const tn = "RACE1"
		_, _, err := s.UpsertPackage(ctx, tn, "usps")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ts := base.Add(time.Duration(i) * time.Minute)
				_, _, err := s.AppendEvents(ctx, tn, []*models.Event{
					event(tn, ts, "in transit", models.StatusInTransit),
					event(tn, base, "picked up", models.StatusInTransit),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		evs, err := s.ListEvents(ctx, tn)
		require.NoError(t, err)
		// Eight distinct transit scans plus the shared pickup.
		require.Len(t, evs, 9)

		p, err := s.GetPackage(ctx, tn)
		require.NoError(t, err)
		require.True(t, base.Add(7*time.Minute).Equal(p.LastUpdate))
	})
}

func numbers(ps []*models.Package) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.TrackingNumber)
	}
	return out
}
