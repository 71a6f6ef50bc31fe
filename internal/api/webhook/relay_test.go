package webhook

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
)

type failingReconciler struct{ err error }

func (r failingReconciler) Reconcile(context.Context, models.EventBatch) (*reconciler.Outcome, error) {
	return nil, r.err
}

func TestRelayHandler(t *testing.T) {
	ing, st := newTestIngestor(t, reconciler.Options{}, "A1")
	h := RelayHandler(ing)
	ctx := context.Background()

	require.NoError(t, h(ctx, []byte("A1"), []byte(`{"tracking_number":"A1","status":"InTransit","timestamp":"2025-03-01T08:00:00Z"}`)))
	evs, err := st.ListEvents(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.SourceRelay, evs[0].Source)

	// Poison and unknown payloads are committed, not retried forever.
	require.NoError(t, h(ctx, nil, []byte(`not json`)))
	require.NoError(t, h(ctx, nil, []byte(`{"tracking_number":"ZZZ","status":"Delivered"}`)))
}

func TestRelayHandler_StoreFailureIsRedelivered(t *testing.T) {
	ing, err := NewIngestor(failingReconciler{err: errors.New("database is locked")})
	require.NoError(t, err)

	err = RelayHandler(ing)(context.Background(), nil, []byte(`{"tracking_number":"A1","status":"Delivered"}`))
	require.ErrorContains(t, err, "database is locked")
}
