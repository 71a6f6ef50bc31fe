package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/broker/messages"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

const (
	expiryStatusCode  = "expired"
	expiryDescription = "no carrier updates within staleness window"
)

type Store interface {
	UpsertPackage(ctx context.Context, trackingNumber, carrier string) (*models.Package, bool, error)
	GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error)
	AppendEvents(ctx context.Context, trackingNumber string, events []*models.Event) (int, *models.Package, error)
	ListEvents(ctx context.Context, trackingNumber string) ([]*models.Event, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Options struct {
	// CreateUnknown lets webhook and relay batches create packages that were never added.
	CreateUnknown  bool
	DefaultCarrier string

	CacheTTL time.Duration
	Topic    string
}

type Outcome struct {
	Package              *models.Package `json:"package"`
	PreviousStatus       models.Status   `json:"previous_status"`
	Applied              int             `json:"applied"`
	Duplicates           int             `json:"duplicates"`
	ClassificationMisses int             `json:"classification_misses"`
	Created              bool            `json:"created"`
}

func (o *Outcome) StatusChanged() bool {
	return o.Package != nil && o.Package.Status != o.PreviousStatus
}

type Stats struct {
	Reconciles           uint64 `json:"reconciles"`
	EventsApplied        uint64 `json:"events_applied"`
	Duplicates           uint64 `json:"duplicates"`
	ClassificationMisses uint64 `json:"classification_misses"`
	PackagesCreated      uint64 `json:"packages_created"`
}

// Reconciler is the only writer of events. Poll, webhook, relay and import
// batches all go through Reconcile.
type Reconciler struct {
	store    Store
	cache    cache.BytesCache
	producer Producer
	opts     Options
	locks    *keyLock
	now      func() time.Time

	reconciles atomic.Uint64
	applied    atomic.Uint64
	duplicates atomic.Uint64
	misses     atomic.Uint64
	created    atomic.Uint64
}

func New(store Store, opts Options) *Reconciler {
	if opts.DefaultCarrier == "" {
		opts.DefaultCarrier = "auto"
	}
	return &Reconciler{
		store: store,
		cache: cache.Nop{},
		opts:  opts,
		locks: newKeyLock(),
		now:   time.Now,
	}
}

// WithCache enables snapshot refresh after every applied batch.
func (r *Reconciler) WithCache(c cache.BytesCache) *Reconciler {
	if c != nil {
		r.cache = c
	}
	return r
}

// WithProducer enables PackageUpdated notifications.
func (r *Reconciler) WithProducer(p Producer) *Reconciler {
	r.producer = p
	return r
}

func (r *Reconciler) Stats() Stats {
	return Stats{
		Reconciles:           r.reconciles.Load(),
		EventsApplied:        r.applied.Load(),
		Duplicates:           r.duplicates.Load(),
		ClassificationMisses: r.misses.Load(),
		PackagesCreated:      r.created.Load(),
	}
}

// Reconcile merges batch into the package history and returns the new state.
// Calls for the same tracking number are serialized.
func (r *Reconciler) Reconcile(ctx context.Context, batch models.EventBatch) (*Outcome, error) {
	tn := strings.TrimSpace(batch.TrackingNumber)
	if tn == "" {
		return nil, trackerr.InvalidInput("tracking number is required")
	}
	batch.TrackingNumber = tn

	unlock := r.locks.Lock(tn)
	defer unlock()

	pkg, created, err := r.resolve(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Package: pkg, PreviousStatus: pkg.Status, Created: created}
	if created {
		r.created.Add(1)
	}

	events, misses, dropped := r.normalize(batch)
	out.ClassificationMisses = misses
	if len(events) > 0 {
		applied, updated, err := r.store.AppendEvents(ctx, tn, events)
		if err != nil {
			return nil, errors.Wrapf(err, "append events for %s", tn)
		}
		out.Applied = applied
		out.Package = updated
	}
	out.Duplicates = len(batch.Events) - dropped - out.Applied

	r.reconciles.Add(1)
	r.applied.Add(uint64(out.Applied))
	r.duplicates.Add(uint64(out.Duplicates))
	r.misses.Add(uint64(misses))

	if out.Applied > 0 || created {
		r.refreshCache(ctx, tn)
	}
	if out.Applied > 0 {
		r.publish(ctx, batch, out, events)
		slog.Info("reconciled",
			"tracking_number", tn,
			"source", batch.Source,
			"applied", out.Applied,
			"duplicates", out.Duplicates,
			"status", out.Package.Status,
			"previous_status", out.PreviousStatus,
		)
	}
	return out, nil
}

// Expire records a synthetic expired event at the given time.
func (r *Reconciler) Expire(ctx context.Context, trackingNumber string, at time.Time) (*Outcome, error) {
	return r.Reconcile(ctx, models.EventBatch{
		TrackingNumber: trackingNumber,
		Source:         models.SourceExpiry,
		ReceivedAt:     at,
		Events: []models.RawEvent{{
			Timestamp:   at,
			Description: expiryDescription,
			StatusCode:  expiryStatusCode,
		}},
	})
}

// Snapshot loads the package with its ordered history and caches it. It
// holds the package lock, so a concurrent reconcile never has its fresher
// snapshot overwritten.
func (r *Reconciler) Snapshot(ctx context.Context, trackingNumber string) (*models.PackageDetails, error) {
	tn := strings.TrimSpace(trackingNumber)
	if tn == "" {
		return nil, trackerr.InvalidInput("tracking number is required")
	}
	unlock := r.locks.Lock(tn)
	defer unlock()

	d, err := r.load(ctx, tn)
	if err != nil {
		return nil, err
	}
	r.setCache(ctx, tn, d)
	return d, nil
}

// refreshCache rewrites the cached snapshot. The caller holds the package lock.
// Failures are logged and dropped; the store stays the source of truth.
func (r *Reconciler) refreshCache(ctx context.Context, tn string) {
	if !r.caching() {
		return
	}
	d, err := r.load(ctx, tn)
	if err != nil {
		slog.Warn("cache refresh: load", "tracking_number", tn, "error", err.Error())
		_ = r.cache.Delete(ctx, cache.PackageKey(tn))
		return
	}
	r.setCache(ctx, tn, d)
}

func (r *Reconciler) caching() bool {
	_, nop := r.cache.(cache.Nop)
	return !nop && r.opts.CacheTTL > 0
}

func (r *Reconciler) load(ctx context.Context, tn string) (*models.PackageDetails, error) {
	pkg, err := r.store.GetPackage(ctx, tn)
	if err != nil {
		return nil, err
	}
	evs, err := r.store.ListEvents(ctx, tn)
	if err != nil {
		return nil, errors.Wrapf(err, "events of %s", tn)
	}
	if evs == nil {
		evs = []*models.Event{}
	}
	return &models.PackageDetails{Package: pkg, Events: evs}, nil
}

func (r *Reconciler) setCache(ctx context.Context, tn string, d *models.PackageDetails) {
	if !r.caching() {
		return
	}
	b, err := json.Marshal(d)
	if err != nil {
		slog.Warn("cache refresh: marshal", "tracking_number", tn, "error", err.Error())
		return
	}
	if err := r.cache.Set(ctx, cache.PackageKey(tn), b, r.opts.CacheTTL); err != nil {
		slog.Warn("cache refresh: set", "tracking_number", tn, "error", err.Error())
	}
}

func (r *Reconciler) resolve(ctx context.Context, batch models.EventBatch) (*models.Package, bool, error) {
	pkg, err := r.store.GetPackage(ctx, batch.TrackingNumber)
	if err == nil {
		return pkg, false, nil
	}
	if !trackerr.Is(err, trackerr.KindNotFound) || !r.mayCreate(batch.Source) {
		return nil, false, err
	}

	carrierCode := strings.TrimSpace(batch.Carrier)
	if carrierCode == "" {
		carrierCode = r.opts.DefaultCarrier
	}
	pkg, created, err := r.store.UpsertPackage(ctx, batch.TrackingNumber, carrierCode)
	if err != nil {
		return nil, false, errors.Wrapf(err, "create package %s", batch.TrackingNumber)
	}
	if created {
		slog.Info("package created implicitly", "tracking_number", batch.TrackingNumber, "source", batch.Source)
	}
	return pkg, created, nil
}

func (r *Reconciler) mayCreate(src models.Source) bool {
	switch src {
	case models.SourceImport:
		return true
	case models.SourceWebhook, models.SourceRelay:
		return r.opts.CreateUnknown
	default:
		return false
	}
}

// normalize returns the events to store, the classification misses and the
// number of events dropped as unusable.
func (r *Reconciler) normalize(batch models.EventBatch) ([]*models.Event, int, int) {
	receivedAt := batch.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}

	seen := make(map[string]struct{}, len(batch.Events))
	out := make([]*models.Event, 0, len(batch.Events))
	misses, dropped := 0, 0
	for _, raw := range batch.Events {
		code := strings.TrimSpace(raw.StatusCode)
		desc := strings.TrimSpace(raw.Description)
		if desc == "" {
			desc = code
		}
		if desc == "" {
			slog.Warn("dropping empty event", "tracking_number", batch.TrackingNumber, "source", batch.Source)
			dropped++
			continue
		}

		ts := raw.Timestamp
		// Receipt time is only substituted for pushed events.
		if ts.IsZero() && batch.Source == models.SourcePoll {
			slog.Warn("dropping polled event without carrier time",
				"tracking_number", batch.TrackingNumber,
				"description", desc,
			)
			dropped++
			continue
		}
		if ts.IsZero() {
			ts = receivedAt
			slog.Warn("event without timestamp, using receipt time",
				"tracking_number", batch.TrackingNumber,
				"source", batch.Source,
				"received_at", receivedAt,
			)
		}
		if !models.ValidEventTime(ts) {
			slog.Warn("dropping event with out-of-range time",
				"tracking_number", batch.TrackingNumber,
				"source", batch.Source,
				"timestamp", ts,
			)
			dropped++
			continue
		}
		ts = ts.UTC().Truncate(time.Second)

		key := models.DedupKey(batch.TrackingNumber, ts, desc)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		st, ok := Classify(code, desc)
		if !ok {
			misses++
			missed := code
			if missed == "" {
				missed = desc
			}
			slog.Warn("unclassified carrier event",
				"tracking_number", batch.TrackingNumber,
				"source", batch.Source,
				"error", trackerr.ClassificationMiss(missed).Error(),
			)
		}

		out = append(out, &models.Event{
			TrackingNumber: batch.TrackingNumber,
			Timestamp:      ts,
			Location:       strings.TrimSpace(raw.Location),
			Description:    desc,
			StatusRaw:      code,
			Status:         st,
			Source:         batch.Source,
			DedupKey:       key,
		})
	}
	return out, misses, dropped
}

func (r *Reconciler) publish(ctx context.Context, batch models.EventBatch, out *Outcome, events []*models.Event) {
	if r.producer == nil || r.opts.Topic == "" {
		return
	}
	msg := messages.PackageUpdated{
		TrackingNumber: out.Package.TrackingNumber,
		Carrier:        out.Package.Carrier,
		Source:         string(batch.Source),
		PreviousStatus: string(out.PreviousStatus),
		Status:         string(out.Package.Status),
		LastUpdate:     out.Package.LastUpdate,
		Applied:        out.Applied,
		Duplicates:     out.Duplicates,
		PublishedAt:    r.now().UTC(),
		Events:         make([]messages.PackageEvent, 0, len(events)),
	}
	for _, e := range events {
		msg.Events = append(msg.Events, messages.PackageEvent{
			Timestamp:   e.Timestamp,
			Location:    e.Location,
			Description: e.Description,
			StatusRaw:   e.StatusRaw,
			Status:      string(e.Status),
		})
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal package update", "tracking_number", msg.TrackingNumber, "error", err.Error())
		return
	}
	if err := r.producer.Publish(ctx, r.opts.Topic, []byte(msg.TrackingNumber), b); err != nil {
		slog.Warn("publish package update", "tracking_number", msg.TrackingNumber, "error", err.Error())
	}
}
