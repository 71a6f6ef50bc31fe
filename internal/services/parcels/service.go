package parcels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/scheduler"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

const defaultCarrier = "auto"

type Store interface {
	UpsertPackage(ctx context.Context, trackingNumber, carrier string) (*models.Package, bool, error)
	GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error)
	ListPackages(ctx context.Context, statuses ...models.Status) ([]*models.Package, error)
	ListEvents(ctx context.Context, trackingNumber string) ([]*models.Event, error)
	DeletePackage(ctx context.Context, trackingNumber string) (bool, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, batch models.EventBatch) (*reconciler.Outcome, error)
	Snapshot(ctx context.Context, trackingNumber string) (*models.PackageDetails, error)
}

type Syncer interface {
	SyncAll(ctx context.Context) (*scheduler.Report, error)
	SyncOne(ctx context.Context, trackingNumber string) (scheduler.PackageResult, error)
}

type CarrierSupport interface {
	Supports(carrierCode string) bool
}

// ServeFunc runs the webhook server on addr until ctx is done.
type ServeFunc func(ctx context.Context, addr string) error

type Service struct {
	store    Store
	rec      Reconciler
	syncer   Syncer
	carriers CarrierSupport
	serve    ServeFunc

	cache    cache.BytesCache
	cacheTTL time.Duration
}

func New(store Store, rec Reconciler, syncer Syncer) *Service {
	return &Service{store: store, rec: rec, syncer: syncer, cache: cache.Nop{}}
}

// WithCache serves Get from cached snapshots written by the reconciler.
func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	if c != nil && ttl > 0 {
		s.cache = c
		s.cacheTTL = ttl
	}
	return s
}

// WithCarriers rejects Add for carriers the remote client does not know.
func (s *Service) WithCarriers(c CarrierSupport) *Service {
	s.carriers = c
	return s
}

func (s *Service) WithServer(serve ServeFunc) *Service {
	s.serve = serve
	return s
}

type AddResult struct {
	Package *models.Package `json:"package"`
	Created bool            `json:"created"`
}

// Add starts tracking a number. Adding it again returns the existing package.
func (s *Service) Add(ctx context.Context, trackingNumber, carrierCode string) Result {
	return guard("add", func() (any, error) {
		tn := strings.TrimSpace(trackingNumber)
		if tn == "" {
			return nil, trackerr.InvalidInput("tracking number is required")
		}
		code := strings.TrimSpace(carrierCode)
		if code == "" {
			code = defaultCarrier
		}
		if s.carriers != nil && !s.carriers.Supports(code) {
			return nil, trackerr.InvalidInput("unsupported carrier %q", code)
		}

		pkg, created, err := s.store.UpsertPackage(ctx, tn, code)
		if err != nil {
			return nil, err
		}
		if created {
			slog.Info("package added", "tracking_number", tn, "carrier", code)
		}
		return AddResult{Package: pkg, Created: created}, nil
	})
}

// List returns packages, newest activity first. statusFilter is empty or a
// comma separated list of statuses.
func (s *Service) List(ctx context.Context, statusFilter string) Result {
	return guard("list", func() (any, error) {
		var statuses []models.Status
		for _, part := range strings.Split(statusFilter, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, ok := models.ParseStatus(part)
			if !ok {
				return nil, trackerr.InvalidInput("unknown status %q", strings.TrimSpace(part))
			}
			statuses = append(statuses, st)
		}
		pkgs, err := s.store.ListPackages(ctx, statuses...)
		if err != nil {
			return nil, err
		}
		if pkgs == nil {
			pkgs = []*models.Package{}
		}
		return pkgs, nil
	})
}

// Get returns a package with its history in carrier time order.
func (s *Service) Get(ctx context.Context, trackingNumber string) Result {
	return guard("get", func() (any, error) {
		tn := strings.TrimSpace(trackingNumber)
		if tn == "" {
			return nil, trackerr.InvalidInput("tracking number is required")
		}
		if d, hit := s.cached(ctx, tn); hit {
			return d, nil
		}

		// Only the reconciler writes the cache, under the package lock.
		d, err := s.rec.Snapshot(ctx, tn)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

func (s *Service) cached(ctx context.Context, tn string) (*models.PackageDetails, bool) {
	if s.cacheTTL <= 0 {
		return nil, false
	}
	b, hit, err := s.cache.Get(ctx, cache.PackageKey(tn))
	if err != nil {
		slog.Warn("cache get", "tracking_number", tn, "error", err.Error())
		return nil, false
	}
	if !hit {
		return nil, false
	}
	var d models.PackageDetails
	if err := json.Unmarshal(b, &d); err != nil || d.Package == nil {
		return nil, false
	}
	return &d, true
}

// SyncAll polls every active package. Per-package failures are inside the report.
func (s *Service) SyncAll(ctx context.Context) Result {
	return guard("sync_all", func() (any, error) {
		rep, err := s.syncer.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		return rep, nil
	})
}

func (s *Service) SyncOne(ctx context.Context, trackingNumber string) Result {
	return guard("sync_one", func() (any, error) {
		tn := strings.TrimSpace(trackingNumber)
		if tn == "" {
			return nil, trackerr.InvalidInput("tracking number is required")
		}
		res, err := s.syncer.SyncOne(ctx, tn)
		return res, err
	})
}

// Delete removes a package and its history.
func (s *Service) Delete(ctx context.Context, trackingNumber string) Result {
	return guard("delete", func() (any, error) {
		tn := strings.TrimSpace(trackingNumber)
		if tn == "" {
			return nil, trackerr.InvalidInput("tracking number is required")
		}
		deleted, err := s.store.DeletePackage(ctx, tn)
		if err != nil {
			return nil, err
		}
		if !deleted {
			return nil, trackerr.NotFound("package %s", tn)
		}
		if err := s.cache.Delete(ctx, cache.PackageKey(tn)); err != nil {
			slog.Warn("cache delete", "tracking_number", tn, "error", err.Error())
		}
		slog.Info("package deleted", "tracking_number", tn)
		return map[string]string{"tracking_number": tn}, nil
	})
}

// StartWebhookServer blocks until ctx is done or the server fails.
func (s *Service) StartWebhookServer(ctx context.Context, port int) Result {
	return guard("start_webhook_server", func() (any, error) {
		if s.serve == nil {
			return nil, trackerr.Internal(nil, "webhook server not wired")
		}
		if port < 0 || port > 65535 {
			return nil, trackerr.InvalidInput("port %d out of range", port)
		}
		addr := fmt.Sprintf(":%d", port)
		if err := s.serve(ctx, addr); err != nil {
			return nil, errors.Wrap(err, "webhook server")
		}
		return map[string]string{"addr": addr, "state": "stopped"}, nil
	})
}
