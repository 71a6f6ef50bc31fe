package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/trackerr"
)

type Repository interface {
	GetPackage(ctx context.Context, trackingNumber string) (*models.Package, error)
	ListPackages(ctx context.Context, statuses ...models.Status) ([]*models.Package, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, batch models.EventBatch) (*reconciler.Outcome, error)
	Expire(ctx context.Context, trackingNumber string, at time.Time) (*reconciler.Outcome, error)
}

type RateLimiter interface {
	Take(ctx context.Context, carrierCode string, perMinute int64, now time.Time) (cache.Window, error)
}

// Scheduler drives periodic polling of every non-terminal package.
type Scheduler struct {
	repo       Repository
	carrier    carrier.Client
	reconciler Reconciler

	rl                 RateLimiter
	rateLimitPerMinute int64

	interval     time.Duration
	concurrency  int
	fetchTimeout time.Duration
	staleness    time.Duration
	retry        RetryPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	triggerCh chan struct{}

	// pausedUntil is shared by every scheduled fetch after a rate-limited response.
	pausedUntil atomic.Int64

	startedAtUnixNano   int64
	lastRunUnixNano     atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalProcessed      atomic.Int64
	totalFailed         atomic.Int64
	inFlight            atomic.Int64
	lastMu              sync.Mutex
	lastRunID           string
	lastError           string
}

func New(repo Repository, c carrier.Client, r Reconciler) *Scheduler {
	return &Scheduler{
		repo:              repo,
		carrier:           c,
		reconciler:        r,
		interval:          30 * time.Minute,
		concurrency:       4,
		fetchTimeout:      10 * time.Second,
		staleness:         30 * 24 * time.Hour,
		retry:             DefaultRetryPolicy(),
		now:               time.Now,
		sleep:             sleepCtx,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithSettings(interval time.Duration, concurrency int, fetchTimeout time.Duration) *Scheduler {
	if interval > 0 {
		s.interval = interval
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if fetchTimeout > 0 {
		s.fetchTimeout = fetchTimeout
	}
	return s
}

func (s *Scheduler) WithRetry(p RetryPolicy) *Scheduler {
	s.retry = p.withDefaults()
	return s
}

// WithRateLimiter paces scheduled fetches per carrier and minute.
func (s *Scheduler) WithRateLimiter(rl RateLimiter, perMinute int) *Scheduler {
	s.rl = rl
	s.rateLimitPerMinute = int64(perMinute)
	return s
}

// WithStaleness sets how long an active package may go without updates
// before it is expired. Zero disables expiry.
func (s *Scheduler) WithStaleness(d time.Duration) *Scheduler {
	s.staleness = d
	return s
}

// Trigger forces an immediate run (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	LastRunID      string     `json:"lastRunId,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	PausedUntil    *time.Time `json:"pausedUntil,omitempty"`
	TotalRuns      int64      `json:"totalRuns"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalFailed    int64      `json:"totalFailed"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalRuns:      s.totalRuns.Load(),
		TotalProcessed: s.totalProcessed.Load(),
		TotalFailed:    s.totalFailed.Load(),
		InFlight:       s.inFlight.Load(),
	}
	if n := s.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	if n := s.pausedUntil.Load(); n > s.now().UnixNano() {
		t := time.Unix(0, n).UTC()
		st.PausedUntil = &t
	}
	s.lastMu.Lock()
	st.LastRunID = s.lastRunID
	st.LastError = s.lastError
	s.lastMu.Unlock()
	return st
}

// Run syncs on every tick or trigger until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	slog.Info("scheduler started", "interval", s.interval, "concurrency", s.concurrency)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduled sync", "error", err.Error())
	}
}

// SyncAll polls every package that is not in a terminal state. A failing
// package is reported in the result list and never stops the run. Cancelling
// ctx stops the run between packages; packages not started are reported as skipped.
func (s *Scheduler) SyncAll(ctx context.Context) (*Report, error) {
	rep := &Report{
		RunID:     ulid.Make().String(),
		StartedAt: s.now().UTC(),
	}
	s.lastRunUnixNano.Store(rep.StartedAt.UnixNano())
	s.totalRuns.Add(1)

	pkgs, err := s.repo.ListPackages(ctx, models.ActiveStatuses()...)
	if err != nil {
		s.setLast(rep.RunID, err)
		return nil, errors.Wrap(err, "list active packages")
	}
	rep.Results = make([]PackageResult, len(pkgs))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, pkg := range pkgs {
		select {
		case <-ctx.Done():
			rep.Results[i] = skipped(pkg)
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		s.inFlight.Add(1)
		go func(i int, pkg *models.Package) {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if ctx.Err() != nil {
				rep.Results[i] = skipped(pkg)
				return
			}
			rep.Results[i], _ = s.syncPackage(ctx, pkg, true)
		}(i, pkg)
	}
	wg.Wait()

	rep.FinishedAt = s.now().UTC()
	rep.tally()

	s.totalProcessed.Add(int64(rep.Total - rep.Skipped))
	s.totalFailed.Add(int64(rep.Failed))
	var lastErr error
	for _, res := range rep.Results {
		if res.Outcome == OutcomeFailed {
			lastErr = errors.New(res.TrackingNumber + ": " + res.Error)
		}
	}
	s.setLast(rep.RunID, lastErr)

	slog.Info("sync run finished",
		"run_id", rep.RunID,
		"total", rep.Total,
		"updated", rep.Updated,
		"unchanged", rep.Unchanged,
		"expired", rep.Expired,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"applied", rep.Applied,
		"duration", rep.FinishedAt.Sub(rep.StartedAt),
	)
	return rep, nil
}

// SyncOne polls a single package regardless of its status. It ignores the
// pause shared by scheduled runs but still waits out its own rate-limit cooldown.
func (s *Scheduler) SyncOne(ctx context.Context, trackingNumber string) (PackageResult, error) {
	pkg, err := s.repo.GetPackage(ctx, trackingNumber)
	if err != nil {
		return PackageResult{TrackingNumber: trackingNumber, Outcome: OutcomeFailed, ErrorKind: trackerr.KindOf(err), Error: err.Error()}, err
	}
	return s.syncPackage(ctx, pkg, false)
}

// syncPackage returns the result entry and the failure, if any, that it records.
func (s *Scheduler) syncPackage(ctx context.Context, pkg *models.Package, scheduled bool) (PackageResult, error) {
	res := PackageResult{TrackingNumber: pkg.TrackingNumber, Status: pkg.Status}

	batch, attempts, err := s.fetch(ctx, pkg, scheduled)
	res.Attempts = attempts
	if err != nil && ctx.Err() != nil {
		return skipped(pkg), err
	}

	if err == nil {
		if batch.TrackingNumber == "" {
			batch.TrackingNumber = pkg.TrackingNumber
		}
		if batch.Carrier == "" {
			batch.Carrier = pkg.Carrier
		}
		if batch.Source == "" {
			batch.Source = models.SourcePoll
		}
		// A started reconcile always finishes; cancellation only stops the run between packages.
		out, rerr := s.reconciler.Reconcile(context.WithoutCancel(ctx), batch)
		if rerr != nil {
			err = rerr
		} else {
			pkg = out.Package
			res.Applied = out.Applied
			res.Status = out.Package.Status
			res.Outcome = OutcomeUnchanged
			if out.Applied > 0 {
				res.Outcome = OutcomeUpdated
			}
		}
	}
	if err != nil {
		res.fail(err)
		slog.Error("sync package",
			"tracking_number", pkg.TrackingNumber,
			"carrier", pkg.Carrier,
			"attempts", attempts,
			"error", err.Error(),
		)
	}

	if scheduled && s.isStale(pkg) && (err == nil || trackerr.Is(err, trackerr.KindNotFound)) {
		out, xerr := s.reconciler.Expire(context.WithoutCancel(ctx), pkg.TrackingNumber, s.now().UTC())
		if xerr != nil {
			slog.Error("expire package", "tracking_number", pkg.TrackingNumber, "error", xerr.Error())
			return res, err
		}
		slog.Info("package expired", "tracking_number", pkg.TrackingNumber, "last_update", pkg.LastUpdate)
		return PackageResult{
			TrackingNumber: pkg.TrackingNumber,
			Outcome:        OutcomeExpired,
			Applied:        res.Applied + out.Applied,
			Status:         out.Package.Status,
			Attempts:       attempts,
		}, nil
	}
	return res, err
}

func (s *Scheduler) isStale(pkg *models.Package) bool {
	return s.staleness > 0 && !pkg.Status.Terminal() && s.now().Sub(pkg.LastUpdate) > s.staleness
}

// fetch calls the carrier with a per-call timeout, retrying transient and
// rate-limited failures within the attempt budget.
func (s *Scheduler) fetch(ctx context.Context, pkg *models.Package, scheduled bool) (models.EventBatch, int, error) {
	bo := s.retry.newBackOff()
	var lastErr error
	attempts := 0
	for attempts < s.retry.MaxAttempts {
		if scheduled {
			if err := s.waitShared(ctx); err != nil {
				return models.EventBatch{}, attempts, err
			}
			s.pace(ctx, pkg.Carrier)
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		batch, err := s.carrier.Fetch(callCtx, pkg.TrackingNumber, pkg.Carrier)
		cancel()
		if err == nil {
			return batch, attempts, nil
		}
		lastErr = s.classify(ctx, err)

		var wait time.Duration
		rateLimited := trackerr.Is(lastErr, trackerr.KindRateLimited)
		if rateLimited {
			wait = trackerr.CooldownOf(lastErr)
			if wait <= 0 {
				wait = s.retry.DefaultCooldown
			}
			slog.Warn("carrier rate limited",
				"tracking_number", pkg.TrackingNumber,
				"carrier", pkg.Carrier,
				"cooldown", wait,
			)
			// The pause holds back the next package even when this one is out of attempts.
			if scheduled {
				s.pauseFor(wait)
			}
		}
		if !trackerr.Retryable(lastErr) || attempts >= s.retry.MaxAttempts {
			break
		}

		if rateLimited {
			if scheduled {
				continue
			}
		} else {
			wait = bo.NextBackOff()
			slog.Warn("carrier fetch failed, retrying",
				"tracking_number", pkg.TrackingNumber,
				"attempt", attempts,
				"backoff", wait,
				"error", lastErr.Error(),
			)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return models.EventBatch{}, attempts, err
		}
	}
	return models.EventBatch{}, attempts, lastErr
}

// classify turns a per-call timeout into a transient failure while leaving
// cancellation of the whole run as is.
func (s *Scheduler) classify(ctx context.Context, err error) error {
	if trackerr.KindOf(err) != trackerr.KindInternal {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return trackerr.Transient(err, "carrier fetch timed out")
	}
	return err
}

func (s *Scheduler) pauseFor(d time.Duration) {
	until := s.now().Add(d).UnixNano()
	for {
		cur := s.pausedUntil.Load()
		if cur >= until || s.pausedUntil.CompareAndSwap(cur, until) {
			return
		}
	}
}

func (s *Scheduler) waitShared(ctx context.Context) error {
	d := time.Duration(s.pausedUntil.Load() - s.now().UnixNano())
	if d <= 0 {
		return ctx.Err()
	}
	return s.sleep(ctx, d)
}

// pace waits for the next minute window once when the carrier's request
// budget is spent. Limiter errors only log.
func (s *Scheduler) pace(ctx context.Context, carrierCode string) {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return
	}
	w, err := s.rl.Take(ctx, carrierCode, s.rateLimitPerMinute, s.now())
	if err != nil {
		slog.Warn("rate limiter unavailable", "carrier", carrierCode, "error", err.Error())
		return
	}
	if w.Allowed {
		return
	}
	slog.Warn("carrier request budget spent", "carrier", carrierCode, "count", w.Count, "wait", w.Wait)
	_ = s.sleep(ctx, w.Wait)
}

func (s *Scheduler) setLast(runID string, err error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.lastRunID = runID
	if err != nil {
		s.lastError = err.Error()
	}
}

func skipped(pkg *models.Package) PackageResult {
	return PackageResult{
		TrackingNumber: pkg.TrackingNumber,
		Outcome:        OutcomeSkipped,
		Status:         pkg.Status,
		Error:          "sync cancelled",
	}
}
