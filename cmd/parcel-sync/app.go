package main

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/BearBump/ParcelSync/config"
	"github.com/BearBump/ParcelSync/internal/api/webhook"
	"github.com/BearBump/ParcelSync/internal/broker/kafka"
	"github.com/BearBump/ParcelSync/internal/cache"
	"github.com/BearBump/ParcelSync/internal/cache/rediscache"
	"github.com/BearBump/ParcelSync/internal/httpclient"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/fake"
	"github.com/BearBump/ParcelSync/internal/integrations/carrier/track17http"
	"github.com/BearBump/ParcelSync/internal/services/parcels"
	"github.com/BearBump/ParcelSync/internal/services/reconciler"
	"github.com/BearBump/ParcelSync/internal/services/scheduler"
	"github.com/BearBump/ParcelSync/internal/storage/pgtracking"
	"github.com/BearBump/ParcelSync/internal/storage/sqlitetracking"
)

type trackingStore interface {
	parcels.Store
	reconciler.Store
}

type relayConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
}

// Every factory returns a nil close func when there is nothing to release.
type appFactories struct {
	newStorage       func(ctx context.Context, cfg *config.Config) (trackingStore, func(), error)
	newCache         func(cfg *config.Config) (cache.BytesCache, func())
	newRateLimiter   func(cfg *config.Config) (scheduler.RateLimiter, func())
	newProducer      func(cfg *config.Config) (reconciler.Producer, func())
	newRelayConsumer func(cfg *config.Config) (relayConsumer, func())
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultAppFactories() appFactories {
	return appFactories{
		newStorage: func(ctx context.Context, cfg *config.Config) (trackingStore, func(), error) {
			switch cfg.Database.Driver {
			case "postgres":
				st, err := pgtracking.New(ctx, cfg.PostgresConnString())
				if err != nil {
					return nil, nil, err
				}
				return st, func() { _ = st.Close() }, nil
			case "sqlite":
				st, err := sqlitetracking.Open(ctx, cfg.Database.Path)
				if err != nil {
					return nil, nil, err
				}
				return st, func() { _ = st.Close() }, nil
			default:
				return nil, nil, errors.Errorf("unknown database driver %q", cfg.Database.Driver)
			}
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, func()) {
			addr := cfg.RedisAddr()
			if addr == "" {
				return cache.Nop{}, nil
			}
			rc := rediscache.New(addr)
			return rc, func() { _ = rc.Close() }
		},
		newRateLimiter: func(cfg *config.Config) (scheduler.RateLimiter, func()) {
			addr := cfg.RedisAddr()
			if addr == "" || cfg.ParcelSync.RateLimitPerMinute <= 0 {
				return nil, nil
			}
			rl := rediscache.NewCarrierLimiter(addr)
			return rl, func() { _ = rl.Close() }
		},
		newProducer: func(cfg *config.Config) (reconciler.Producer, func()) {
			brokers := cfg.KafkaBrokers()
			if len(brokers) == 0 {
				return nil, nil
			}
			p := kafka.NewProducer(brokers)
			return p, func() { _ = p.Close() }
		},
		newRelayConsumer: func(cfg *config.Config) (relayConsumer, func()) {
			brokers := cfg.KafkaBrokers()
			if len(brokers) == 0 || cfg.Kafka.WebhookRelayTopicName == "" {
				return nil, nil
			}
			c := kafka.NewConsumer(brokers, cfg.Kafka.WebhookRelayTopicName, cfg.Kafka.ConsumerGroup)
			return c, func() { _ = c.Close() }
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			p := cfg.ParcelSync
			if p.CarrierMode == "fake" {
				return fake.New()
			}
			return track17http.New(p.Track17BaseURL, p.Track17APIKey,
				track17http.WithCarriers(p.Track17Carriers),
				track17http.WithRateLimitCooldown(p.RateLimitCooldown()),
				track17http.WithHTTPClient(httpclient.NewClient(p.FetchTimeout(), slog.Default())),
			)
		},
	}
}

type app struct {
	cfg      *config.Config
	rec      *reconciler.Reconciler
	sched    *scheduler.Scheduler
	ingestor *webhook.Ingestor
	relay    relayConsumer
	svc      *parcels.Service

	// onListen reports the bound webhook address.
	onListen func(addr string)
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, f appFactories) (*app, error) {
	a := &app{cfg: cfg}
	p := cfg.ParcelSync

	store, closeStore, err := f.newStorage(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	a.addCloser(closeStore)

	c, closeCache := f.newCache(cfg)
	a.addCloser(closeCache)

	a.rec = reconciler.New(store, reconciler.Options{
		CreateUnknown:  p.WebhookAutoCreate,
		DefaultCarrier: p.WebhookDefaultCarrier,
		CacheTTL:       p.CacheTTL(),
		Topic:          cfg.Kafka.PackageUpdatedTopicName,
	}).WithCache(c)
	if producer, closeProducer := f.newProducer(cfg); producer != nil {
		a.rec.WithProducer(producer)
		a.addCloser(closeProducer)
	}

	carrierClient := f.newCarrierClient(cfg)
	a.sched = scheduler.New(store, carrierClient, a.rec).
		WithSettings(p.SyncInterval(), p.SyncConcurrency, p.FetchTimeout()).
		WithRetry(scheduler.RetryPolicy{
			MaxAttempts:     p.FetchMaxAttempts,
			Initial:         p.BackoffInitial(),
			Max:             p.BackoffMax(),
			DefaultCooldown: p.RateLimitCooldown(),
		}).
		WithStaleness(p.Staleness())
	if rl, closeRL := f.newRateLimiter(cfg); rl != nil {
		a.sched.WithRateLimiter(rl, p.RateLimitPerMinute)
		a.addCloser(closeRL)
	}

	a.ingestor, err = webhook.NewIngestor(a.rec)
	if err != nil {
		a.Close()
		return nil, err
	}
	if f.newRelayConsumer != nil {
		relay, closeRelay := f.newRelayConsumer(cfg)
		if relay != nil {
			a.relay = relay
			a.addCloser(closeRelay)
		}
	}

	a.svc = parcels.New(store, a.rec, a.sched).
		WithCache(c, p.CacheTTL()).
		WithCarriers(carrierClient).
		WithServer(a.serve)
	return a, nil
}

func (a *app) addCloser(fn func()) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// serve runs the scheduler, the relay consumer and the webhook server until
// ctx is done or the server fails. ":0" means the configured address.
func (a *app) serve(ctx context.Context, addr string) error {
	if addr == ":0" {
		addr = a.cfg.ParcelSync.HTTPAddr
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "error", err.Error())
		}
	}()

	if a.relay != nil {
		go func() {
			slog.Info("relay consumer started", "topic", a.cfg.Kafka.WebhookRelayTopicName, "group", a.cfg.Kafka.ConsumerGroup)
			if err := a.relay.Consume(ctx, webhook.RelayHandler(a.ingestor)); err != nil {
				slog.Error("relay consumer stopped", "error", err.Error())
			}
		}()
	}

	return webhook.Run(ctx, webhook.ServerOpts{
		Addr:        addr,
		SwaggerPath: a.cfg.ParcelSync.SwaggerPath,
		OnListen:    a.onListen,
		Ingestor:    a.ingestor,
		Scheduler:   a.sched,
		Reconciler:  a.rec,
	})
}
