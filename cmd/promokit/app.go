package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/promokit/pkg/archive"
	"github.com/dmitrymomot/promokit/pkg/config"
	"github.com/dmitrymomot/promokit/pkg/email"
	"github.com/dmitrymomot/promokit/pkg/httpserver"
	"github.com/dmitrymomot/promokit/pkg/kafka"
	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/metrics"
	"github.com/dmitrymomot/promokit/pkg/mongo"
	"github.com/dmitrymomot/promokit/pkg/pg"
	"github.com/dmitrymomot/promokit/pkg/ratelimiter"
	"github.com/dmitrymomot/promokit/pkg/redis"
	"github.com/dmitrymomot/promokit/pkg/scheduler"
	"github.com/dmitrymomot/promokit/svc/monetization"
	"github.com/dmitrymomot/promokit/svc/monetization/memstore"
	"github.com/dmitrymomot/promokit/svc/monetization/mongostore"
	"github.com/dmitrymomot/promokit/svc/monetization/pgstore"
	"github.com/dmitrymomot/promokit/svc/monetization/provider/paddle"
	"github.com/dmitrymomot/promokit/svc/monetization/provider/paypal"
	"github.com/dmitrymomot/promokit/svc/monetization/provider/stripe"
)

type appConfig struct {
	StoreDriver string   `env:"STORE_DRIVER" envDefault:"postgres"` // postgres | mongo | memory
	Providers   []string `env:"PAYMENT_PROVIDERS" envSeparator:"," envDefault:"paypal"`

	RedisEnabled     bool          `env:"REDIS_ENABLED"`
	PricingCacheTTL  time.Duration `env:"PRICING_CACHE_TTL" envDefault:"30s"`
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	SchedulerTick    time.Duration `env:"SCHEDULER_TICK" envDefault:"10s"`
	SchedulerLockTTL time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"5m"`
	ExpireInterval   time.Duration `env:"EXPIRE_INTERVAL" envDefault:"1m"`
	RenewInterval    time.Duration `env:"RENEW_INTERVAL" envDefault:"5m"`
	SweepInterval    time.Duration `env:"STALE_SWEEP_INTERVAL" envDefault:"5m"`
}

// app is the assembled service with the infrastructure it owns.
type app struct {
	cfg      appConfig
	svcCfg   monetization.Config
	log      *slog.Logger
	svc      *monetization.Service
	registry *prometheus.Registry
	archive  archive.Archive
	locker   scheduler.Locker
	limits   ratelimiter.Store
	checks   []httpserver.Check

	// prepare applies schema migrations and seeds the free-slot quota.
	prepare func(ctx context.Context) error
	closers []func()
}

type appOptions struct {
	// providers builds the payment providers; commands that never talk to
	// a provider skip their credentials.
	providers bool
}

func newApp(ctx context.Context, log *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{log: log, registry: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := config.Load(&a.cfg); err != nil {
		return nil, fmt.Errorf("load app config: %w", err)
	}
	if err := config.Load(&a.svcCfg); err != nil {
		return nil, fmt.Errorf("load monetization config: %w", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	catalog, err := loadCatalog(a.svcCfg.PlansFile)
	if err != nil {
		return nil, err
	}

	svcOpts := []monetization.Option{
		monetization.WithConfig(a.svcCfg),
		monetization.WithLogger(log),
		monetization.WithMetrics(monetization.NewMetrics(a.registry)),
	}

	if opts.providers {
		providers, err := buildProviders(a.cfg.Providers)
		if err != nil {
			return nil, err
		}
		svcOpts = append(svcOpts, monetization.WithProviders(providers...))
	}

	more, err := a.wireIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	svcOpts = append(svcOpts, more...)

	a.svc = monetization.New(store, catalog, svcOpts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (monetization.Store, error) {
	switch strings.ToLower(a.cfg.StoreDriver) {
	case "postgres", "":
		var cfg pg.Config
		if err := config.Load(&cfg); err != nil {
			return nil, fmt.Errorf("load postgres config: %w", err)
		}
		pool, err := pg.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks = append(a.checks, httpserver.Check{Name: "postgres", Fn: pg.Healthcheck(pool)})

		store := pgstore.New(pool, cfg.TxRetries)
		a.prepare = func(ctx context.Context) error {
			if err := pgstore.Migrate(ctx, pool, cfg, a.log); err != nil {
				return err
			}
			return store.SeedFreeSlots(ctx, a.svcCfg.FreeSlotsTotal)
		}
		return store, nil

	case "mongo", "mongodb":
		var cfg mongo.Config
		if err := config.Load(&cfg); err != nil {
			return nil, fmt.Errorf("load mongo config: %w", err)
		}
		client, err := mongo.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})
		a.checks = append(a.checks, httpserver.Check{Name: "mongo", Fn: mongo.Healthcheck(client)})

		store := mongostore.New(client, cfg.Database)
		a.prepare = func(ctx context.Context) error {
			if err := store.EnsureIndexes(ctx); err != nil {
				return err
			}
			return store.SeedFreeSlots(ctx, a.svcCfg.FreeSlotsTotal)
		}
		return store, nil

	case "memory":
		a.log.Warn("using in-memory store, state is lost on exit")
		a.prepare = func(context.Context) error { return nil }
		return memstore.New(a.svcCfg.FreeSlotsTotal), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
}

func loadCatalog(path string) (*monetization.Catalog, error) {
	if path != "" {
		return monetization.LoadCatalog(path)
	}
	return monetization.NewCatalog(monetization.DefaultPlans()...)
}

// buildProviders constructs the providers named in PAYMENT_PROVIDERS. Each
// provider loads its own credentials, so only enabled ones are required.
func buildProviders(names []string) ([]monetization.PaymentProvider, error) {
	seen := make(map[string]bool, len(names))
	providers := make([]monetization.PaymentProvider, 0, len(names))

	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		p, err := buildProvider(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment providers configured")
	}
	return providers, nil
}

func buildProvider(name string) (monetization.PaymentProvider, error) {
	switch monetization.Provider(name) {
	case monetization.ProviderPayPal:
		var cfg paypal.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return paypal.New(cfg), nil
	case monetization.ProviderStripe, monetization.ProviderSEPA:
		var cfg stripe.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		method := stripe.Card
		if name == string(monetization.ProviderSEPA) {
			method = stripe.SEPA
		}
		return stripe.New(cfg, method)
	case monetization.ProviderCard:
		var cfg paddle.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return paddle.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", monetization.ErrUnknownProvider, name)
	}
}

// wireIntegrations attaches the optional side channels: event stream,
// operator email, delivery archive, redis cache and job lock.
func (a *app) wireIntegrations(ctx context.Context) ([]monetization.Option, error) {
	var opts []monetization.Option

	var kcfg kafka.Config
	if err := config.Load(&kcfg); err != nil {
		return nil, fmt.Errorf("load kafka config: %w", err)
	}
	if kcfg.Enabled() {
		producer, err := kafka.NewProducer(kcfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = producer.Close() })
		opts = append(opts, monetization.WithPublisher(monetization.NewKafkaPublisher(producer)))
		a.log.Info("publishing lifecycle events", slog.String("topic", producer.Topic()))
	}

	var ecfg email.Config
	if err := config.Load(&ecfg); err != nil {
		a.log.Debug("email reporter disabled", logger.Error(err))
	} else if ecfg.OpsEmail != "" {
		sender, err := email.NewSender(ecfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, monetization.WithReporter(monetization.NewEmailReporter(sender, ecfg.OpsEmail)))
	}

	var acfg archive.Config
	if err := config.Load(&acfg); err != nil {
		return nil, fmt.Errorf("load archive config: %w", err)
	}
	arc, err := archive.New(ctx, acfg)
	if err != nil {
		return nil, err
	}
	if arc != nil {
		a.archive = arc
		opts = append(opts, monetization.WithEventArchive(arc))
	}

	if a.cfg.RedisEnabled {
		var rcfg redis.Config
		if err := config.Load(&rcfg); err != nil {
			return nil, fmt.Errorf("load redis config: %w", err)
		}
		client, err := redis.Connect(ctx, rcfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.checks = append(a.checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(client)})
		a.locker = redis.NewLocker(client, "promokit:lock:")
		a.limits = redis.NewRateLimitStore(client, "promokit:ratelimit:")
		opts = append(opts, monetization.WithSummaryCache(pricingCache(client, a.cfg.PricingCacheTTL)))
	}

	return opts, nil
}

// rateLimiter returns nil when limiting is disabled. Without redis each
// replica keeps its own buckets.
func (a *app) rateLimiter() (*ratelimiter.Bucket, error) {
	if !a.cfg.RateLimitEnabled {
		return nil, nil
	}
	var cfg ratelimiter.Config
	if err := config.Load(&cfg); err != nil {
		return nil, fmt.Errorf("load rate limit config: %w", err)
	}
	store := a.limits
	if store == nil {
		store = ratelimiter.NewMemoryStore()
	}
	return ratelimiter.NewBucket(store, cfg)
}

func pricingCache(client goredis.UniversalClient, ttl time.Duration) monetization.SummaryCache {
	return redis.NewJSONCache[monetization.PricingSummary](client, "promokit:pricing:", ttl)
}

// newScheduler registers the lifecycle jobs. With redis enabled a job runs
// on one replica at a time.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithTick(a.cfg.SchedulerTick),
		scheduler.WithLogger(a.log),
	}
	if a.locker != nil {
		opts = append(opts, scheduler.WithLocker(a.locker, a.cfg.SchedulerLockTTL))
	}
	s := scheduler.New(opts...)

	jobs := []struct {
		name  string
		every time.Duration
		fn    scheduler.Job
	}{
		{jobExpire, a.cfg.ExpireInterval, a.expireJob},
		{jobRenew, a.cfg.RenewInterval, a.renewJob},
		{jobSweep, a.cfg.SweepInterval, a.sweepJob},
	}
	for _, j := range jobs {
		if err := s.Add(j.name, scheduler.Every(j.every), j.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const (
	jobExpire = "expire_due"
	jobRenew  = "renew_due"
	jobSweep  = "sweep_stale_pending"
)

func (a *app) expireJob(ctx context.Context) error {
	n, err := a.svc.ExpireDue(ctx, time.Now())
	if n > 0 {
		a.log.InfoContext(ctx, "expired promotions", slog.Int("count", n), logger.Component(jobExpire))
	}
	return err
}

func (a *app) renewJob(ctx context.Context) error {
	r, err := a.svc.RenewDue(ctx, time.Now())
	if r != (monetization.RenewReport{}) {
		a.log.InfoContext(ctx, "renewal run finished",
			logger.Component(jobRenew),
			slog.Int("renewed", r.Renewed),
			slog.Int("failed", r.Failed),
			slog.Int("exhausted", r.Exhausted),
			slog.Int("expired", r.Expired),
			slog.Int("pending", r.Pending),
			slog.Int("skipped", r.Skipped),
		)
	}
	return err
}

func (a *app) sweepJob(ctx context.Context) error {
	n, err := a.svc.SweepStalePending(ctx, time.Now())
	if n > 0 {
		a.log.InfoContext(ctx, "cancelled stale payments", slog.Int("count", n), logger.Component(jobSweep))
	}
	return err
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
