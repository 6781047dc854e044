// Package monetization implements the paid-promotion lifecycle of a
// marketplace profile: the plan catalog, the shared free-trial quota,
// payment records, reconciliation of provider events, and subscription
// expiry and renewal.
//
// All state changes that touch the free-slot counter or a payment status
// run inside Store.Atomic. Provider calls never happen inside a unit of
// work.
package monetization

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/text/language"

	"github.com/dmitrymomot/promokit/pkg/backoff"
	"github.com/dmitrymomot/promokit/pkg/logger"
	"github.com/dmitrymomot/promokit/pkg/statemachine"
)

// Config holds environment-driven service settings.
type Config struct {
	FreeSlotsTotal     int           `env:"FREE_SLOTS_TOTAL" envDefault:"100"`
	PlansFile          string        `env:"PLANS_FILE"`
	StalePendingAfter  time.Duration `env:"STALE_PENDING_AFTER" envDefault:"15m"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`
	MaxRenewalAttempts int           `env:"MAX_RENEWAL_ATTEMPTS" envDefault:"3"`
	RenewalBackoff     time.Duration `env:"RENEWAL_BACKOFF" envDefault:"1h"`
	// RenewalSettleAfter bounds how long an open renewal charge may wait for
	// the provider before it counts as a failed attempt.
	RenewalSettleAfter time.Duration `env:"RENEWAL_SETTLE_AFTER" envDefault:"72h"`
	SweepBatchSize     int           `env:"SWEEP_BATCH_SIZE" envDefault:"200"`
	DisplayLanguage    string        `env:"DISPLAY_LANGUAGE" envDefault:"en"`
}

// Service is the entry point for every monetization operation.
type Service struct {
	store     Store
	catalog   *Catalog
	providers Providers
	payments  *statemachine.Table[Status, paymentEvent]

	publisher Publisher
	reporter  Reporter
	archive   EventArchive
	cache     SummaryCache
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	staleAfter      time.Duration
	providerTimeout time.Duration
	maxAttempts     int
	settleAfter     time.Duration
	retryBackoff    backoff.Strategy
	batchSize       int
	lang            language.Tag
}

// Option configures a Service.
type Option func(*Service)

func WithProviders(p ...PaymentProvider) Option {
	return func(s *Service) {
		for name, pp := range NewProviders(p...) {
			s.providers[name] = pp
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(s *Service) { s.reporter = r }
}

func WithEventArchive(a EventArchive) Option {
	return func(s *Service) { s.archive = a }
}

func WithSummaryCache(c SummaryCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides payment record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithRenewalBackoff overrides the delay schedule between failed renewals.
func WithRenewalBackoff(b backoff.Strategy) Option {
	return func(s *Service) {
		if b != nil {
			s.retryBackoff = b
		}
	}
}

// WithConfig applies tunables from cfg.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.StalePendingAfter > 0 {
			s.staleAfter = cfg.StalePendingAfter
		}
		if cfg.ProviderTimeout > 0 {
			s.providerTimeout = cfg.ProviderTimeout
		}
		if cfg.MaxRenewalAttempts > 0 {
			s.maxAttempts = cfg.MaxRenewalAttempts
		}
		if cfg.RenewalSettleAfter > 0 {
			s.settleAfter = cfg.RenewalSettleAfter
		}
		if cfg.RenewalBackoff > 0 {
			s.retryBackoff = backoff.Renewal(cfg.RenewalBackoff)
		}
		if cfg.SweepBatchSize > 0 {
			s.batchSize = cfg.SweepBatchSize
		}
		if tag, err := language.Parse(cfg.DisplayLanguage); err == nil {
			s.lang = tag
		}
	}
}

// New builds a Service. Panics if store or catalog is nil.
func New(store Store, catalog *Catalog, opts ...Option) *Service {
	if store == nil {
		panic("monetization: store is required")
	}
	if catalog == nil {
		panic("monetization: catalog is required")
	}

	s := &Service{
		store:           store,
		catalog:         catalog,
		providers:       Providers{},
		publisher:       noopPublisher{},
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           newRecordID,
		staleAfter:      15 * time.Minute,
		providerTimeout: 20 * time.Second,
		maxAttempts:     3,
		settleAfter:     72 * time.Hour,
		retryBackoff:    backoff.Renewal(time.Hour),
		batchSize:       200,
		lang:            language.English,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("monetization"))
	s.payments = newPaymentTable(s)
	return s
}

// Catalog returns the plan catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Providers returns the configured payment providers.
func (s *Service) Providers() Providers {
	return s.providers
}

// publish runs after a unit of work commits. It records metrics derived
// from the events and hands them to the publisher.
func (s *Service) publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}

	slotsChanged := false
	for _, ev := range events {
		switch ev.Name {
		case EventProfileActivated:
			s.metrics.activated(ev.Plan)
		case EventProfileExpired:
			s.metrics.expired(1)
		case EventFreeSlotGranted, EventFreeSlotReleased:
			slotsChanged = true
		}
	}
	if slotsChanged {
		s.invalidateSummary(ctx)
		s.observeFreeSlots(ctx)
	}

	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.WarnContext(ctx, "failed to publish domain events",
			logger.Error(err), slog.Int("count", len(events)))
	}
}
