package webhooks

import (
	"context"
	"time"

	"github.com/platinummonkey/hookd/pkg/async"
	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// Service defaults
const (
	DefaultStaleAfter        = 24 * time.Hour
	DefaultSweepBatchSize    = 100
	DefaultSweepConcurrency  = 10
	DefaultSweepSchedule     = "@every 10s"
	DefaultDispatchWorkers   = 8
	DefaultDispatchQueueSize = 256
	DefaultDispatchTimeout   = 6 * time.Minute
	// DefaultClaimTimeout outlasts the longest subscription timeout plus the
	// time it takes to write the result
	DefaultClaimTimeout = 10 * time.Minute
)

// Config tunes the delivery service. Zero values take the package defaults.
type Config struct {
	HealthThreshold int
	StaleAfter      time.Duration
	MaxRetryDelay   time.Duration
	// ClaimTimeout is how long a delivery may stay SENDING, or an event
	// PROCESSING, before a sweep treats the claim as abandoned
	ClaimTimeout time.Duration

	SweepBatchSize   int
	SweepConcurrency int
	SweepSchedule    string

	// DispatchOnProcess hands new deliveries to a worker pool right after fan-out
	DispatchOnProcess bool
	DispatchWorkers   int
	DispatchQueueSize int

	UserAgent string

	// Clock overrides time.Now, mainly in tests
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HealthThreshold <= 0 {
		c.HealthThreshold = DefaultHealthThreshold
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = DefaultSweepBatchSize
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = DefaultSweepConcurrency
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = DefaultDispatchWorkers
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = DefaultDispatchQueueSize
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func componentLogger(logger logrus.FieldLogger, component string) logrus.FieldLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("component", component)
}

// Options carries the optional collaborators of a Service
type Options struct {
	// Transport defaults to NewHTTPTransport
	Transport Transport
	// Limiter throttles outbound sends per subscription during sweeps; nil disables throttling
	Limiter ratelimit.Limiter
	Logger  logrus.FieldLogger
	Metrics *observability.Metrics
}

// Service wires the registry, ingestion, engine, scheduler and aggregator
// over one Store
type Service struct {
	Subscriptions *Registry
	Events        *EventService
	Engine        *Engine
	Scheduler     *Scheduler
	Health        *HealthAggregator

	store    Store
	pool     *async.WorkerPool
	schedule string
	logger   logrus.FieldLogger
}

// NewService builds a Service. Call Close to stop background workers.
func NewService(ctx context.Context, store Store, cfg Config, opts Options) *Service {
	cfg = cfg.withDefaults()
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	health := NewHealthAggregator(store, store, cfg, opts.Logger, opts.Metrics)
	engine := NewEngine(store, store, opts.Transport, health, cfg, opts.Logger, opts.Metrics)
	scheduler := NewScheduler(store, store, engine, opts.Limiter, cfg, opts.Logger, opts.Metrics)

	s := &Service{
		Subscriptions: NewRegistry(store, engine, cfg, opts.Logger),
		Engine:        engine,
		Scheduler:     scheduler,
		Health:        health,
		store:         store,
		schedule:      cfg.SweepSchedule,
		logger:        componentLogger(opts.Logger, "webhook_service"),
	}

	var dispatcher Dispatcher
	if cfg.DispatchOnProcess {
		s.pool = async.NewWorkerPool(ctx, cfg.DispatchWorkers, cfg.DispatchQueueSize, "delivery dispatch", DefaultDispatchTimeout, opts.Logger)
		dispatcher = &poolDispatcher{pool: s.pool, engine: engine}
	}
	s.Events = NewEventService(store, store, store, dispatcher, cfg, opts.Logger, opts.Metrics)
	return s
}

// Delivery returns one delivery
func (s *Service) Delivery(ctx context.Context, tenantID, id string) (*Delivery, error) {
	return s.store.GetDelivery(ctx, tenantID, id)
}

// Deliveries returns the tenant's deliveries matching filter, newest first
func (s *Service) Deliveries(ctx context.Context, tenantID string, filter DeliveryFilter) ([]*Delivery, error) {
	filter.Limit, filter.Offset = normalizePage(filter.Limit, filter.Offset)
	return s.store.ListDeliveries(ctx, tenantID, filter)
}

// Start begins the periodic delivery sweep on the configured schedule
func (s *Service) Start() error {
	return s.Scheduler.Start(s.schedule)
}

// Close stops the sweep loop and drains the dispatch pool
func (s *Service) Close(ctx context.Context) error {
	<-s.Scheduler.Stop().Done()
	if s.pool == nil {
		return nil
	}
	s.logger.WithField("pending", s.pool.Pending()).Info("Draining delivery dispatch pool")
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return s.pool.Shutdown(timeout)
}

// poolDispatcher runs the first attempt of a delivery on the worker pool
type poolDispatcher struct {
	pool   *async.WorkerPool
	engine *Engine
}

func (d *poolDispatcher) Dispatch(tenantID, deliveryID string) error {
	return d.pool.TrySubmit(func(ctx context.Context) error {
		_, err := d.engine.Attempt(ctx, tenantID, deliveryID)
		return err
	})
}
