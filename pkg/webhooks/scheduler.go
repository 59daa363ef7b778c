package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/ratelimit"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Scheduler re-drives due deliveries, expires stale ones, recovers abandoned
// claims and serves manual retry and cancel
type Scheduler struct {
	deliveries   DeliveryStore
	events       EventStore
	engine       *Engine
	limiter      ratelimit.Limiter
	batchSize    int
	concurrency  int
	staleAfter   time.Duration
	claimTimeout time.Duration
	logger       logrus.FieldLogger
	metrics      *observability.Metrics
	now          func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewScheduler creates a retry scheduler. limiter may be nil.
func NewScheduler(deliveries DeliveryStore, events EventStore, engine *Engine, limiter ratelimit.Limiter, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		deliveries:   deliveries,
		events:       events,
		engine:       engine,
		limiter:      limiter,
		batchSize:    cfg.SweepBatchSize,
		concurrency:  cfg.SweepConcurrency,
		staleAfter:   cfg.StaleAfter,
		claimTimeout: cfg.ClaimTimeout,
		logger:       componentLogger(logger, "retry_scheduler"),
		metrics:      metrics,
		now:          cfg.Clock,
	}
}

// ProcessPendingDeliveries runs one sweep for tenantID, or for every tenant
// when tenantID is empty. Per-delivery failures are counted, never returned.
func (s *Scheduler) ProcessPendingDeliveries(ctx context.Context, tenantID string) (*SweepResult, error) {
	start := time.Now()
	now := s.now().UTC()
	result := &SweepResult{}

	// claims older than the timeout belong to a crashed or cancelled attempt
	claimCutoff := now.Add(-s.claimTimeout)
	recovered, err := s.deliveries.ReleaseStaleClaims(ctx, tenantID, claimCutoff, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release stale claims: %w", err)
	}
	result.Recovered = recovered

	if s.events != nil {
		recoveredEvents, err := s.events.FailStaleEvents(ctx, tenantID, claimCutoff, now)
		if err != nil {
			return nil, fmt.Errorf("failed to recover stale events: %w", err)
		}
		result.RecoveredEvents = recoveredEvents
	}

	expired, err := s.deliveries.ExpireStale(ctx, tenantID, now.Add(-s.staleAfter), now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale deliveries: %w", err)
	}
	result.Expired = expired

	due, err := s.deliveries.DueDeliveries(ctx, tenantID, now, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select due deliveries: %w", err)
	}
	result.Selected = len(due)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, d := range due {
		d := d
		g.Go(func() error {
			out, err := s.attempt(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errDeferred):
				result.Deferred++
				s.metrics.IncRateLimited()
			case isConflict(err):
				result.Skipped++
			case err != nil:
				result.Errors++
				s.logger.WithError(err).WithFields(logrus.Fields{
					"tenant_id":   d.TenantID,
					"delivery_id": d.ID,
				}).Error("Sweep attempt failed")
			default:
				result.Attempted++
				if out.Status == DeliveryStatusDelivered {
					result.Delivered++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.ObserveSweep(time.Since(start), map[string]int{
		"recovered":        result.Recovered,
		"recovered_events": result.RecoveredEvents,
		"expired":          result.Expired,
		"attempted":        result.Attempted,
		"delivered":        result.Delivered,
		"deferred":         result.Deferred,
		"skipped":          result.Skipped,
		"errors":           result.Errors,
	})
	if result.Selected > 0 || result.Expired > 0 || result.Recovered > 0 || result.RecoveredEvents > 0 {
		s.logger.WithFields(logrus.Fields{
			"tenant_id":        tenantID,
			"recovered":        result.Recovered,
			"recovered_events": result.RecoveredEvents,
			"expired":          result.Expired,
			"selected":         result.Selected,
			"attempted":        result.Attempted,
			"delivered":        result.Delivered,
			"deferred":         result.Deferred,
			"errors":           result.Errors,
		}).Info("Delivery sweep complete")
	}
	return result, nil
}

// errDeferred marks a claimed delivery handed back because of the limiter
var errDeferred = errors.New("delivery deferred by outbound rate limit")

// attempt claims a due delivery before spending a rate limit token on it, so
// a claim lost to another worker never uses up the subscription's budget
func (s *Scheduler) attempt(ctx context.Context, due *Delivery) (*Delivery, error) {
	claimed, err := s.deliveries.ClaimDelivery(ctx, due.TenantID, due.ID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !s.allow(ctx, claimed) {
		if _, err := s.engine.release(ctx, claimed, due); err != nil {
			return nil, fmt.Errorf("failed to release deferred delivery: %w", err)
		}
		return nil, errDeferred
	}
	return s.engine.run(ctx, claimed)
}

// allow consults the outbound limiter. Limiter errors fail open.
func (s *Scheduler) allow(ctx context.Context, d *Delivery) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, d.TenantID+":"+d.SubscriptionID)
	if err != nil {
		s.logger.WithError(err).WithField("subscription_id", d.SubscriptionID).Warn("Rate limiter unavailable")
		return true
	}
	return ok
}

// Retry runs an attempt now for a delivery that still has attempts left
func (s *Scheduler) Retry(ctx context.Context, tenantID, id string) (*Delivery, error) {
	d, err := s.deliveries.GetDelivery(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if d.Exhausted() {
		return nil, fmt.Errorf("delivery %s used %d of %d attempts: %w", id, d.AttemptCount, d.MaxAttempts(), ErrMaxRetriesExceeded)
	}
	if d.Status.IsTerminal() || d.Status == DeliveryStatusSending {
		return nil, conflict("delivery %s is %s", id, d.Status)
	}

	out, err := s.engine.Attempt(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"delivery_id": id,
		"status":      out.Status,
	}).Info("Manual retry attempted")
	return out, nil
}

// Cancel stops a non-terminal delivery. It reports false when the delivery
// was already terminal.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, id string) (bool, error) {
	cancelled, err := s.deliveries.CancelDelivery(ctx, tenantID, id, s.now().UTC())
	if err != nil {
		return false, err
	}
	if cancelled {
		s.logger.WithFields(logrus.Fields{
			"tenant_id":   tenantID,
			"delivery_id": id,
		}).Info("Delivery cancelled")
	}
	return cancelled, nil
}

// Start runs a sweep over all tenants on the given cron spec. Overlapping
// sweeps are skipped.
func (s *Scheduler) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	if spec == "" {
		spec = DefaultSweepSchedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))))
	if _, err := c.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule delivery sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.WithField("schedule", spec).Info("Delivery sweep scheduled")
	return nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	defer observability.RecoverPanic(s.logger, "delivery sweep")
	if _, err := s.ProcessPendingDeliveries(ctx, ""); err != nil && ctx.Err() == nil {
		s.logger.WithError(err).Error("Delivery sweep failed")
	}
}

// Stop halts the cron loop and cancels a running sweep. The returned context
// is done once the running sweep has returned.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.cancel()
	ctx := s.cron.Stop()
	s.cron = nil
	s.cancel = nil
	return ctx
}
