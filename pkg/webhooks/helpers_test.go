package webhooks_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookd/pkg/ratelimit"
	"github.com/platinummonkey/hookd/pkg/storage/memory"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

const (
	tenantID = "acme"
	secret   = "0123456789abcdef"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type reply func(req *webhooks.Request) (*webhooks.Response, error)

func status(code int) reply {
	return func(*webhooks.Request) (*webhooks.Response, error) {
		return &webhooks.Response{StatusCode: code, Body: "ok", Headers: map[string]string{"X-Receiver": "test"}}, nil
	}
}

func fail(err error) reply {
	return func(*webhooks.Request) (*webhooks.Response, error) {
		return nil, err
	}
}

// fakeTransport replays scripted replies in order, then repeats the last one.
// With no script every request gets a 200.
type fakeTransport struct {
	mu       sync.Mutex
	script   []reply
	requests []*webhooks.Request
}

func (f *fakeTransport) Send(_ context.Context, req *webhooks.Request) (*webhooks.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	next := status(200)
	if len(f.script) > 0 {
		next = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	f.mu.Unlock()
	return next(req)
}

func (f *fakeTransport) Reply(replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = replies
}

func (f *fakeTransport) Requests() []*webhooks.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*webhooks.Request(nil), f.requests...)
}

// storeSpy wraps the memory store. Result writes fail on a done context the
// way a database driver does, and health outcomes are recorded.
type storeSpy struct {
	*memory.Store

	mu       sync.Mutex
	outcomes []bool
	// onFanOut runs before the fan-out commit; a non-nil error aborts it
	onFanOut func(ctx context.Context) error
	// onDue sees every batch the scheduler selects
	onDue func(ctx context.Context, due []*webhooks.Delivery)
	// subscriptionErr fails subscription reads when set
	subscriptionErr error
}

func (s *storeSpy) GetSubscription(ctx context.Context, tenantID, id string) (*webhooks.Subscription, error) {
	if s.subscriptionErr != nil {
		return nil, s.subscriptionErr
	}
	return s.Store.GetSubscription(ctx, tenantID, id)
}

func (s *storeSpy) FinishAttempt(ctx context.Context, d *webhooks.Delivery) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.FinishAttempt(ctx, d)
}

func (s *storeSpy) FailEvent(ctx context.Context, tenantID, id, message string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.FailEvent(ctx, tenantID, id, message, at)
}

func (s *storeSpy) CompleteFanOut(ctx context.Context, event *webhooks.Event, deliveries []*webhooks.Delivery, at time.Time) error {
	if s.onFanOut != nil {
		if err := s.onFanOut(ctx); err != nil {
			return err
		}
	}
	return s.Store.CompleteFanOut(ctx, event, deliveries, at)
}

func (s *storeSpy) DueDeliveries(ctx context.Context, tenantID string, now time.Time, limit int) ([]*webhooks.Delivery, error) {
	due, err := s.Store.DueDeliveries(ctx, tenantID, now, limit)
	if err == nil && s.onDue != nil {
		s.onDue(ctx, due)
	}
	return due, err
}

func (s *storeSpy) RecordOutcome(ctx context.Context, tenantID, id string, success bool, at time.Time, healthThreshold int) (*webhooks.Subscription, bool, error) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, success)
	s.mu.Unlock()
	return s.Store.RecordOutcome(ctx, tenantID, id, success, at, healthThreshold)
}

// Outcomes returns every outcome passed to RecordOutcome, in call order
func (s *storeSpy) Outcomes() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.outcomes...)
}

type fixture struct {
	store     *memory.Store
	spy       *storeSpy
	clock     *fakeClock
	transport *fakeTransport
	svc       *webhooks.Service
}

type fixtureOption func(*webhooks.Config, *webhooks.Options)

func withLimiter(l ratelimit.Limiter) fixtureOption {
	return func(_ *webhooks.Config, o *webhooks.Options) { o.Limiter = l }
}

func withConfig(fn func(*webhooks.Config)) fixtureOption {
	return func(c *webhooks.Config, _ *webhooks.Options) { fn(c) }
}

func withTransport(tr webhooks.Transport) fixtureOption {
	return func(_ *webhooks.Config, o *webhooks.Options) { o.Transport = tr }
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		clock:     newClock(),
		transport: &fakeTransport{},
	}
	f.spy = &storeSpy{Store: f.store}
	cfg := webhooks.Config{Clock: f.clock.Now}
	options := webhooks.Options{Transport: f.transport, Logger: quietLogger()}
	for _, opt := range opts {
		opt(&cfg, &options)
	}
	f.svc = webhooks.NewService(context.Background(), f.spy, cfg, options)
	t.Cleanup(func() {
		_ = f.svc.Close(context.Background())
	})
	return f
}

func intPtr(v int) *int { return &v }

func (f *fixture) subscribe(t *testing.T, events []string, mutate ...func(*webhooks.CreateSubscriptionInput)) *webhooks.Subscription {
	t.Helper()
	in := webhooks.CreateSubscriptionInput{
		Name:   "orders endpoint",
		URL:    "https://receiver.example.com/hook",
		Secret: secret,
		Events: events,
	}
	for _, fn := range mutate {
		fn(&in)
	}
	sub, err := f.svc.Subscriptions.Create(context.Background(), tenantID, in)
	require.NoError(t, err)
	return sub
}

func (f *fixture) publish(t *testing.T, eventType string) *webhooks.Event {
	t.Helper()
	event, err := f.svc.Events.CreateEvent(context.Background(), tenantID, webhooks.CreateEventInput{
		EventType: eventType,
		Source:    "orders",
		Data:      json.RawMessage(`{"orderId":"o-1"}`),
	})
	require.NoError(t, err)
	return event
}

// fanOut publishes and processes one event and returns its deliveries
func (f *fixture) fanOut(t *testing.T, eventType string) []*webhooks.Delivery {
	t.Helper()
	event := f.publish(t, eventType)
	result, err := f.svc.Events.ProcessEvent(context.Background(), tenantID, event.ID)
	require.NoError(t, err)
	return result.Deliveries
}

func (f *fixture) delivery(t *testing.T, id string) *webhooks.Delivery {
	t.Helper()
	d, err := f.svc.Delivery(context.Background(), tenantID, id)
	require.NoError(t, err)
	return d
}
