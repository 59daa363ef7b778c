package webhooks_test

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookd/pkg/signature"
	"github.com/platinummonkey/hookd/pkg/webhooks"
)

func TestEngine_SuccessfulAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, []string{"order.created"}, func(in *webhooks.CreateSubscriptionInput) {
		include := true
		in.IncludeHeaders = &include
		in.CustomHeaders = map[string]string{"X-Team": "billing"}
	})
	deliveries := f.fanOut(t, "order.created")
	require.Len(t, deliveries, 1)

	d, err := f.svc.Engine.Attempt(ctx, tenantID, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusDelivered, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Nil(t, d.NextRetryAt)
	require.NotNil(t, d.CompletedAt)
	require.NotNil(t, d.HTTPStatus)
	assert.Equal(t, 200, *d.HTTPStatus)
	assert.Equal(t, "test", d.ResponseHeaders["X-Receiver"])
	assert.Empty(t, d.ErrorCode)

	requests := f.transport.Requests()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, sub.URL, req.URL)
	assert.True(t, req.VerifySSL)
	assert.Equal(t, 30*time.Second, req.Timeout)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(req.Body))
	assert.Equal(t, "order.created", req.Headers[webhooks.HeaderEvent])
	assert.Equal(t, d.ID, req.Headers[webhooks.HeaderDelivery])
	assert.Equal(t, "1", req.Headers[webhooks.HeaderAttempt])
	assert.Equal(t, webhooks.DefaultUserAgent, req.Headers["User-Agent"])
	assert.Equal(t, "application/json", req.Headers["Content-Type"])
	assert.Equal(t, "billing", req.Headers["X-Team"])
	assert.Equal(t, "sha256", req.Headers[signature.HeaderMethod])

	token := req.Headers[signature.HeaderSignature]
	assert.Equal(t, token, d.Signature)
	assert.True(t, signature.Verify(req.Body, token, secret, signature.MethodSHA256))
	assert.False(t, signature.Verify(req.Body, token, "another-secret-value", signature.MethodSHA256))

	got, err := f.svc.Subscriptions.Get(ctx, tenantID, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalDeliveries)
	assert.EqualValues(t, 1, got.SuccessfulDeliveries)
	assert.NotNil(t, got.LastSuccessAt)
}

func TestEngine_CustomHeadersOnlyWhenIncluded(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, []string{"order.created"}, func(in *webhooks.CreateSubscriptionInput) {
		in.CustomHeaders = map[string]string{"X-Team": "billing"}
	})
	deliveries := f.fanOut(t, "order.created")

	_, err := f.svc.Engine.Attempt(context.Background(), tenantID, deliveries[0].ID)
	require.NoError(t, err)
	require.Len(t, f.transport.Requests(), 1)
	assert.NotContains(t, f.transport.Requests()[0].Headers, "X-Team")
}

func TestEngine_RetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.Reply(status(500))
	sub := f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID

	for attempt, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
		require.NoError(t, err)
		assert.Equal(t, webhooks.DeliveryStatusRetrying, d.Status)
		assert.Equal(t, attempt+1, d.AttemptCount)
		assert.Equal(t, "HTTP_500", d.ErrorCode)
		require.NotNil(t, d.NextRetryAt)
		assert.Equal(t, f.clock.Now().Add(wait), *d.NextRetryAt)
		assert.Nil(t, d.CompletedAt)
		f.clock.Advance(wait)
	}

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusFailed, d.Status)
	assert.Equal(t, 4, d.AttemptCount)
	assert.Nil(t, d.NextRetryAt)
	assert.NotNil(t, d.CompletedAt)
	assert.Equal(t, 500, d.ErrorDetails["statusCode"])

	_, err = f.svc.Engine.Attempt(ctx, tenantID, id)
	assert.ErrorIs(t, err, webhooks.ErrConflict)
	assert.Len(t, f.transport.Requests(), 4, "initial attempt plus maxRetries")

	got, err := f.svc.Subscriptions.Get(ctx, tenantID, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.FailedDeliveries)
	assert.Equal(t, 4, got.ConsecutiveFailures)
	assert.True(t, got.IsHealthy, "still under the threshold")
}

func TestEngine_MaxRetriesComesFromDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.Reply(status(503))
	sub := f.subscribe(t, []string{"order.created"}, func(in *webhooks.CreateSubscriptionInput) {
		in.MaxRetries = intPtr(0)
	})
	id := f.fanOut(t, "order.created")[0].ID

	// raising the limit later does not extend deliveries that already exist
	_, err := f.svc.Subscriptions.Update(ctx, tenantID, sub.ID, webhooks.UpdateSubscriptionInput{MaxRetries: intPtr(5)})
	require.NoError(t, err)

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusFailed, d.Status)
	assert.Equal(t, 0, d.MaxRetries)
}

func TestEngine_TransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{name: "timeout", err: &webhooks.TransportError{Code: webhooks.ErrorCodeTimeout, Err: context.DeadlineExceeded}, code: "TIMEOUT"},
		{name: "plain error", err: errors.New("connection refused"), code: "NETWORK_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.transport.Reply(fail(tt.err))
			f.subscribe(t, []string{"order.created"})
			id := f.fanOut(t, "order.created")[0].ID

			d, err := f.svc.Engine.Attempt(context.Background(), tenantID, id)
			require.NoError(t, err, "transport failures are recorded, not returned")
			assert.Equal(t, webhooks.DeliveryStatusRetrying, d.Status)
			assert.Equal(t, tt.code, d.ErrorCode)
			assert.Nil(t, d.HTTPStatus)
			assert.Nil(t, d.ResponseBody)
		})
	}
}

func TestEngine_SubscriptionGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID
	require.NoError(t, f.svc.Subscriptions.Delete(ctx, tenantID, sub.ID))

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusFailed, d.Status)
	assert.Equal(t, webhooks.ErrorCodeSubscriptionNotFound, d.ErrorCode)
	assert.Empty(t, f.transport.Requests())
	assert.Equal(t, []bool{false}, f.spy.Outcomes(), "abandoned attempts count as failures")
}

func TestEngine_SubscriptionInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID

	inactive := false
	_, err := f.svc.Subscriptions.Update(ctx, tenantID, sub.ID, webhooks.UpdateSubscriptionInput{IsActive: &inactive})
	require.NoError(t, err)

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusFailed, d.Status)
	assert.Equal(t, webhooks.ErrorCodeSubscriptionInactive, d.ErrorCode)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Empty(t, f.transport.Requests())

	got, err := f.svc.Subscriptions.Get(ctx, tenantID, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalDeliveries)
	assert.EqualValues(t, 1, got.FailedDeliveries)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	require.NotNil(t, got.LastFailureAt)
}

func TestEngine_CancelDuringSendDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID

	f.transport.Reply(func(req *webhooks.Request) (*webhooks.Response, error) {
		cancelled, err := f.svc.Scheduler.Cancel(ctx, tenantID, id)
		require.NoError(t, err)
		require.True(t, cancelled)
		return &webhooks.Response{StatusCode: 200}, nil
	})

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusCancelled, d.Status)
	assert.Nil(t, d.HTTPStatus)

	got, err := f.svc.Subscriptions.Get(ctx, tenantID, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TotalDeliveries, "discarded attempts do not count")
}

func TestEngine_AttemptMissingDelivery(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Engine.Attempt(context.Background(), tenantID, "missing")
	assert.ErrorIs(t, err, webhooks.ErrNotFound)
}

// blockingTransport holds every request until its context is done
type blockingTransport struct{}

func (blockingTransport) Send(ctx context.Context, _ *webhooks.Request) (*webhooks.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_CancelledAttemptIsStillRecorded(t *testing.T) {
	f := newFixture(t, withTransport(blockingTransport{}))
	sub := f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusRetrying, d.Status)

	stored := f.delivery(t, id)
	assert.Equal(t, webhooks.DeliveryStatusRetrying, stored.Status, "never left SENDING")
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextRetryAt)

	got, err := f.svc.Subscriptions.Get(context.Background(), tenantID, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.FailedDeliveries)

	// a manual retry is no longer blocked by a stuck claim
	retryCtx, cancelRetry := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelRetry()
	d, err = f.svc.Scheduler.Retry(retryCtx, tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, webhooks.DeliveryStatusRetrying, f.delivery(t, id).Status)
}

func TestEngine_BinaryResponseBodyIsStorable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, []string{"order.created"})
	id := f.fanOut(t, "order.created")[0].ID

	f.transport.Reply(func(*webhooks.Request) (*webhooks.Response, error) {
		return &webhooks.Response{
			StatusCode: 500,
			Body:       "oops\x00\xff",
			Headers:    map[string]string{"X-Trace": "a\x00b"},
		}, nil
	})

	d, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.NoError(t, err)
	require.NotNil(t, d.ResponseBody)
	assert.Equal(t, "oops\uFFFD", *d.ResponseBody)
	assert.Equal(t, "ab", d.ResponseHeaders["X-Trace"])

	stored := f.delivery(t, id)
	require.NotNil(t, stored.ResponseBody)
	assert.True(t, utf8.ValidString(*stored.ResponseBody))
	assert.NotContains(t, *stored.ResponseBody, "\x00")
}

func TestEngine_SubscriptionLoadErrorReleasesClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	delay := int64(60000)
	f.subscribe(t, []string{"order.created"}, func(in *webhooks.CreateSubscriptionInput) {
		in.RetryDelay = &delay
	})
	id := f.fanOut(t, "order.created")[0].ID

	f.spy.subscriptionErr = errors.New("connection refused")
	_, err := f.svc.Engine.Attempt(ctx, tenantID, id)
	require.Error(t, err)
	f.spy.subscriptionErr = nil

	d := f.delivery(t, id)
	assert.Equal(t, webhooks.DeliveryStatusRetrying, d.Status)
	assert.Equal(t, "INTERNAL_ERROR", d.ErrorCode)
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, t0.Add(time.Second), *d.NextRetryAt, "default pacing, not the subscription's")
	assert.Equal(t, []bool{false}, f.spy.Outcomes())
	assert.Empty(t, f.transport.Requests())
}
