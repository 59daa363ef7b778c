package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/signature"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outbound request headers
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// DefaultUserAgent is sent on every outbound request
const DefaultUserAgent = "hookd-webhooks/1.0"

// resultWriteTimeout bounds persisting an attempt after its context is done
const resultWriteTimeout = 10 * time.Second

// detached keeps ctx values but not its cancellation, so a result is still
// written after shutdown or a client disconnect cancelled the attempt
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
}

// OutcomeRecorder observes every recorded delivery outcome
type OutcomeRecorder interface {
	Record(ctx context.Context, d *Delivery, success bool) error
}

// Engine drives a single delivery attempt through the state machine
type Engine struct {
	deliveries    DeliveryStore
	subscriptions SubscriptionStore
	transport     Transport
	signer        *signature.Signer
	recorder      OutcomeRecorder
	maxRetryDelay time.Duration
	userAgent     string
	logger        logrus.FieldLogger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewEngine creates a delivery engine
func NewEngine(deliveries DeliveryStore, subscriptions SubscriptionStore, transport Transport, recorder OutcomeRecorder, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		deliveries:    deliveries,
		subscriptions: subscriptions,
		transport:     transport,
		signer:        signature.NewSigner(),
		recorder:      recorder,
		maxRetryDelay: cfg.MaxRetryDelay,
		userAgent:     cfg.UserAgent,
		logger:        componentLogger(logger, "delivery_engine"),
		metrics:       metrics,
		now:           cfg.Clock,
	}
}

// Attempt claims a delivery and runs exactly one attempt. Transport failures
// are recorded on the delivery, never returned. A lost claim returns ErrConflict.
func (e *Engine) Attempt(ctx context.Context, tenantID, id string) (*Delivery, error) {
	d, err := e.deliveries.ClaimDelivery(ctx, tenantID, id, e.now().UTC())
	if err != nil {
		return nil, err
	}
	return e.run(ctx, d)
}

func (e *Engine) run(ctx context.Context, d *Delivery) (*Delivery, error) {
	ctx, span := observability.Tracer().Start(ctx, "webhooks.Attempt", trace.WithAttributes(
		attribute.String("webhook.delivery_id", d.ID),
		attribute.String("webhook.subscription_id", d.SubscriptionID),
		attribute.String("webhook.event_type", d.EventType),
		attribute.Int("webhook.attempt", d.AttemptCount),
	))
	defer span.End()
	defer e.metrics.TrackInFlight()()

	log := e.logger.WithFields(logrus.Fields{
		"tenant_id":       d.TenantID,
		"delivery_id":     d.ID,
		"subscription_id": d.SubscriptionID,
		"attempt":         d.AttemptCount,
	}).WithFields(observability.TraceFields(ctx))

	sub, err := e.subscriptions.GetSubscription(ctx, d.TenantID, d.SubscriptionID)
	switch {
	case errors.Is(err, ErrNotFound):
		return e.abandon(ctx, d, ErrorCodeSubscriptionNotFound, "subscription not found", log)
	case err != nil:
		// release the claim so the delivery is not stranded in SENDING. Without
		// the subscription only the default pacing is known.
		log.WithError(err).Error("Failed to load subscription")
		e.applyFailure(d, RetryPolicy{MaxRetries: d.MaxRetries, Delay: time.Duration(DefaultRetryDelayMs) * time.Millisecond, Backoff: DefaultRetryBackoff, MaxDelay: e.maxRetryDelay},
			&TransportError{Code: "INTERNAL_ERROR", Err: err}, nil)
		if _, finishErr := e.finish(ctx, d); finishErr != nil {
			log.WithError(finishErr).Error("Failed to release delivery claim")
		} else {
			e.record(ctx, d, false, log)
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	case !sub.IsActive:
		return e.abandon(ctx, d, ErrorCodeSubscriptionInactive, "subscription is inactive", log)
	}

	out := e.send(ctx, sub, d.ID, d.EventType, d.AttemptCount, d.Payload)
	e.applyOutcome(d, sub, out)

	span.SetAttributes(attribute.String("webhook.status", string(d.Status)))
	if d.HTTPStatus != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", *d.HTTPStatus))
	}
	if !out.success {
		span.SetStatus(codes.Error, d.ErrorMessage)
	}

	kept, err := e.finish(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	if !kept {
		log.Info("Delivery cancelled during attempt, result discarded")
		e.metrics.ObserveDelivery("discarded", out.duration)
		return e.reload(ctx, d)
	}

	e.metrics.ObserveDelivery(outcomeLabel(d.Status), out.duration)
	entry := log.WithFields(logrus.Fields{
		"status":      d.Status,
		"duration_ms": d.DurationMs,
	})
	if out.success {
		entry.Info("Delivery succeeded")
	} else {
		entry.WithField("error_code", d.ErrorCode).Warn("Delivery attempt failed")
	}

	e.record(ctx, d, out.success, log)
	return d, nil
}

// abandon terminally fails a claimed delivery that cannot be sent at all.
// It still consumes the attempt and counts against the subscription.
func (e *Engine) abandon(ctx context.Context, d *Delivery, code, message string, log logrus.FieldLogger) (*Delivery, error) {
	now := e.now().UTC()
	d.Status = DeliveryStatusFailed
	d.ErrorCode = code
	d.ErrorMessage = message
	d.NextRetryAt = nil
	d.CompletedAt = &now
	d.UpdatedAt = now

	kept, err := e.finish(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	if !kept {
		return e.reload(ctx, d)
	}
	e.metrics.ObserveDelivery("abandoned", 0)
	log.WithField("error_code", code).Warn("Delivery abandoned")
	e.record(ctx, d, false, log)
	return d, nil
}

// finish writes the attempt result even when ctx is already cancelled
func (e *Engine) finish(ctx context.Context, d *Delivery) (bool, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	return e.deliveries.FinishAttempt(ctx, d)
}

func (e *Engine) reload(ctx context.Context, d *Delivery) (*Delivery, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	return e.deliveries.GetDelivery(ctx, d.TenantID, d.ID)
}

// record reports a kept outcome to the health aggregator
func (e *Engine) record(ctx context.Context, d *Delivery, success bool, log logrus.FieldLogger) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := e.recorder.Record(ctx, d, success); err != nil {
		log.WithError(err).Error("Failed to record delivery outcome")
	}
}

// release undoes a claim that was never sent, restoring the attempt count
// and due time the delivery had before
func (e *Engine) release(ctx context.Context, claimed, before *Delivery) (bool, error) {
	claimed.Status = before.Status
	claimed.AttemptCount = before.AttemptCount
	claimed.NextRetryAt = before.NextRetryAt
	claimed.StartedAt = before.StartedAt
	claimed.UpdatedAt = e.now().UTC()
	return e.finish(ctx, claimed)
}

// Probe sends one signed request for sub without touching storage
func (e *Engine) Probe(ctx context.Context, sub *Subscription, eventType string, payload []byte) *DeliveryResult {
	out := e.send(ctx, sub, "test_"+strconv.FormatInt(e.now().UnixNano(), 36), eventType, 1, payload)

	result := &DeliveryResult{
		Success:    out.success,
		Headers:    out.headers,
		DurationMs: out.duration.Milliseconds(),
	}
	if out.resp != nil {
		status := out.resp.StatusCode
		body := storableText(out.resp.Body)
		result.HTTPStatus = &status
		result.ResponseBody = &body
	}
	if out.err != nil {
		result.ErrorCode = out.err.Code
		result.ErrorMessage = out.err.Error()
	}
	return result
}

type attemptOutcome struct {
	success  bool
	headers  map[string]string
	sig      *signature.Signature
	resp     *Response
	err      *TransportError
	duration time.Duration
}

// send signs payload and issues exactly one outbound request
func (e *Engine) send(ctx context.Context, sub *Subscription, deliveryID, eventType string, attempt int, payload []byte) *attemptOutcome {
	out := &attemptOutcome{}

	sig, err := e.signer.Sign(payload, sub.Secret, signature.DefaultMethod)
	if err != nil {
		out.err = &TransportError{Code: ErrorCodeSigning, Err: err}
		return out
	}
	out.sig = sig

	headers := make(map[string]string, len(sub.CustomHeaders)+8)
	if sub.IncludeHeaders {
		for k, v := range sub.CustomHeaders {
			headers[k] = v
		}
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = e.userAgent
	headers[HeaderEvent] = eventType
	headers[HeaderDelivery] = deliveryID
	headers[HeaderAttempt] = strconv.Itoa(attempt)
	headers[HeaderTimestamp] = strconv.FormatInt(sig.Timestamp, 10)
	headers[signature.HeaderSignature] = sig.Token
	headers[signature.HeaderMethod] = string(sig.Method)
	out.headers = headers

	start := time.Now()
	resp, err := e.transport.Send(ctx, &Request{
		URL:       sub.URL,
		Body:      payload,
		Headers:   headers,
		Timeout:   time.Duration(sub.Timeout) * time.Millisecond,
		VerifySSL: sub.VerifySSL,
	})
	out.duration = time.Since(start)

	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Code: ErrorCodeNetwork, Err: err}
		}
		out.err = te
		return out
	}

	out.resp = resp
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.success = true
		return out
	}
	out.err = &TransportError{
		StatusCode: resp.StatusCode,
		Code:       "HTTP_" + strconv.Itoa(resp.StatusCode),
		Err:        fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode),
	}
	return out
}

// applyOutcome moves a SENDING delivery to DELIVERED, RETRYING or FAILED
func (e *Engine) applyOutcome(d *Delivery, sub *Subscription, out *attemptOutcome) {
	now := e.now().UTC()
	d.UpdatedAt = now
	d.DurationMs = out.duration.Milliseconds()
	d.Headers = out.headers
	if out.sig != nil {
		d.Signature = out.sig.Token
		d.SignatureMethod = string(out.sig.Method)
	}
	d.HTTPStatus, d.ResponseBody, d.ResponseHeaders = nil, nil, nil
	if out.resp != nil {
		status := out.resp.StatusCode
		body := storableText(out.resp.Body)
		d.HTTPStatus = &status
		d.ResponseBody = &body
		d.ResponseHeaders = storableHeaders(out.resp.Headers)
	}

	if out.success {
		d.Status = DeliveryStatusDelivered
		d.NextRetryAt = nil
		d.CompletedAt = &now
		d.ErrorCode, d.ErrorMessage, d.ErrorDetails = "", "", nil
		return
	}

	// maxRetries comes from the delivery; pacing follows the subscription
	policy := sub.Policy()
	policy.MaxRetries = d.MaxRetries
	policy.MaxDelay = e.maxRetryDelay
	e.applyFailure(d, policy, out.err, sub)
}

func (e *Engine) applyFailure(d *Delivery, policy RetryPolicy, terr *TransportError, sub *Subscription) {
	now := e.now().UTC()
	d.UpdatedAt = now
	d.ErrorCode = terr.Code
	d.ErrorMessage = terr.Error()
	d.ErrorDetails = map[string]any{
		"attempt":     d.AttemptCount,
		"maxAttempts": d.MaxAttempts(),
	}
	if terr.StatusCode != 0 {
		d.ErrorDetails["statusCode"] = terr.StatusCode
	}
	if sub != nil {
		d.ErrorDetails["url"] = sub.URL
	}

	if policy.ShouldRetry(d.AttemptCount) {
		next := policy.NextRetryTime(now, d.AttemptCount)
		d.Status = DeliveryStatusRetrying
		d.NextRetryAt = &next
		d.CompletedAt = nil
		return
	}

	d.Status = DeliveryStatusFailed
	d.NextRetryAt = nil
	d.CompletedAt = &now
}

func outcomeLabel(s DeliveryStatus) string {
	switch s {
	case DeliveryStatusDelivered:
		return "delivered"
	case DeliveryStatusRetrying:
		return "retrying"
	default:
		return "failed"
	}
}
