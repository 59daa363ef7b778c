// Package webhooks delivers tenant events to registered HTTP endpoints.
//
// # Overview
//
// Tenants register subscriptions (endpoint URL, signing secret, event types,
// retry policy). Published events are fanned out into one delivery per
// matching subscription. Each delivery is attempted by the Engine, retried
// with exponential backoff by the Scheduler, and its outcome is folded into
// the subscription's health counters by the HealthAggregator.
//
// Delivery is at-least-once with no ordering guarantee. Receivers should
// de-duplicate on the X-Webhook-Delivery header.
//
// # Delivery States
//
//	PENDING -> SENDING -> DELIVERED
//	                   -> RETRYING -> SENDING ...
//	                   -> FAILED
//	PENDING|SENDING|RETRYING -> CANCELLED
//	PENDING|RETRYING -> EXPIRED
//
// DELIVERED, FAILED, CANCELLED and EXPIRED are terminal.
//
// # Usage Example
//
//	svc := webhooks.NewService(ctx, store, webhooks.Config{}, webhooks.Options{Logger: logger})
//	defer svc.Close(ctx)
//
//	sub, err := svc.Subscriptions.Create(ctx, "acme", webhooks.CreateSubscriptionInput{
//		URL:    "https://api.example.com/webhooks",
//		Secret: "0123456789abcdef",
//		Events: []string{"order.created"},
//	})
//
//	event, err := svc.Events.CreateEvent(ctx, "acme", webhooks.CreateEventInput{
//		EventType: "order.created",
//		Source:    "orders",
//		Data:      json.RawMessage(`{"orderId":"o-1"}`),
//	})
//	result, err := svc.Events.ProcessEvent(ctx, "acme", event.ID)
//
//	// attempt everything that is due; normally driven by svc.Start()
//	sweep, err := svc.Scheduler.ProcessPendingDeliveries(ctx, "acme")
//
// # Signature Verification
//
// Every request carries X-Webhook-Signature: <hex>.<unix-ts>.<nonce>, an HMAC
// over body "." ts "." nonce. See pkg/signature.
//
// # Related Packages
//
//   - pkg/signature: signing and verification
//   - pkg/storage/memory, pkg/storage/sqlstore: Store implementations
//   - pkg/ratelimit: outbound per-subscription throttling
package webhooks
