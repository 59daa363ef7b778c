package memory

import (
	"time"

	"github.com/platinummonkey/hookd/pkg/webhooks"
)

// Records are copied on the way in and out so callers never share state with the store.

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func cloneSubscription(s *webhooks.Subscription) *webhooks.Subscription {
	c := *s
	c.CustomHeaders = cloneStrings(s.CustomHeaders)
	c.Events = append([]string(nil), s.Events...)
	c.Metadata = cloneAny(s.Metadata)
	c.LastDeliveryAt = cloneTime(s.LastDeliveryAt)
	c.LastSuccessAt = cloneTime(s.LastSuccessAt)
	c.LastFailureAt = cloneTime(s.LastFailureAt)
	c.DeletedAt = cloneTime(s.DeletedAt)
	return &c
}

func cloneEvent(e *webhooks.Event) *webhooks.Event {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	c.Metadata = cloneAny(e.Metadata)
	c.ProcessedAt = cloneTime(e.ProcessedAt)
	return &c
}

func cloneDelivery(d *webhooks.Delivery) *webhooks.Delivery {
	c := *d
	c.Payload = append([]byte(nil), d.Payload...)
	c.Headers = cloneStrings(d.Headers)
	c.ResponseHeaders = cloneStrings(d.ResponseHeaders)
	c.ErrorDetails = cloneAny(d.ErrorDetails)
	c.NextRetryAt = cloneTime(d.NextRetryAt)
	c.StartedAt = cloneTime(d.StartedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	if d.HTTPStatus != nil {
		v := *d.HTTPStatus
		c.HTTPStatus = &v
	}
	if d.ResponseBody != nil {
		v := *d.ResponseBody
		c.ResponseBody = &v
	}
	return &c
}
