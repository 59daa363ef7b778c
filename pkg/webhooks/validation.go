package webhooks

import (
	"encoding/json"
	"net/url"
	"strings"
)

// MinSecretLength is the shortest accepted signing secret
const MinSecretLength = 16

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("url", "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("url", "must use http or https")
	}
	if u.Host == "" {
		return invalid("url", "must include a host")
	}
	return nil
}

func validateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return invalid("secret", "must be at least %d characters", MinSecretLength)
	}
	return nil
}

// normalizeEvents rejects blank entries and collapses duplicates, keeping first-seen order
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, invalid("events", "at least one event type is required")
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, invalid("events", "event types must not be blank")
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

// validatePolicy checks the delivery tuning fields of a subscription
func validatePolicy(sub *Subscription) error {
	if sub.MaxRetries < MinMaxRetries || sub.MaxRetries > MaxMaxRetries {
		return invalid("maxRetries", "must be between %d and %d", MinMaxRetries, MaxMaxRetries)
	}
	if sub.RetryDelay < 1 || sub.RetryDelay > MaxRetryDelayMs {
		return invalid("retryDelay", "must be between 1 and %d milliseconds", MaxRetryDelayMs)
	}
	if sub.RetryBackoff < MinRetryBackoff || sub.RetryBackoff > MaxRetryBackoff {
		return invalid("retryBackoff", "must be between %.1f and %.1f", MinRetryBackoff, MaxRetryBackoff)
	}
	if sub.Timeout < 1 || sub.Timeout > MaxTimeoutMs {
		return invalid("timeout", "must be between 1 and %d milliseconds", MaxTimeoutMs)
	}
	return nil
}

func validateSubscription(sub *Subscription) error {
	if err := validateURL(sub.URL); err != nil {
		return err
	}
	if err := validateSecret(sub.Secret); err != nil {
		return err
	}
	events, err := normalizeEvents(sub.Events)
	if err != nil {
		return err
	}
	sub.Events = events
	return validatePolicy(sub)
}

func validateEventInput(in *CreateEventInput) error {
	in.EventType = strings.TrimSpace(in.EventType)
	in.Source = strings.TrimSpace(in.Source)
	if in.EventType == "" {
		return invalid("eventType", "is required")
	}
	if in.Source == "" {
		return invalid("source", "is required")
	}
	if len(in.Data) == 0 {
		return invalid("data", "is required")
	}
	if !json.Valid(in.Data) {
		return invalid("data", "must be valid JSON")
	}
	if strings.TrimSpace(string(in.Data)) == "null" {
		return invalid("data", "must not be null")
	}
	return nil
}

// normalizePage clamps listing bounds to 1..MaxPageSize and a non-negative offset
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Listing bounds
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)
