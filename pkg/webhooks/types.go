package webhooks

import (
	"encoding/json"
	"time"
)

// EventStatus represents the processing state of an event
type EventStatus string

const (
	EventStatusPending    EventStatus = "PENDING"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusProcessed  EventStatus = "PROCESSED"
	EventStatusFailed     EventStatus = "FAILED"
	EventStatusCancelled  EventStatus = "CANCELLED"
)

// DeliveryStatus represents the state of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusSending   DeliveryStatus = "SENDING"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
	DeliveryStatusCancelled DeliveryStatus = "CANCELLED"
	DeliveryStatusExpired   DeliveryStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from s
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusCancelled, DeliveryStatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known delivery status
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSending, DeliveryStatusDelivered, DeliveryStatusFailed,
		DeliveryStatusRetrying, DeliveryStatusCancelled, DeliveryStatusExpired:
		return true
	}
	return false
}

// Messages recorded when a sweep recovers a claim that timed out
const (
	StaleClaimMessage = "attempt did not finish before its claim timed out"
	StaleEventMessage = "processing did not finish before its claim timed out"
)

// ReleaseClaim recovers a delivery abandoned in SENDING. The attempt stays
// counted: with attempts left it is RETRYING due at now, otherwise FAILED.
func ReleaseClaim(d *Delivery, now time.Time) {
	d.ErrorCode = ErrorCodeAttemptAbandoned
	d.ErrorMessage = StaleClaimMessage
	d.UpdatedAt = now
	if d.Exhausted() {
		d.Status = DeliveryStatusFailed
		d.NextRetryAt = nil
		d.CompletedAt = &now
		return
	}
	d.Status = DeliveryStatusRetrying
	d.NextRetryAt = &now
}

// Error codes recorded on failed deliveries
const (
	ErrorCodeTimeout              = "TIMEOUT"
	ErrorCodeNetwork              = "NETWORK_ERROR"
	ErrorCodeSigning              = "SIGNING_ERROR"
	ErrorCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrorCodeSubscriptionInactive = "SUBSCRIPTION_INACTIVE"
	ErrorCodeExpired              = "EXPIRED"
	ErrorCodeAttemptAbandoned     = "ATTEMPT_ABANDONED"
)

// Subscription is a tenant's registered webhook endpoint
type Subscription struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Secret         string            `json:"-"`
	VerifySSL      bool              `json:"verifySsl"`
	IncludeHeaders bool              `json:"includeHeaders"`
	CustomHeaders  map[string]string `json:"customHeaders,omitempty"`
	Events         []string          `json:"events"`
	MaxRetries     int               `json:"maxRetries"`
	RetryDelay     int64             `json:"retryDelay"`
	RetryBackoff   float64           `json:"retryBackoff"`
	Timeout        int64             `json:"timeout"`
	Metadata       map[string]any    `json:"metadata,omitempty"`

	IsActive             bool       `json:"isActive"`
	IsHealthy            bool       `json:"isHealthy"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	LastDeliveryAt       *time.Time `json:"lastDeliveryAt,omitempty"`
	LastSuccessAt        *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt        *time.Time `json:"lastFailureAt,omitempty"`
	TotalDeliveries      int64      `json:"totalDeliveries"`
	SuccessfulDeliveries int64      `json:"successfulDeliveries"`
	FailedDeliveries     int64      `json:"failedDeliveries"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// Subscribes reports whether the subscription's filter contains eventType
func (s *Subscription) Subscribes(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Policy returns the retry policy configured on the subscription
func (s *Subscription) Policy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: s.MaxRetries,
		Delay:      time.Duration(s.RetryDelay) * time.Millisecond,
		Backoff:    s.RetryBackoff,
	}
}

// CreateSubscriptionInput is the payload for registering a subscription.
// Nil pointers take the documented defaults.
type CreateSubscriptionInput struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Secret         string            `json:"secret"`
	Events         []string          `json:"events"`
	VerifySSL      *bool             `json:"verifySsl,omitempty"`
	IncludeHeaders *bool             `json:"includeHeaders,omitempty"`
	CustomHeaders  map[string]string `json:"customHeaders,omitempty"`
	MaxRetries     *int              `json:"maxRetries,omitempty"`
	RetryDelay     *int64            `json:"retryDelay,omitempty"`
	RetryBackoff   *float64          `json:"retryBackoff,omitempty"`
	Timeout        *int64            `json:"timeout,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	IsActive       *bool             `json:"isActive,omitempty"`
}

// UpdateSubscriptionInput is a partial update; nil fields are left unchanged
type UpdateSubscriptionInput struct {
	Name           *string            `json:"name,omitempty"`
	URL            *string            `json:"url,omitempty"`
	Secret         *string            `json:"secret,omitempty"`
	Events         []string           `json:"events,omitempty"`
	VerifySSL      *bool              `json:"verifySsl,omitempty"`
	IncludeHeaders *bool              `json:"includeHeaders,omitempty"`
	CustomHeaders  *map[string]string `json:"customHeaders,omitempty"`
	MaxRetries     *int               `json:"maxRetries,omitempty"`
	RetryDelay     *int64             `json:"retryDelay,omitempty"`
	RetryBackoff   *float64           `json:"retryBackoff,omitempty"`
	Timeout        *int64             `json:"timeout,omitempty"`
	Metadata       *map[string]any    `json:"metadata,omitempty"`
	IsActive       *bool              `json:"isActive,omitempty"`
}

// SubscriptionFilter narrows subscription listings
type SubscriptionFilter struct {
	IsActive  *bool
	IsHealthy *bool
	// Events matches subscriptions that contain any of the given types
	Events []string
	Limit  int
	Offset int
}

// Event is a typed fact produced by the platform
type Event struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	EventType     string          `json:"eventType"`
	EventVersion  string          `json:"eventVersion"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Status        EventStatus     `json:"status"`
	DeliveryCount int             `json:"deliveryCount"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// CreateEventInput is the payload for publishing an event
type CreateEventInput struct {
	EventType    string          `json:"eventType"`
	EventVersion string          `json:"eventVersion,omitempty"`
	Source       string          `json:"source"`
	Data         json.RawMessage `json:"data"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// EventFilter narrows event listings
type EventFilter struct {
	Status    EventStatus
	EventType string
	Limit     int
	Offset    int
}

// Delivery is one subscription's attempt record for one event
type Delivery struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenantId"`
	SubscriptionID  string            `json:"subscriptionId"`
	EventID         string            `json:"eventId"`
	EventType       string            `json:"eventType"`
	Payload         json.RawMessage   `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	Signature       string            `json:"signature,omitempty"`
	SignatureMethod string            `json:"signatureMethod,omitempty"`

	Status          DeliveryStatus    `json:"status"`
	HTTPStatus      *int              `json:"httpStatus,omitempty"`
	ResponseBody    *string           `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	AttemptCount    int               `json:"attemptCount"`
	MaxRetries      int               `json:"maxRetries"`
	NextRetryAt     *time.Time        `json:"nextRetryAt,omitempty"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	DurationMs      int64             `json:"durationMs"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	ErrorDetails    map[string]any    `json:"errorDetails,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MaxAttempts is the initial attempt plus the retries promised at fan-out
func (d *Delivery) MaxAttempts() int {
	return d.MaxRetries + 1
}

// Exhausted reports whether every promised attempt has been used
func (d *Delivery) Exhausted() bool {
	return d.AttemptCount >= d.MaxAttempts()
}

// DeliveryFilter narrows delivery listings
type DeliveryFilter struct {
	SubscriptionID string
	EventID        string
	EventType      string
	Status         DeliveryStatus
	Limit          int
	Offset         int
}

// DeliveryResult is the synchronous outcome of a test send
type DeliveryResult struct {
	Success      bool              `json:"success"`
	HTTPStatus   *int              `json:"httpStatus,omitempty"`
	ResponseBody *string           `json:"responseBody,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	DurationMs   int64             `json:"durationMs"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
}

// ProcessResult is returned by ProcessEvent
type ProcessResult struct {
	Event            *Event      `json:"event"`
	Deliveries       []*Delivery `json:"deliveries"`
	AlreadyProcessed bool        `json:"alreadyProcessed"`
}

// SweepResult summarizes one scheduler pass
type SweepResult struct {
	Recovered       int `json:"recovered"`
	RecoveredEvents int `json:"recoveredEvents"`
	Expired         int `json:"expired"`
	Selected        int `json:"selected"`
	Attempted       int `json:"attempted"`
	Delivered       int `json:"delivered"`
	Deferred        int `json:"deferred"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
}

// SubscriptionSummary holds subscription-level aggregates for a tenant
type SubscriptionSummary struct {
	Total                int64
	Active               int64
	Healthy              int64
	TotalDeliveries      int64
	SuccessfulDeliveries int64
	FailedDeliveries     int64
}

// Stats is the tenant-wide delivery report
type Stats struct {
	TotalSubscriptions     int64                    `json:"totalSubscriptions"`
	ActiveSubscriptions    int64                    `json:"activeSubscriptions"`
	HealthySubscriptions   int64                    `json:"healthySubscriptions"`
	UnhealthySubscriptions int64                    `json:"unhealthySubscriptions"`
	DeliveriesByStatus     map[DeliveryStatus]int64 `json:"deliveriesByStatus"`
	EventsByType           map[string]int64         `json:"eventsByType"`
	TotalDeliveries        int64                    `json:"totalDeliveries"`
	SuccessfulDeliveries   int64                    `json:"successfulDeliveries"`
	FailedDeliveries       int64                    `json:"failedDeliveries"`
	SuccessRate            float64                  `json:"successRate"`
	AverageDurationMs      float64                  `json:"averageDurationMs"`
}
