package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/hookd/pkg/httputil"
	"github.com/platinummonkey/hookd/pkg/middleware"
	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/signature"
)

// Handlers provides HTTP handlers for webhook management
type Handlers struct {
	service *Service
	checker *observability.HealthChecker
}

// NewHandlers creates new webhook handlers. checker may be nil.
func NewHandlers(service *Service, checker *observability.HealthChecker) *Handlers {
	return &Handlers{
		service: service,
		checker: checker,
	}
}

type tenantHandlerFunc func(w http.ResponseWriter, r *http.Request, tenantID string)

// tenant wraps a handler that needs the X-Tenant-ID header
func tenant(fn tenantHandlerFunc) http.Handler {
	return middleware.TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, middleware.TenantID(r))
	}))
}

// RegisterRoutes registers webhook routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/subscriptions", tenant(h.createSubscription)).Methods("POST")
	router.Handle("/subscriptions", tenant(h.listSubscriptions)).Methods("GET")
	router.Handle("/subscriptions/{id}", tenant(h.getSubscription)).Methods("GET")
	router.Handle("/subscriptions/{id}", tenant(h.updateSubscription)).Methods("PUT")
	router.Handle("/subscriptions/{id}", tenant(h.deleteSubscription)).Methods("DELETE")
	router.Handle("/subscriptions/{id}/test", tenant(h.testSubscription)).Methods("POST")

	router.Handle("/events", tenant(h.createEvent)).Methods("POST")
	router.Handle("/events", tenant(h.listEvents)).Methods("GET")
	router.Handle("/events/{id}", tenant(h.getEvent)).Methods("GET")
	router.Handle("/events/{id}/process", tenant(h.processEvent)).Methods("POST")
	router.Handle("/events/{id}/cancel", tenant(h.cancelEvent)).Methods("POST")

	router.Handle("/deliveries", tenant(h.listDeliveries)).Methods("GET")
	router.Handle("/deliveries/{id}", tenant(h.getDelivery)).Methods("GET")
	router.Handle("/deliveries/{id}/retry", tenant(h.retryDelivery)).Methods("POST")
	router.Handle("/deliveries/{id}/cancel", tenant(h.cancelDelivery)).Methods("POST")

	router.Handle("/stats", tenant(h.getStats)).Methods("GET")
	router.Handle("/process-pending", tenant(h.processPending)).Methods("POST")
	router.Handle("/health", middleware.OptionalTenantMiddleware(http.HandlerFunc(h.health))).Methods("GET")

	router.HandleFunc("/signature/generate", h.generateSignature).Methods("POST")
	router.HandleFunc("/signature/verify", h.verifySignature).Methods("POST")
}

// writeError maps service errors onto HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.WriteBadRequest(w, ve.Error())
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, ErrConflict):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrMaxRetriesExceeded):
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// createSubscription handles POST /subscriptions
func (h *Handlers) createSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in CreateSubscriptionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	sub, err := h.service.Subscriptions.Create(r.Context(), tenantID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// listSubscriptions handles GET /subscriptions
func (h *Handlers) listSubscriptions(w http.ResponseWriter, r *http.Request, tenantID string) {
	limit, offset, err := httputil.ParsePagination(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	isActive, err := httputil.ParseQueryBoolPtr(r, "isActive")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	isHealthy, err := httputil.ParseQueryBoolPtr(r, "isHealthy")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	subs, err := h.service.Subscriptions.List(r.Context(), tenantID, SubscriptionFilter{
		IsActive:  isActive,
		IsHealthy: isHealthy,
		Events:    httputil.ParseQueryList(r, "events"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, subs)
}

// getSubscription handles GET /subscriptions/{id}
func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	sub, err := h.service.Subscriptions.Get(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// updateSubscription handles PUT /subscriptions/{id}
func (h *Handlers) updateSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in UpdateSubscriptionInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	sub, err := h.service.Subscriptions.Update(r.Context(), tenantID, mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// deleteSubscription handles DELETE /subscriptions/{id}
func (h *Handlers) deleteSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := h.service.Subscriptions.Delete(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, "subscription deleted", nil)
}

// testSubscription handles POST /subscriptions/{id}/test
func (h *Handlers) testSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	result, err := h.service.Subscriptions.Test(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// createEvent handles POST /events
func (h *Handlers) createEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in CreateEventInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}

	event, err := h.service.Events.CreateEvent(r.Context(), tenantID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, event)
}

// listEvents handles GET /events
func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	limit, offset, err := httputil.ParsePagination(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.service.Events.ListEvents(r.Context(), tenantID, EventFilter{
		Status:    EventStatus(httputil.ParseQueryString(r, "status", "")),
		EventType: httputil.ParseQueryString(r, "eventType", ""),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, events)
}

// getEvent handles GET /events/{id}
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	event, err := h.service.Events.GetEvent(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, event)
}

// processEvent handles POST /events/{id}/process
func (h *Handlers) processEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	result, err := h.service.Events.ProcessEvent(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// cancelEvent handles POST /events/{id}/cancel
func (h *Handlers) cancelEvent(w http.ResponseWriter, r *http.Request, tenantID string) {
	event, err := h.service.Events.CancelEvent(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, event)
}

// listDeliveries handles GET /deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request, tenantID string) {
	limit, offset, err := httputil.ParsePagination(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	status := DeliveryStatus(httputil.ParseQueryString(r, "status", ""))
	if status != "" && !status.Valid() {
		httputil.WriteBadRequest(w, "unknown delivery status: "+string(status))
		return
	}

	deliveries, err := h.service.Deliveries(r.Context(), tenantID, DeliveryFilter{
		SubscriptionID: httputil.ParseQueryString(r, "subscriptionId", ""),
		EventID:        httputil.ParseQueryString(r, "eventId", ""),
		EventType:      httputil.ParseQueryString(r, "eventType", ""),
		Status:         status,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, deliveries)
}

// getDelivery handles GET /deliveries/{id}
func (h *Handlers) getDelivery(w http.ResponseWriter, r *http.Request, tenantID string) {
	d, err := h.service.Delivery(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

// retryDelivery handles POST /deliveries/{id}/retry
func (h *Handlers) retryDelivery(w http.ResponseWriter, r *http.Request, tenantID string) {
	d, err := h.service.Scheduler.Retry(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

// cancelDelivery handles POST /deliveries/{id}/cancel
func (h *Handlers) cancelDelivery(w http.ResponseWriter, r *http.Request, tenantID string) {
	id := mux.Vars(r)["id"]
	cancelled, err := h.service.Scheduler.Cancel(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"id":        id,
		"cancelled": cancelled,
	})
}

// getStats handles GET /stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request, tenantID string) {
	stats, err := h.service.Health.GetStats(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// processPending handles POST /process-pending
func (h *Handlers) processPending(w http.ResponseWriter, r *http.Request, tenantID string) {
	result, err := h.service.Scheduler.ProcessPendingDeliveries(r.Context(), tenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

type healthResponse struct {
	observability.HealthStatus
	UnhealthySubscriptions *int64 `json:"unhealthySubscriptions,omitempty"`
}

// health handles GET /health
func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{HealthStatus: observability.HealthStatus{
		Status:    observability.StatusHealthy,
		Timestamp: time.Now().UTC(),
	}}
	if h.checker != nil {
		resp.HealthStatus = h.checker.Check(r.Context())
	}

	if tenantID := middleware.TenantID(r); tenantID != "" {
		stats, err := h.service.Health.GetStats(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.UnhealthySubscriptions = &stats.UnhealthySubscriptions
	}

	status := http.StatusOK
	if resp.Status == observability.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteData(w, status, resp)
}

type signatureRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Secret    string          `json:"secret"`
	Signature string          `json:"signature,omitempty"`
	Method    string          `json:"method,omitempty"`
}

// payloadBytes returns the bytes that get signed: the text of a JSON string,
// otherwise the compacted JSON value
func (req *signatureRequest) payloadBytes() ([]byte, error) {
	if len(req.Payload) == 0 {
		return nil, invalid("payload", "is required")
	}
	var s string
	if err := json.Unmarshal(req.Payload, &s); err == nil {
		return []byte(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, req.Payload); err != nil {
		return nil, invalid("payload", "must be valid JSON")
	}
	return buf.Bytes(), nil
}

func (req *signatureRequest) method() (signature.Method, error) {
	m := signature.Method(req.Method)
	if m == "" {
		return signature.DefaultMethod, nil
	}
	if !signature.IsSupported(m) {
		return "", invalid("method", "unsupported signature method %q", req.Method)
	}
	return m, nil
}

// generateSignature handles POST /signature/generate
func (h *Handlers) generateSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	payload, err := req.payloadBytes()
	if err != nil {
		writeError(w, r, err)
		return
	}
	method, err := req.method()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Secret == "" {
		writeError(w, r, invalid("secret", "is required"))
		return
	}

	sig, err := signature.Sign(payload, req.Secret, method)
	if err != nil {
		writeError(w, r, invalid("signature", "%v", err))
		return
	}
	httputil.WriteSuccess(w, sig)
}

// verifySignature handles POST /signature/verify
func (h *Handlers) verifySignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	payload, err := req.payloadBytes()
	if err != nil {
		writeError(w, r, err)
		return
	}
	method, err := req.method()
	if err != nil {
		writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]bool{
		"valid": signature.Verify(payload, req.Signature, req.Secret, method),
	})
}
