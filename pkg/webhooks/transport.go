package webhooks

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxResponseBodySize caps how much of a receiver's response is stored
const MaxResponseBodySize = 64 * 1024

// Request is one outbound webhook POST
type Request struct {
	URL       string
	Body      []byte
	Headers   map[string]string
	Timeout   time.Duration
	VerifySSL bool
}

// Response is what the receiver answered
type Response struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// storableText makes receiver-supplied text safe for a TEXT column: NUL bytes
// are dropped and invalid UTF-8 becomes U+FFFD
func storableText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}

func storableHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[storableText(k)] = storableText(v)
	}
	return out
}

// Transport sends a request and returns the response or a transport error.
// Non-2xx responses are returned as responses, not errors.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport delivers over net/http with one client per TLS verification mode
type HTTPTransport struct {
	verified   *http.Client
	unverified *http.Client
}

// NewHTTPTransport creates the default outbound transport. Redirects are not
// followed so 3xx answers are classified as failures.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		verified:   newClient(false),
		unverified: newClient(true),
	}
}

func newClient(skipVerify bool) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 16
	base.IdleConnTimeout = 90 * time.Second
	if skipVerify {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-subscription opt-out
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Send issues a POST bounded by req.Timeout
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &TransportError{Code: ErrorCodeNetwork, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := t.verified
	if !req.VerifySSL {
		client = t.unverified
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
	if err != nil && !errors.Is(err, io.EOF) {
		// keep whatever arrived; the status line already decided the outcome
		body = append(body, []byte(fmt.Sprintf("\n[body read error: %v]", err))...)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Headers:    headers,
	}, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransportError{Code: ErrorCodeTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Code: ErrorCodeTimeout, Err: err}
	}
	return &TransportError{Code: ErrorCodeNetwork, Err: err}
}
