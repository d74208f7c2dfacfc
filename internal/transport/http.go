package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Wandeon/fleet-sub000/internal/device"
)

// maxResponseBytes caps how much of a device response is read.
const maxResponseBytes = 4 << 20

// Response is the outcome of one device call.
type Response struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	Data   any    `json:"data"`
	URL    string `json:"-"`
}

// Transport performs one call against a device.
type Transport interface {
	Call(ctx context.Context, dev *device.Device, req RequestDefinition) (*Response, error)
}

// HTTPTransport calls device HTTP endpoints.
//
// Thread Safety: safe for concurrent use.
type HTTPTransport struct {
	client         *http.Client
	defaultTimeout time.Duration
	getenv         func(string) string
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) { t.client = c }
}

// WithDefaultTimeout sets the timeout for requests that do not carry one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) { t.defaultTimeout = d }
}

// WithEnv replaces the environment lookup used for auth tokens.
func WithEnv(getenv func(string) string) Option {
	return func(t *HTTPTransport) { t.getenv = getenv }
}

// NewHTTP creates an HTTP device transport.
func NewHTTP(opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		client:         &http.Client{},
		defaultTimeout: DefaultTimeout,
		getenv:         os.Getenv,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call performs req against dev and decodes the response.
//
// A non-2xx response returns both the Response and an *HTTPError.
// Timeouts return ErrTimeout; connection failures return ErrUnreachable.
func (t *HTTPTransport) Call(ctx context.Context, dev *device.Device, req RequestDefinition) (*Response, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: device required", ErrInvalidRequest)
	}

	target := req.ResolveURL(dev.API.BaseURL)
	if target == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, dev.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout(t.defaultTimeout))
	defer cancel()

	httpReq, err := t.buildRequest(ctx, dev, req, target)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(ctx, err)
	}

	out := &Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Data:   decodeBody(resp.Header.Get("Content-Type"), raw),
		URL:    target,
	}
	if !out.OK {
		return out, &HTTPError{Status: out.Status, Data: out.Data}
	}
	return out, nil
}

func (t *HTTPTransport) buildRequest(ctx context.Context, dev *device.Device, req RequestDefinition, target string) (*http.Request, error) {
	method := req.MethodOrDefault()

	headers := make(http.Header)
	accept := req.Accept
	if accept == "" {
		accept = DefaultAccept
	}
	headers.Set("Accept", accept)
	if dev.API.Auth.Type == device.AuthBearer {
		if token := t.getenv(dev.API.Auth.TokenEnv); token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	}
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	var body io.Reader
	if hasBody(method) {
		payload, contentType := encodeBody(req.Body, headers.Get("Content-Type"))
		if headers.Get("Content-Type") == "" && contentType != "" {
			headers.Set("Content-Type", contentType)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	httpReq.Header = headers
	return httpReq, nil
}

// encodeBody returns the wire body and its default content type.
// An empty body is sent as {} unless a non-JSON content type was set.
func encodeBody(raw json.RawMessage, contentType string) ([]byte, string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if contentType != "" && !strings.Contains(contentType, "json") {
			return nil, ""
		}
		return []byte("{}"), "application/json"
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return []byte(s), ""
		}
	}
	return trimmed, "application/json"
}

// decodeBody parses JSON responses and returns everything else as text.
func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// classify maps a client error onto the transport taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
