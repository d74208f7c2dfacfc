package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Request defaults.
const (
	DefaultMethod  = http.MethodGet
	DefaultTimeout = 5 * time.Second
	DefaultAccept  = "application/json, text/plain;q=0.8"
)

// RequestDefinition is a transport-agnostic description of one device call.
// It is stored with the job, so field names are part of the persisted form.
type RequestDefinition struct {
	// Path is joined to the device base URL. An absolute http(s) URL in
	// Path is used as-is.
	Path string `json:"path,omitempty"`

	// URL overrides Path and the device base URL entirely.
	URL string `json:"url,omitempty"`

	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Body is sent as JSON. A JSON string body is sent as its raw text.
	Body json.RawMessage `json:"body,omitempty"`

	TimeoutMS int    `json:"timeoutMs,omitempty"`
	Accept    string `json:"accept,omitempty"`
}

// MethodOrDefault returns the upper-cased method, GET when unset.
func (r RequestDefinition) MethodOrDefault() string {
	if m := strings.TrimSpace(r.Method); m != "" {
		return strings.ToUpper(m)
	}
	return DefaultMethod
}

// Timeout returns the per-call timeout, falling back to def and then
// DefaultTimeout.
func (r RequestDefinition) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMS > 0 {
		return time.Duration(r.TimeoutMS) * time.Millisecond
	}
	if def > 0 {
		return def
	}
	return DefaultTimeout
}

// ResolveURL picks the target URL for a call against baseURL.
// Returns "" when no URL can be formed.
func (r RequestDefinition) ResolveURL(baseURL string) string {
	if r.URL != "" {
		return r.URL
	}
	return JoinURL(baseURL, r.Path)
}

// JoinURL joins base and path with exactly one slash between them.
// Absolute http(s) paths pass through unchanged.
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if path == "" {
		return base
	}

	baseSlash := strings.HasSuffix(base, "/")
	pathSlash := strings.HasPrefix(path, "/")
	switch {
	case baseSlash && pathSlash:
		return base + path[1:]
	case !baseSlash && !pathSlash:
		return base + "/" + path
	default:
		return base + path
	}
}

// hasBody reports whether the method carries a request body.
func hasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}
