package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Header names shared by the client stack and the mock backend.
const (
	HeaderAuthorization = "Authorization"
	HeaderSessionID     = "X-Session-ID"
	HeaderCSRF          = "X-CSRF-Token"
	HeaderRequestID     = "X-Request-ID"
)

// maxResponseBytes caps buffered response bodies.
const maxResponseBytes = 4 << 20

// Request is a transport-neutral outbound request. Path is relative to the
// transport's base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request with an empty header set.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
}

// Clone returns a deep copy so a replay never aliases the original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := &Request{
		Method: r.Method,
		Path:   r.Path,
		Header: r.Header.Clone(),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Query != nil {
		out.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// Response is a fully buffered response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Transport is the network collaborator. Implementations must be safe for
// concurrent use.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
	SetDefaultHeader(name, value string)
	DeleteDefaultHeader(name string)
	DefaultHeader(name string) string
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	baseURL string
	client  *http.Client

	mu       sync.RWMutex
	defaults http.Header
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTimeout sets the per-call timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(t *HTTPTransport) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// NewHTTP returns a transport rooted at baseURL.
func NewHTTP(baseURL string, opts ...Option) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", baseURL)
	}

	t := &HTTPTransport{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		defaults: make(http.Header),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(t)
	}
	return t, nil
}

// BaseURL returns the normalized base URL.
func (t *HTTPTransport) BaseURL() string { return t.baseURL }

func (t *HTTPTransport) SetDefaultHeader(name, value string) {
	t.mu.Lock()
	t.defaults.Set(name, value)
	t.mu.Unlock()
}

func (t *HTTPTransport) DeleteDefaultHeader(name string) {
	t.mu.Lock()
	t.defaults.Del(name)
	t.mu.Unlock()
}

func (t *HTTPTransport) DefaultHeader(name string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaults.Get(name)
}

// Do sends req. A non-2xx status yields the response and a *StatusError.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("transport: nil request")
	}

	target := t.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}

	t.mu.RLock()
	for k, v := range t.defaults {
		hreq.Header[k] = append([]string(nil), v...)
	}
	t.mu.RUnlock()
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Accept", "application/json")

	hres, err := t.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = hres.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(hres.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: %s %s returned more than %d bytes", ErrResponseTooLarge, req.Method, req.Path, maxResponseBytes)
	}

	res := &Response{Status: hres.StatusCode, Header: hres.Header, Body: data}
	if !res.OK() {
		return res, NewStatusError(res)
	}
	return res, nil
}

// DecodeJSON unmarshals the response body into dst.
func (r *Response) DecodeJSON(dst any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("transport: empty response body")
	}
	if err := json.Unmarshal(r.Body, dst); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

// JSONRequest builds a Request whose body is v encoded as JSON.
func JSONRequest(method, path string, v any) (*Request, error) {
	if v == nil {
		return NewRequest(method, path, nil), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}
	req := NewRequest(method, path, b)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
