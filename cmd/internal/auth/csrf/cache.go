// Package csrf caches the anti-forgery token.
//
// The token lives in memory and is mirrored to a side-channel cookie store
// with a bounded lifetime. At most one fetch against the issuance endpoint
// is in flight per cache; concurrent callers share its result.
package csrf

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"goldvision/cmd/internal/auth/pending"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
	"goldvision/cmd/security/token"
)

const (
	// DefaultCookieTTL is the lifetime of the mirrored cookie.
	DefaultCookieTTL = 30 * time.Minute

	// IssuePath is the anti-forgery issuance endpoint.
	IssuePath = "/csrf"
)

// Doer sends a request. transport.Transport satisfies it.
type Doer interface {
	Do(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// SessionSource yields the current session id.
type SessionSource interface {
	GetOrCreate(ctx context.Context) string
}

// Cache is the AntiForgeryTokenCache. One instance per client.
type Cache struct {
	doer     Doer
	sessions SessionSource
	jar      *storage.CookieJar
	ttl      time.Duration
	log      *slog.Logger
	observe  func(result string)

	mu    sync.Mutex
	token string

	fetch pending.Operation[issued]
}

// issued is a fetched token and the session it was issued for.
type issued struct {
	token   string
	session string
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCookieTTL overrides the cookie lifetime.
func WithCookieTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithFetchObserver is called once per settled fetch with "ok" or "error".
func WithFetchObserver(fn func(result string)) Option {
	return func(c *Cache) {
		if fn != nil {
			c.observe = fn
		}
	}
}

// New constructs a Cache. jar may be nil for memory-only operation.
func New(doer Doer, sessions SessionSource, jar *storage.CookieJar, opts ...Option) *Cache {
	c := &Cache{
		doer:     doer,
		sessions: sessions,
		jar:      jar,
		ttl:      DefaultCookieTTL,
		log:      slog.Default(),
		observe:  func(string) {},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// Peek returns the cached token without network activity. A cookie hit is
// adopted into memory. Empty means none is cached.
func (c *Cache) Peek(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" {
		return c.token
	}
	if c.jar == nil {
		return ""
	}

	v, err := c.jar.Get(ctx, storage.KeyCSRFCookie)
	if err != nil {
		if !storage.IsNotFound(err) {
			c.log.Debug("csrf.cookie.read.fail", "err", err)
		}
		return ""
	}
	c.token = strings.TrimSpace(v)
	return c.token
}

// Ensure returns a token, fetching one when none is cached or force is set.
// A failed fetch is logged and yields "".
func (c *Cache) Ensure(ctx context.Context, force bool) string {
	if !force {
		if tok := c.Peek(ctx); tok != "" {
			return tok
		}
	}

	// A joined flight may belong to a session replaced since; fetch once
	// more for the current one.
	for range 2 {
		got, shared, err := c.fetch.Do(ctx, c.issue)
		if err != nil {
			c.log.Warn("csrf.ensure.fail", "shared", shared, "err", err)
			return ""
		}
		if got.session == c.sessions.GetOrCreate(ctx) {
			return got.token
		}
		c.log.Debug("csrf.ensure.stale_session", "issued_for", got.session)
	}
	return ""
}

// Set adopts a token handed out by another endpoint (login).
func (c *Cache) Set(ctx context.Context, tok string) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return
	}
	c.store(ctx, tok)
}

// Invalidate clears memory and cookie.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if c.jar == nil {
		return
	}
	if err := c.jar.Delete(ctx, storage.KeyCSRFCookie); err != nil {
		c.log.Debug("csrf.cookie.delete.fail", "err", err)
	}
}

// Fetching reports whether an issuance call is in flight.
func (c *Cache) Fetching() bool { return c.fetch.InFlight() }

func (c *Cache) issue(ctx context.Context) (issued, error) {
	sid := c.sessions.GetOrCreate(ctx)

	req := transport.NewRequest(http.MethodGet, IssuePath, nil)
	req.Header.Set(transport.HeaderSessionID, sid)

	res, err := c.doer.Do(ctx, req)
	if err != nil {
		c.observe("error")
		return issued{}, err
	}

	var body struct {
		Token string `json:"csrf_token"`
	}
	if err := res.DecodeJSON(&body); err != nil {
		c.observe("error")
		return issued{}, err
	}
	tok := strings.TrimSpace(body.Token)
	if tok == "" {
		c.observe("error")
		return issued{}, ErrEmptyToken
	}

	if c.sessions.GetOrCreate(ctx) == sid {
		c.store(ctx, tok)
	}
	c.observe("ok")
	c.log.Debug("csrf.fetch.ok", "session_id", sid, "token_fp", token.Fingerprint(tok))
	return issued{token: tok, session: sid}, nil
}

func (c *Cache) store(ctx context.Context, tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	if c.jar == nil {
		return
	}
	if err := c.jar.Set(ctx, storage.KeyCSRFCookie, tok, c.ttl); err != nil {
		c.log.Debug("csrf.cookie.write.fail", "err", err)
	}
}
