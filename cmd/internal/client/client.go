package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goldvision/cmd/internal/auth/csrf"
	"goldvision/cmd/internal/auth/pending"
	"goldvision/cmd/internal/auth/refresh"
	"goldvision/cmd/internal/auth/session"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
)

// Client wires the session store, the anti-forgery cache and the refresh
// coordinator around one transport. Construct one per logical user agent.
type Client struct {
	t       transport.Transport
	store   storage.Store
	log     *slog.Logger
	retired []string
	metrics *Metrics

	sessions *session.Store
	csrf     *csrf.Cache
	tokens   *refresh.Coordinator

	// reset serializes session resets after an unrecoverable anti-forgery
	// rejection; concurrent requests share one reset and its token.
	reset pending.Operation[string]
}

type options struct {
	log         *slog.Logger
	retired     []string
	cookieStore storage.Store
	cookieTTL   time.Duration
	metrics     *Metrics
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger for the client and its stores.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRetiredPrefixes rejects paths under any of prefixes without a network call.
func WithRetiredPrefixes(prefixes ...string) Option {
	return func(o *options) {
		o.retired = append(o.retired, prefixes...)
	}
}

// WithCookieStore keeps the anti-forgery cookie in a separate store.
func WithCookieStore(s storage.Store) Option {
	return func(o *options) {
		if s != nil {
			o.cookieStore = s
		}
	}
}

// WithCookieTTL overrides the anti-forgery cookie lifetime.
func WithCookieTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cookieTTL = d
		}
	}
}

// WithMetrics records client counters.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a Client and its object graph over t and store.
func New(t transport.Transport, store storage.Store, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, errors.New("client: nil transport")
	}
	if store == nil {
		return nil, errors.New("client: nil storage")
	}

	o := options{log: slog.Default(), cookieTTL: csrf.DefaultCookieTTL}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}
	if o.cookieStore == nil {
		o.cookieStore = store
	}

	c := &Client{
		t:       t,
		store:   store,
		log:     o.log,
		retired: normalizePrefixes(o.retired),
		metrics: o.metrics,
	}

	c.sessions = session.New(store, session.WithLogger(o.log))
	c.csrf = csrf.New(t, c.sessions, storage.NewCookieJar(o.cookieStore),
		csrf.WithLogger(o.log),
		csrf.WithCookieTTL(o.cookieTTL),
		csrf.WithFetchObserver(c.metrics.csrf),
	)
	c.tokens = refresh.New(t, store, c.sessions,
		refresh.WithLogger(o.log),
		refresh.WithRefreshObserver(c.metrics.refresh),
	)
	return c, nil
}

// Sessions returns the session identity store.
func (c *Client) Sessions() *session.Store { return c.sessions }

// AntiForgery returns the anti-forgery token cache.
func (c *Client) AntiForgery() *csrf.Cache { return c.csrf }

// Tokens returns the refresh coordinator.
func (c *Client) Tokens() *refresh.Coordinator { return c.tokens }

// OnLogout subscribes to the logout signal emitted when refresh is exhausted.
func (c *Client) OnLogout(fn refresh.LogoutFunc) (unsubscribe func()) {
	return c.tokens.OnLogout(fn)
}

// Restore re-attaches a persisted access token.
func (c *Client) Restore(ctx context.Context) bool { return c.tokens.Restore(ctx) }

// Do decorates and sends req, recovering from expired credentials and
// rejected anti-forgery tokens. req itself is not modified.
func (c *Client) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req == nil {
		return nil, errors.New("client: nil request")
	}
	req = req.Clone()

	var at Attempt
	for {
		if err := c.decorate(ctx, req); err != nil {
			c.metrics.request("retired")
			return nil, err
		}
		sentBearer := req.Header.Get(transport.HeaderAuthorization)

		res, err := c.t.Do(ctx, req)
		if err == nil {
			c.metrics.request("ok")
			return res, nil
		}

		v := c.recoverFrom(ctx, req, &at, sentBearer, err)
		if !v.replay {
			c.metrics.request(outcomeOf(v.err))
			return res, v.err
		}
		c.metrics.replay(v.reason)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrAntiForgeryUnrecoverable):
		return "terminal_csrf"
	case refresh.IsTerminal(err):
		return "terminal_auth"
	default:
		return "error"
	}
}

// Send encodes in as JSON (when non-nil), sends it and decodes the response
// into out (when non-nil).
func (c *Client) Send(ctx context.Context, method, path string, in, out any) error {
	req, err := transport.JSONRequest(method, path, in)
	if err != nil {
		return err
	}
	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	return res.DecodeJSON(out)
}

// GetJSON fetches path with query and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	req := transport.NewRequest(http.MethodGet, path, nil)
	req.Query = query
	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return res.DecodeJSON(out)
}

// PostJSON posts in as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.Send(ctx, http.MethodPost, path, in, out)
}

// LoginResult is what the auth server handed out at login.
type LoginResult struct {
	SessionID string
	HasCSRF   bool
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id,omitempty"`
	CSRFToken    string `json:"csrf_token,omitempty"`
}

// Login authenticates with email and password. On success the token pair,
// the server-assigned session id and the anti-forgery token are adopted.
// A failed login resets the session.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return LoginResult{}, errors.New("client: email and password are required")
	}

	var body loginResponse
	err := c.PostJSON(ctx, LoginPath, map[string]string{"email": email, "password": password}, &body)
	if err == nil && strings.TrimSpace(body.AccessToken) == "" {
		err = refresh.ErrMissingAccessToken
	}
	if err != nil {
		sid := c.sessions.Replace(ctx, "")
		c.csrf.Invalidate(ctx)
		c.log.Warn("auth.login.fail", "session_id", sid, "err", err)
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}

	if err := c.tokens.Login(ctx, refresh.TokenPair{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken}); err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}

	sid := c.sessions.GetOrCreate(ctx)
	if body.SessionID != "" {
		sid = c.sessions.Replace(ctx, body.SessionID)
	}
	if body.CSRFToken != "" {
		c.csrf.Set(ctx, body.CSRFToken)
	}
	return LoginResult{SessionID: sid, HasCSRF: body.CSRFToken != ""}, nil
}

// LogoutPath is the server-side logout endpoint.
const LogoutPath = "/auth/logout"

// Logout tells the server (best effort) and clears every local credential.
func (c *Client) Logout(ctx context.Context) error {
	var payload map[string]string
	if rt, err := c.store.Get(ctx, storage.KeyRefreshToken); err == nil && rt != "" {
		payload = map[string]string{"refresh_token": rt}
	}

	err := c.Send(ctx, http.MethodPost, LogoutPath, payload, nil)
	if err != nil {
		c.log.Info("auth.logout.remote.fail", "err", err)
	}

	c.tokens.Logout(ctx)
	c.csrf.Invalidate(ctx)
	c.sessions.Replace(ctx, "")
	return err
}

// HandshakeHeader returns the headers a request to path would carry. It lets
// non-HTTP transports (the price stream) present the same identity.
func (c *Client) HandshakeHeader(ctx context.Context, path string) (http.Header, error) {
	req := transport.NewRequest(http.MethodGet, path, nil)
	if err := c.decorate(ctx, req); err != nil {
		return nil, err
	}
	return req.Header, nil
}

// RefreshAuth forces a single-flight access-token refresh.
func (c *Client) RefreshAuth(ctx context.Context) error {
	_, err := c.tokens.Refresh(ctx)
	return err
}
