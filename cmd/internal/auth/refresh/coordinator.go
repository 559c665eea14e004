// Package refresh coordinates the access/refresh token pair.
//
// Refresh is single-flight: however many callers trigger it concurrently,
// exactly one call reaches the auth server and every caller receives its
// outcome. A failed refresh clears both tokens and emits the logout signal.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"goldvision/cmd/internal/auth/pending"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
	"goldvision/cmd/security/token"
)

// RefreshPath is the auth server refresh endpoint.
const RefreshPath = "/auth/refresh"

// State of the coordinator.
type State int

const (
	Idle State = iota
	Refreshing
)

func (s State) String() string {
	switch s {
	case Refreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// TokenPair is the credential pair. Empty strings mean absent.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// SessionSource yields the current session id.
type SessionSource interface {
	GetOrCreate(ctx context.Context) string
}

// LogoutFunc receives the reason refresh was exhausted.
type LogoutFunc func(reason error)

// Coordinator is the TokenRefreshCoordinator. One instance per client.
type Coordinator struct {
	t        transport.Transport
	store    storage.Store
	sessions SessionSource
	log      *slog.Logger
	observe  func(result string)

	flight pending.Operation[TokenPair]

	mu       sync.Mutex
	subs     map[int]LogoutFunc
	nextSub  int
	signaled bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRefreshObserver is called once per settled refresh with
// "ok", "no_token" or "error".
func WithRefreshObserver(fn func(result string)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.observe = fn
		}
	}
}

// New constructs a Coordinator.
func New(t transport.Transport, store storage.Store, sessions SessionSource, opts ...Option) *Coordinator {
	c := &Coordinator{
		t:        t,
		store:    store,
		sessions: sessions,
		log:      slog.Default(),
		observe:  func(string) {},
		subs:     make(map[int]LogoutFunc),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c
}

// State reports Idle or Refreshing.
func (c *Coordinator) State() State {
	if c.flight.InFlight() {
		return Refreshing
	}
	return Idle
}

// Waiters returns how many callers share the in-flight refresh.
func (c *Coordinator) Waiters() int { return c.flight.Waiters() }

// OnLogout subscribes fn to the logout signal. The returned func unsubscribes.
func (c *Coordinator) OnLogout(fn LogoutFunc) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// AttachAccessToken sets the transport's default bearer credential, or
// removes it when tok is empty.
func (c *Coordinator) AttachAccessToken(tok string) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		c.t.DeleteDefaultHeader(transport.HeaderAuthorization)
		return
	}
	c.t.SetDefaultHeader(transport.HeaderAuthorization, "Bearer "+tok)
}

// AccessToken returns the currently attached access token.
func (c *Coordinator) AccessToken() string {
	return strings.TrimPrefix(c.t.DefaultHeader(transport.HeaderAuthorization), "Bearer ")
}

// Login persists and attaches pair and starts a new login epoch: the logout
// signal may fire again.
func (c *Coordinator) Login(ctx context.Context, pair TokenPair) error {
	if strings.TrimSpace(pair.AccessToken) == "" {
		return ErrMissingAccessToken
	}
	if err := c.store.Set(ctx, storage.KeyAccessToken, pair.AccessToken, 0); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if err := c.store.Set(ctx, storage.KeyRefreshToken, pair.RefreshToken, 0); err != nil {
			return fmt.Errorf("persist refresh token: %w", err)
		}
	}
	c.AttachAccessToken(pair.AccessToken)

	c.mu.Lock()
	c.signaled = false
	c.mu.Unlock()

	c.log.Info("auth.login", "access_fp", token.Fingerprint(pair.AccessToken))
	return nil
}

// Logout clears both tokens and the attached credential. It does not emit
// the logout signal; the caller initiated it.
func (c *Coordinator) Logout(ctx context.Context) {
	c.clear(ctx)
	c.log.Info("auth.logout")
}

// Restore re-attaches a persisted access token. It reports whether one was found.
func (c *Coordinator) Restore(ctx context.Context) bool {
	v, err := c.store.Get(ctx, storage.KeyAccessToken)
	if err != nil || strings.TrimSpace(v) == "" {
		if err != nil && !storage.IsNotFound(err) {
			c.log.Warn("auth.restore.fail", "err", err)
		}
		return false
	}
	c.AttachAccessToken(v)
	c.log.Debug("auth.restore", "access_fp", token.Fingerprint(v))
	return true
}

// Refresh obtains a new access token. Concurrent callers share one call.
func (c *Coordinator) Refresh(ctx context.Context) (TokenPair, error) {
	pair, shared, err := c.flight.Do(ctx, c.refresh)
	if shared {
		c.log.Debug("auth.refresh.joined", "err", err)
	}
	return pair, err
}

func (c *Coordinator) refresh(ctx context.Context) (TokenPair, error) {
	rt, err := c.store.Get(ctx, storage.KeyRefreshToken)
	if err != nil || strings.TrimSpace(rt) == "" {
		reason := ErrNoRefreshToken
		if err != nil && !storage.IsNotFound(err) {
			reason = fmt.Errorf("%w: %w", ErrNoRefreshToken, err)
		}
		c.log.Info("auth.refresh.no_token")
		c.observe("no_token")
		c.signalLogout(reason)
		return TokenPair{}, reason
	}

	sid := c.sessions.GetOrCreate(ctx)
	c.log.Info("auth.refresh.start", "session_id", sid)

	req, err := transport.JSONRequest(http.MethodPost, RefreshPath, map[string]string{"refresh_token": rt})
	if err != nil {
		return TokenPair{}, c.fail(ctx, err)
	}
	req.Header.Set(transport.HeaderSessionID, sid)

	res, err := c.t.Do(ctx, req)
	if err != nil {
		return TokenPair{}, c.fail(ctx, err)
	}

	var pair TokenPair
	if err := res.DecodeJSON(&pair); err != nil {
		return TokenPair{}, c.fail(ctx, err)
	}
	if strings.TrimSpace(pair.AccessToken) == "" {
		return TokenPair{}, c.fail(ctx, ErrMissingAccessToken)
	}

	if err := c.store.Set(ctx, storage.KeyAccessToken, pair.AccessToken, 0); err != nil {
		c.log.Warn("auth.refresh.persist.fail", "key", storage.KeyAccessToken, "err", err)
	}
	if pair.RefreshToken != "" {
		if err := c.store.Set(ctx, storage.KeyRefreshToken, pair.RefreshToken, 0); err != nil {
			c.log.Warn("auth.refresh.persist.fail", "key", storage.KeyRefreshToken, "err", err)
		}
	} else {
		pair.RefreshToken = rt
	}
	c.AttachAccessToken(pair.AccessToken)

	c.observe("ok")
	c.log.Info("auth.refresh.ok", "access_fp", token.Fingerprint(pair.AccessToken))
	return pair, nil
}

// fail clears the pair, emits the logout signal and wraps cause.
func (c *Coordinator) fail(ctx context.Context, cause error) error {
	c.clear(ctx)
	c.observe("error")
	c.log.Warn("auth.refresh.fail", "err", cause)

	err := fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
	c.signalLogout(err)
	return err
}

func (c *Coordinator) clear(ctx context.Context) {
	for _, key := range []string{storage.KeyAccessToken, storage.KeyRefreshToken} {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("auth.token.clear.fail", "key", key, "err", err)
		}
	}
	c.AttachAccessToken("")
}

// signalLogout notifies subscribers at most once per login epoch.
func (c *Coordinator) signalLogout(reason error) {
	c.mu.Lock()
	if c.signaled {
		c.mu.Unlock()
		return
	}
	c.signaled = true
	subs := make([]LogoutFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	c.log.Info("auth.logout.signal", "reason", reason)
	for _, fn := range subs {
		fn(reason)
	}
}

// IsTerminal reports whether err is a terminal auth failure.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrRefreshFailed)
}
