package mockserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"goldvision/cmd/internal/transport"
)

const (
	defaultIssuer    = "goldvision-mock"
	defaultAccessTTL = 15 * time.Minute
	maxBodyBytes     = 1 << 20

	// DemoEmail and DemoPassword are the default credentials.
	DemoEmail    = "demo@goldvision.local"
	DemoPassword = "demo-password"
)

// RecordedRequest is what the server saw on the wire.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	SessionID     string
	CSRFToken     string
	RequestID     string
	CacheControl  string
}

// Stats are cumulative counters since New.
type Stats struct {
	Logins          int64
	Refreshes       int64
	RefreshFailures int64
	CSRFIssued      int64
	Unauthorized    int64
	CSRFRejected    int64
	ProtectedOK     int64
}

type refreshRecord struct {
	email     string
	sessionID string
	revoked   bool
}

type barrier struct {
	n       int
	arrived int
	release chan struct{}
}

// Server is the mock backend. The zero value is not usable; call New.
type Server struct {
	log    *slog.Logger
	now    func() time.Time
	tokens *tokenIssuer
	feed   *Feed
	mux    *http.ServeMux

	rateEvents int
	rateWindow time.Duration

	mu            sync.Mutex
	users         map[string]passwordHash
	refresh       map[string]*refreshRecord
	csrf          map[string]string
	alerts        []Alert
	generation    int64
	failRefresh   bool
	failCSRF      bool
	rotateRefresh bool
	refreshDelay  time.Duration
	barrier       *barrier
	requests      []RecordedRequest

	logins          atomic.Int64
	refreshes       atomic.Int64
	refreshFailures atomic.Int64
	csrfIssued      atomic.Int64
	unauthorized    atomic.Int64
	csrfRejected    atomic.Int64
	protectedOK     atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithUser adds an account. The demo account is always present.
func WithUser(email, password string) Option {
	return func(s *Server) {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" && password != "" {
			s.users[email] = hashPassword(password)
		}
	}
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.tokens.ttl = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStreamRateLimit bounds inbound stream events per connection.
func WithStreamRateLimit(events int, window time.Duration) Option {
	return func(s *Server) {
		s.rateEvents = events
		s.rateWindow = window
	}
}

// New builds a Server with the demo account.
func New(opts ...Option) *Server {
	s := &Server{
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		tokens:        newTokenIssuer(defaultIssuer, defaultAccessTTL),
		users:         map[string]passwordHash{DemoEmail: hashPassword(DemoPassword)},
		refresh:       make(map[string]*refreshRecord),
		csrf:          make(map[string]string),
		rotateRefresh: true,
		rateEvents:    rateLimitEvents,
		rateWindow:    rateLimitWindow,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	s.feed = NewFeed(s.log)

	mux := http.NewServeMux()
	mux.HandleFunc(LoginPath, s.handleLogin)
	mux.HandleFunc(RefreshPath, s.handleRefresh)
	mux.HandleFunc(LogoutPath, s.handleLogout)
	mux.HandleFunc(CSRFPath, s.handleCSRF)
	mux.HandleFunc(PricesLatestPath, s.protected(false, s.handlePricesLatest))
	mux.HandleFunc(AlertsPath, s.protected(true, s.handleAlerts))
	mux.HandleFunc(StreamPath, s.handleStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux = mux
	return s
}

// ServeHTTP records the request and routes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.record(r)
	s.mux.ServeHTTP(w, r)
}

// Feed exposes the price fanout.
func (s *Server) Feed() *Feed { return s.feed }

func (s *Server) record(r *http.Request) {
	rec := RecordedRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get(transport.HeaderAuthorization),
		SessionID:     r.Header.Get(transport.HeaderSessionID),
		CSRFToken:     r.Header.Get(transport.HeaderCSRF),
		RequestID:     r.Header.Get(transport.HeaderRequestID),
		CacheControl:  r.Header.Get("Cache-Control"),
	}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()
}

// Requests returns the recorded requests, filtered by path when non-empty.
func (s *Server) Requests(path string) []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RecordedRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if path == "" || r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Logins:          s.logins.Load(),
		Refreshes:       s.refreshes.Load(),
		RefreshFailures: s.refreshFailures.Load(),
		CSRFIssued:      s.csrfIssued.Load(),
		Unauthorized:    s.unauthorized.Load(),
		CSRFRejected:    s.csrfRejected.Load(),
		ProtectedOK:     s.protectedOK.Load(),
	}
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// RotateCSRF invalidates every anti-forgery token issued so far.
func (s *Server) RotateCSRF() {
	s.mu.Lock()
	clear(s.csrf)
	s.mu.Unlock()
}

// FailRefresh makes the refresh endpoint answer 401.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// FailCSRF makes the anti-forgery endpoint answer 503.
func (s *Server) FailCSRF(fail bool) {
	s.mu.Lock()
	s.failCSRF = fail
	s.mu.Unlock()
}

// SetRefreshRotation toggles refresh token rotation. With rotation off the
// refresh response omits refresh_token.
func (s *Server) SetRefreshRotation(on bool) {
	s.mu.Lock()
	s.rotateRefresh = on
	s.mu.Unlock()
}

// SetRefreshDelay delays every refresh response by d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// Barrier holds the next n protected requests until all n have arrived.
// Credentials are checked after release.
func (s *Server) Barrier(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 1 {
		s.barrier = nil
		return
	}
	s.barrier = &barrier{n: n, release: make(chan struct{})}
}

func (s *Server) waitBarrier(ctx context.Context) {
	s.mu.Lock()
	b := s.barrier
	if b != nil {
		b.arrived++
		if b.arrived >= b.n {
			close(b.release)
			s.barrier = nil
		}
	}
	s.mu.Unlock()

	if b == nil {
		return
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
}

// SessionCSRF returns the anti-forgery token currently valid for sessionID.
func (s *Server) SessionCSRF(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrf[sessionID]
}

func (s *Server) currentGeneration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}
