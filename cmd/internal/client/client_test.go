package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"goldvision/cmd/internal/mockserver"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv    *mockserver.Server
	ts     *httptest.Server
	client *Client
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	srv := mockserver.New(mockserver.WithLogger(discardLogger()))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	tr, err := transport.NewHTTP(ts.URL, transport.WithTimeout(5*time.Second))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	opts = append([]Option{WithLogger(discardLogger()), WithMetrics(NewMetrics(reg))}, opts...)
	c, err := New(tr, storage.NewMemory(), opts...)
	require.NoError(t, err)

	return &harness{srv: srv, ts: ts, client: c, reg: reg}
}

func (h *harness) login(t *testing.T) LoginResult {
	t.Helper()
	res, err := h.client.Login(context.Background(), mockserver.DemoEmail, mockserver.DemoPassword)
	require.NoError(t, err)
	return res
}

// counter reads a client counter from the registry; missing series read as 0.
func (h *harness) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

var alert = map[string]any{"symbol": "XAU", "threshold": 2400, "direction": "above"}

func TestConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	oldBearer := h.client.t.DefaultHeader(transport.HeaderAuthorization)

	h.srv.ExpireAccessTokens()
	h.srv.SetRefreshDelay(50 * time.Millisecond)
	h.srv.Barrier(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for range 5 {
		g.Go(func() error {
			var tick map[string]any
			return h.client.GetJSON(gctx, mockserver.PricesLatestPath, nil, &tick)
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, h.srv.Stats().Refreshes)

	newBearer := h.client.t.DefaultHeader(transport.HeaderAuthorization)
	require.NotEqual(t, oldBearer, newBearer)

	reqs := h.srv.Requests(mockserver.PricesLatestPath)
	require.Len(t, reqs, 10)
	replayed := 0
	for _, r := range reqs {
		if r.Authorization == newBearer {
			replayed++
		}
	}
	require.Equal(t, 5, replayed)
	// login plus the five originals
	require.EqualValues(t, 6, h.counter(t, "goldvision_client_requests_total", "outcome", "ok"))
	require.EqualValues(t, 1, h.counter(t, "goldvision_client_refresh_total", "result", "ok"))
}

func TestRejectedAntiForgeryTokenReplaysOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lr := h.login(t)
	h.srv.RotateCSRF()

	var out map[string]any
	require.NoError(t, h.client.PostJSON(context.Background(), mockserver.AlertsPath, alert, &out))
	require.NotEmpty(t, out["id"])

	reqs := h.srv.Requests(mockserver.AlertsPath)
	require.Len(t, reqs, 2)
	require.Equal(t, lr.SessionID, reqs[0].SessionID)
	require.Equal(t, lr.SessionID, reqs[1].SessionID)
	require.NotEqual(t, reqs[0].CSRFToken, reqs[1].CSRFToken)
	require.Equal(t, h.srv.SessionCSRF(lr.SessionID), reqs[1].CSRFToken)
	require.Equal(t, reqs[0].RequestID, reqs[1].RequestID)
	require.EqualValues(t, 1, h.counter(t, "goldvision_client_replays_total", "reason", "csrf"))
}

func TestRefreshRejectedSignalsLogoutOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)

	var signals atomic.Int32
	h.client.OnLogout(func(error) { signals.Add(1) })

	h.srv.ExpireAccessTokens()
	h.srv.FailRefresh(true)

	ctx := context.Background()
	err := h.client.GetJSON(ctx, mockserver.PricesLatestPath, nil, nil)
	require.ErrorIs(t, err, ErrRefreshFailed)
	require.True(t, IsTerminal(err))
	require.Empty(t, h.client.Tokens().AccessToken())

	err = h.client.GetJSON(ctx, mockserver.PricesLatestPath, nil, nil)
	require.ErrorIs(t, err, ErrNoRefreshToken)

	require.EqualValues(t, 1, signals.Load())
	require.EqualValues(t, 1, h.srv.Stats().Refreshes)

	h.srv.FailRefresh(false)
	h.login(t)
	require.NoError(t, h.client.GetJSON(ctx, mockserver.PricesLatestPath, nil, nil))
	require.EqualValues(t, 1, h.srv.Stats().Refreshes)
}

func TestMissingAntiForgeryTokenIsNotFetchedBeforeSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()
	h.client.AntiForgery().Invalidate(ctx)

	require.NoError(t, h.client.PostJSON(ctx, mockserver.AlertsPath, alert, nil))

	all := h.srv.Requests("")
	firstAlert, firstCSRF := -1, -1
	for i, r := range all {
		if r.Path == mockserver.AlertsPath && firstAlert < 0 {
			firstAlert = i
			require.Empty(t, r.CSRFToken)
		}
		if r.Path == mockserver.CSRFPath && firstCSRF < 0 {
			firstCSRF = i
		}
	}
	require.GreaterOrEqual(t, firstAlert, 0)
	require.Greater(t, firstCSRF, firstAlert)
}

func TestExpiredTokenAndRejectedCSRFRecoverWithinThreeSends(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	h.srv.ExpireAccessTokens()
	h.srv.RotateCSRF()

	require.NoError(t, h.client.PostJSON(context.Background(), mockserver.AlertsPath, alert, nil))
	require.Len(t, h.srv.Requests(mockserver.AlertsPath), 3)
}

func TestUnrecoverableAntiForgeryResetsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lr := h.login(t)
	h.srv.RotateCSRF()
	h.srv.FailCSRF(true)

	err := h.client.PostJSON(context.Background(), mockserver.AlertsPath, alert, nil)
	require.ErrorIs(t, err, ErrAntiForgeryUnrecoverable)
	require.True(t, IsTerminal(err))
	require.True(t, transport.HasStatus(err, http.StatusForbidden))
	require.NotEqual(t, lr.SessionID, h.client.Sessions().Current())
	require.Len(t, h.srv.Requests(mockserver.AlertsPath), 1)
	require.EqualValues(t, 1, h.counter(t, "goldvision_client_requests_total", "outcome", "terminal_csrf"))
}

func TestRetiredPrefixMakesNoNetworkCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithRetiredPrefixes("api/v0"))

	err := h.client.GetJSON(context.Background(), "/api/v0/prices?symbol=XAU", nil, nil)
	require.ErrorIs(t, err, ErrRetiredEndpoint)
	require.Empty(t, h.srv.Requests(""))
	require.EqualValues(t, 1, h.counter(t, "goldvision_client_requests_total", "outcome", "retired"))
}

func TestLoginFailureResetsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	before := h.client.Sessions().GetOrCreate(ctx)

	_, err := h.client.Login(ctx, mockserver.DemoEmail, "wrong")
	require.True(t, transport.HasStatus(err, http.StatusUnauthorized))
	require.NotEqual(t, before, h.client.Sessions().Current())
	require.Zero(t, h.srv.Stats().Refreshes)

	_, err = h.client.Login(ctx, " ", "x")
	require.Error(t, err)
}

func TestLoginAdoptsSessionAndCSRF(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	sid := h.client.Sessions().GetOrCreate(ctx)

	lr := h.login(t)
	require.Equal(t, sid, lr.SessionID)
	require.True(t, lr.HasCSRF)
	require.Equal(t, h.srv.SessionCSRF(sid), h.client.AntiForgery().Peek(ctx))
	require.NotEmpty(t, h.client.Tokens().AccessToken())
}

func TestLogoutClearsCredentialsWithoutSignal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lr := h.login(t)

	var signals atomic.Int32
	h.client.OnLogout(func(error) { signals.Add(1) })

	ctx := context.Background()
	require.NoError(t, h.client.Logout(ctx))
	require.Empty(t, h.client.Tokens().AccessToken())
	require.Empty(t, h.client.AntiForgery().Peek(ctx))
	require.NotEqual(t, lr.SessionID, h.client.Sessions().Current())
	require.Zero(t, signals.Load())

	err := h.client.GetJSON(ctx, mockserver.PricesLatestPath, nil, nil)
	require.ErrorIs(t, err, ErrNoRefreshToken)
	require.EqualValues(t, 1, signals.Load())
}

func TestDecorateIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	req := transport.NewRequest(http.MethodPost, mockserver.AlertsPath, nil)
	require.NoError(t, h.client.decorate(ctx, req))
	first := req.Header.Clone()
	require.NoError(t, h.client.decorate(ctx, req))
	require.Equal(t, first, req.Header)

	require.NotEmpty(t, first.Get(transport.HeaderCSRF))
	require.Equal(t, "no-cache, no-store", first.Get("Cache-Control"))
	require.Equal(t, "no-cache", first.Get("Pragma"))
	require.NotEmpty(t, first.Get(transport.HeaderRequestID))
}

func TestDecorateSkipsCSRFForSafeAndExemptRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	for _, req := range []*transport.Request{
		transport.NewRequest(http.MethodGet, mockserver.AlertsPath, nil),
		transport.NewRequest(http.MethodPost, LoginPath, nil),
	} {
		require.NoError(t, h.client.decorate(ctx, req))
		require.Empty(t, req.Header.Get(transport.HeaderCSRF), req.Method+" "+req.Path)
	}
}

func TestDecorateDropsStaleBearer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	req := transport.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set(transport.HeaderAuthorization, "Bearer stale")
	require.NoError(t, h.client.decorate(ctx, req))
	require.Empty(t, req.Header.Get(transport.HeaderAuthorization))
}

func TestHandshakeHeaderCarriesIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	lr := h.login(t)

	hdr, err := h.client.HandshakeHeader(context.Background(), mockserver.StreamPath)
	require.NoError(t, err)
	require.Equal(t, lr.SessionID, hdr.Get(transport.HeaderSessionID))
	require.Contains(t, hdr.Get(transport.HeaderAuthorization), "Bearer ")
	require.Empty(t, hdr.Get(transport.HeaderCSRF))
}

func TestRestoreReattachesPersistedToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.login(t)
	tok := h.client.Tokens().AccessToken()

	tr, err := transport.NewHTTP(h.ts.URL)
	require.NoError(t, err)
	c2, err := New(tr, h.client.store, WithLogger(discardLogger()))
	require.NoError(t, err)

	require.True(t, c2.Restore(context.Background()))
	require.Equal(t, tok, c2.Tokens().AccessToken())
	require.NoError(t, c2.GetJSON(context.Background(), mockserver.PricesLatestPath, nil, nil))
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	t.Parallel()
	tr, err := transport.NewHTTP("http://127.0.0.1:1")
	require.NoError(t, err)

	_, err = New(nil, storage.NewMemory())
	require.Error(t, err)
	_, err = New(tr, nil)
	require.Error(t, err)
	_, err = (&Client{}).Do(context.Background(), nil)
	require.Error(t, err)
}

func TestNonStatusErrorsAreNotRecovered(t *testing.T) {
	t.Parallel()
	tr, err := transport.NewHTTP("http://127.0.0.1:1", transport.WithTimeout(time.Second))
	require.NoError(t, err)
	c, err := New(tr, storage.NewMemory(), WithLogger(discardLogger()))
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), "/api/x", nil, nil)
	require.Error(t, err)
	_, isStatus := transport.AsStatus(err)
	require.False(t, isStatus)
	require.False(t, errors.Is(err, ErrRefreshFailed))
}
