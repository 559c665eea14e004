package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"goldvision/cmd/internal/auth/csrf"
	"goldvision/cmd/internal/auth/refresh"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
)

const protectedPath = "/api/alerts"

// fakeAPI is an in-memory Transport. /csrf issues "tok-<session>", and a
// POST is accepted only with the token of the session it carries.
type fakeAPI struct {
	mu       sync.Mutex
	defaults http.Header
	calls    map[string]int
	rejected int

	csrfFails    int           // leading /csrf calls that fail
	firstCSRF    chan struct{} // when set, the first /csrf call waits on it
	onRejected   func(n int)   // called after each anti-forgery rejection
	always401    bool
	alwaysReject bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{defaults: make(http.Header), calls: make(map[string]int)}
}

func (f *fakeAPI) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+path]
}

func (f *fakeAPI) SetDefaultHeader(name, value string) {
	f.mu.Lock()
	f.defaults.Set(name, value)
	f.mu.Unlock()
}

func (f *fakeAPI) DeleteDefaultHeader(name string) {
	f.mu.Lock()
	f.defaults.Del(name)
	f.mu.Unlock()
}

func (f *fakeAPI) DefaultHeader(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaults.Get(name)
}

func (f *fakeAPI) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls[req.Method+" "+req.Path]++
	n := f.calls[req.Method+" "+req.Path]
	f.mu.Unlock()

	sid := req.Header.Get(transport.HeaderSessionID)
	switch {
	case req.Path == csrf.IssuePath:
		if n == 1 && f.firstCSRF != nil {
			select {
			case <-f.firstCSRF:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if n <= f.csrfFails {
			return fakeStatus(http.StatusServiceUnavailable, `{"detail":"unavailable"}`)
		}
		return fakeStatus(http.StatusOK, `{"csrf_token":"tok-`+sid+`"}`)

	case req.Path == refresh.RefreshPath:
		return fakeStatus(http.StatusOK, `{"access_token":"access-2","refresh_token":"refresh-2"}`)

	case f.always401:
		return fakeStatus(http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"token expired"}}`)

	case req.Method == http.MethodPost:
		if f.alwaysReject || req.Header.Get(transport.HeaderCSRF) != "tok-"+sid {
			f.mu.Lock()
			f.rejected++
			r := f.rejected
			f.mu.Unlock()
			if f.onRejected != nil {
				f.onRejected(r)
			}
			return fakeStatus(http.StatusForbidden, `{"error":{"code":"csrf_invalid","message":"CSRF token invalid"}}`)
		}
	}
	return fakeStatus(http.StatusOK, `{}`)
}

func fakeStatus(status int, body string) (*transport.Response, error) {
	res := &transport.Response{Status: status, Header: make(http.Header), Body: []byte(body)}
	if !res.OK() {
		return res, transport.NewStatusError(res)
	}
	return res, nil
}

func newFakeClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	c, err := New(api, storage.NewMemory(), WithLogger(discardLogger()))
	require.NoError(t, err)
	return c
}

func TestConcurrentSessionResetSharesOneSession(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.csrfFails = 1
	api.firstCSRF = make(chan struct{})
	var once sync.Once
	api.onRejected = func(n int) {
		if n >= 2 {
			// Give the second request time to join the pending fetch.
			once.Do(func() { time.AfterFunc(20*time.Millisecond, func() { close(api.firstCSRF) }) })
		}
	}
	c := newFakeClient(t, api)

	var g errgroup.Group
	for range 2 {
		g.Go(func() error {
			return c.PostJSON(context.Background(), protectedPath, map[string]string{"symbol": "XAU"}, nil)
		})
	}
	require.NoError(t, g.Wait())

	sid := c.Sessions().Current()
	require.Equal(t, "tok-"+sid, c.AntiForgery().Peek(context.Background()))
	require.LessOrEqual(t, api.count(http.MethodPost, protectedPath), 4)
	require.GreaterOrEqual(t, api.count(http.MethodGet, csrf.IssuePath), 2)
}

func TestPersistent401StopsAfterOneRefresh(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.always401 = true
	c := newFakeClient(t, api)
	ctx := context.Background()
	require.NoError(t, c.Tokens().Login(ctx, refresh.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}))

	err := c.GetJSON(ctx, "/api/prices/latest", nil, nil)
	require.True(t, transport.HasStatus(err, http.StatusUnauthorized), "err=%v", err)
	require.False(t, IsTerminal(err))
	require.Equal(t, 2, api.count(http.MethodGet, "/api/prices/latest"))
	require.Equal(t, 1, api.count(http.MethodPost, refresh.RefreshPath))
}

func TestPersistentAntiForgeryRejectionStopsAfterOneRefetch(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.alwaysReject = true
	c := newFakeClient(t, api)

	err := c.PostJSON(context.Background(), protectedPath, map[string]string{"symbol": "XAU"}, nil)
	se, ok := transport.AsStatus(err)
	require.True(t, ok, "err=%v", err)
	require.True(t, se.IsAntiForgery())
	require.False(t, errors.Is(err, ErrAntiForgeryUnrecoverable))
	require.Equal(t, 2, api.count(http.MethodPost, protectedPath))
	require.Equal(t, 1, api.count(http.MethodGet, csrf.IssuePath))
}
