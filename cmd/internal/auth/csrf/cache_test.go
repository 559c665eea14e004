package csrf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
)

type staticSession string

func (s staticSession) GetOrCreate(context.Context) string { return string(s) }

// stubDoer answers /csrf with a numbered token, optionally gated.
type stubDoer struct {
	calls atomic.Int32
	gate  chan struct{}
	fail  atomic.Bool

	mu       sync.Mutex
	sessions []string
}

func (d *stubDoer) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	n := d.calls.Add(1)

	d.mu.Lock()
	d.sessions = append(d.sessions, req.Header.Get(transport.HeaderSessionID))
	d.mu.Unlock()

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if req.Method != http.MethodGet || req.Path != IssuePath {
		return nil, fmt.Errorf("unexpected %s %s", req.Method, req.Path)
	}
	if d.fail.Load() {
		res := &transport.Response{Status: http.StatusServiceUnavailable, Body: []byte(`{"detail":"down"}`)}
		return res, transport.NewStatusError(res)
	}
	return &transport.Response{
		Status: http.StatusOK,
		Body:   []byte(fmt.Sprintf(`{"csrf_token":"tok-%d"}`, n)),
	}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPeek_NoNetwork(t *testing.T) {
	t.Parallel()

	d := &stubDoer{}
	c := New(d, staticSession("s1"), storage.NewCookieJar(storage.NewMemory()))

	if got := c.Peek(context.Background()); got != "" {
		t.Fatalf("Peek=%q want empty", got)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("Peek issued a network call")
	}
}

func TestPeek_AdoptsCookie(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := storage.NewMemory()
	jar := storage.NewCookieJar(mem)
	if err := jar.Set(ctx, storage.KeyCSRFCookie, "from-cookie", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := New(&stubDoer{}, staticSession("s1"), jar)
	if got := c.Peek(ctx); got != "from-cookie" {
		t.Fatalf("Peek=%q want=%q", got, "from-cookie")
	}

	// Adopted into memory: survives cookie removal.
	if err := jar.Delete(ctx, storage.KeyCSRFCookie); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := c.Peek(ctx); got != "from-cookie" {
		t.Fatalf("Peek after cookie delete=%q want=%q", got, "from-cookie")
	}
}

func TestEnsure_CachedShortCircuits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &stubDoer{}
	c := New(d, staticSession("s1"), nil)

	first := c.Ensure(ctx, false)
	if first != "tok-1" {
		t.Fatalf("Ensure=%q want=%q", first, "tok-1")
	}
	if got := c.Ensure(ctx, false); got != first {
		t.Fatalf("cached Ensure=%q want=%q", got, first)
	}
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("calls=%d want=1", n)
	}

	if got := c.Ensure(ctx, true); got != "tok-2" {
		t.Fatalf("forced Ensure=%q want=%q", got, "tok-2")
	}
	if d.sessions[0] != "s1" {
		t.Fatalf("session header=%q want=%q", d.sessions[0], "s1")
	}
}

func TestEnsure_SingleFlight(t *testing.T) {
	t.Parallel()

	d := &stubDoer{gate: make(chan struct{})}
	c := New(d, staticSession("s1"), nil)

	const n = 10
	got := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			got[i] = c.Ensure(context.Background(), true)
			return nil
		})
	}

	waitFor(t, func() bool { return c.fetch.Waiters() == n })
	close(d.gate)
	_ = g.Wait()

	if calls := d.calls.Load(); calls != 1 {
		t.Fatalf("fetch calls=%d want=1", calls)
	}
	for i, v := range got {
		if v != "tok-1" {
			t.Fatalf("got[%d]=%q want=%q", i, v, "tok-1")
		}
	}
	if c.Fetching() {
		t.Fatalf("fetch record not cleared after settle")
	}
}

func TestEnsure_FailureYieldsEmptyAndClears(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &stubDoer{}
	d.fail.Store(true)

	var results []string
	c := New(d, staticSession("s1"), nil, WithFetchObserver(func(r string) { results = append(results, r) }))

	if got := c.Ensure(ctx, true); got != "" {
		t.Fatalf("Ensure on failure=%q want empty", got)
	}

	d.fail.Store(false)
	if got := c.Ensure(ctx, false); got != "tok-2" {
		t.Fatalf("Ensure after recovery=%q want=%q", got, "tok-2")
	}
	if len(results) != 2 || results[0] != "error" || results[1] != "ok" {
		t.Fatalf("observer=%v want=[error ok]", results)
	}
}

func TestEnsure_CookieLifetime(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mem := storage.NewMemory().WithClock(clock)
	jar := storage.NewCookieJar(mem)

	c := New(&stubDoer{}, staticSession("s1"), jar)
	if tok := c.Ensure(ctx, false); tok == "" {
		t.Fatalf("Ensure returned empty")
	}

	mu.Lock()
	now = now.Add(DefaultCookieTTL - time.Second)
	mu.Unlock()
	if _, err := jar.Get(ctx, storage.KeyCSRFCookie); err != nil {
		t.Fatalf("cookie expired early: %v", err)
	}

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()
	if _, err := jar.Get(ctx, storage.KeyCSRFCookie); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cookie err=%v want=%v", err, storage.ErrNotFound)
	}
}

func TestInvalidateAndSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jar := storage.NewCookieJar(storage.NewMemory())
	d := &stubDoer{}
	c := New(d, staticSession("s1"), jar)

	c.Set(ctx, "from-login")
	if got := c.Peek(ctx); got != "from-login" {
		t.Fatalf("Peek=%q want=%q", got, "from-login")
	}
	if v, _ := jar.Get(ctx, storage.KeyCSRFCookie); v != "from-login" {
		t.Fatalf("cookie=%q want=%q", v, "from-login")
	}

	c.Invalidate(ctx)
	if got := c.Peek(ctx); got != "" {
		t.Fatalf("Peek after Invalidate=%q want empty", got)
	}
	if _, err := jar.Get(ctx, storage.KeyCSRFCookie); !storage.IsNotFound(err) {
		t.Fatalf("cookie after Invalidate err=%v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("Set/Invalidate must not touch the network")
	}
}

type switchableSession struct {
	mu sync.Mutex
	id string
}

func (s *switchableSession) GetOrCreate(context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *switchableSession) set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func TestEnsure_RefetchesWhenSessionReplacedMidFlight(t *testing.T) {
	t.Parallel()

	sess := &switchableSession{id: "s0"}
	d := &stubDoer{gate: make(chan struct{})}
	c := New(d, sess, nil)

	got := make(chan string, 1)
	go func() { got <- c.Ensure(context.Background(), true) }()

	waitFor(t, func() bool { return d.calls.Load() == 1 })
	sess.set("s1")
	close(d.gate)

	if tok := <-got; tok != "tok-2" {
		t.Fatalf("Ensure=%q want=%q", tok, "tok-2")
	}
	d.mu.Lock()
	sessions := append([]string(nil), d.sessions...)
	d.mu.Unlock()
	if len(sessions) != 2 || sessions[0] != "s0" || sessions[1] != "s1" {
		t.Fatalf("fetch sessions=%v want=[s0 s1]", sessions)
	}
	if tok := c.Peek(context.Background()); tok != "tok-2" {
		t.Fatalf("Peek=%q want=%q (stale token cached)", tok, "tok-2")
	}
}
