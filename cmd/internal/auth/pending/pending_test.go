package pending

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

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

func TestOperation_SingleFlight(t *testing.T) {
	t.Parallel()

	var op Operation[string]
	var calls atomic.Int32
	release := make(chan struct{})

	fn := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "tok", nil
	}

	const n = 8
	results := make([]string, n)
	var sharedCount atomic.Int32

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, shared, err := op.Do(context.Background(), fn)
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
			return err
		})
	}

	waitFor(t, func() bool { return op.Waiters() == n })
	if !op.InFlight() {
		t.Fatalf("InFlight=false while fn is blocked")
	}
	close(release)

	if err := g.Wait(); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}
	if got := sharedCount.Load(); got != n-1 {
		t.Fatalf("shared=%d want=%d", got, n-1)
	}
	for i, v := range results {
		if v != "tok" {
			t.Fatalf("results[%d]=%q want=%q", i, v, "tok")
		}
	}
	waitFor(t, func() bool { return !op.InFlight() })
}

func TestOperation_ErrorReachesAllWaitersAndClears(t *testing.T) {
	t.Parallel()

	var op Operation[int]
	boom := errors.New("boom")
	release := make(chan struct{})

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, _, err := op.Do(context.Background(), func(context.Context) (int, error) {
				<-release
				return 0, boom
			})
			if !errors.Is(err, boom) {
				return errors.New("waiter did not receive flight error")
			}
			return nil
		})
	}
	waitFor(t, func() bool { return op.Waiters() == 3 })
	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Settled flight is gone; the next call starts a new one.
	v, shared, err := op.Do(context.Background(), func(context.Context) (int, error) { return 7, nil })
	if err != nil || shared || v != 7 {
		t.Fatalf("Do=%d,%v,%v want=7,false,nil", v, shared, err)
	}
}

func TestOperation_WaiterCancellationDoesNotCancelFlight(t *testing.T) {
	t.Parallel()

	var op Operation[string]
	release := make(chan struct{})
	var flightCtxErr atomic.Value

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := op.Do(ctx, func(fctx context.Context) (string, error) {
			<-release
			flightCtxErr.Store(fctx.Err() == nil)
			return "late", nil
		})
		errCh <- err
	}()

	waitFor(t, func() bool { return op.Waiters() == 1 })
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want=%v", err, context.Canceled)
	}
	if !op.InFlight() || op.Waiters() != 0 {
		t.Fatalf("InFlight=%v Waiters=%d want=true,0 after the only waiter left", op.InFlight(), op.Waiters())
	}

	// A second caller still receives the detached flight's result.
	resCh := make(chan string, 1)
	go func() {
		v, _, _ := op.Do(context.Background(), func(context.Context) (string, error) { return "new", nil })
		resCh <- v
	}()
	waitFor(t, func() bool { return op.Waiters() == 1 })
	close(release)

	if v := <-resCh; v != "late" {
		t.Fatalf("joined result=%q want=%q", v, "late")
	}
	if ok, _ := flightCtxErr.Load().(bool); !ok {
		t.Fatalf("flight context was canceled")
	}
}

func TestOperation_PanicBecomesError(t *testing.T) {
	t.Parallel()

	var op Operation[int]
	_, _, err := op.Do(context.Background(), func(context.Context) (int, error) {
		panic("bad")
	})
	if err == nil {
		t.Fatalf("expected error from panicking flight")
	}
	if op.InFlight() {
		t.Fatalf("flight not cleared after panic")
	}
}
