package signaling

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
}

func (t *fakeTransport) Send(Envelope) error                   { return nil }
func (t *fakeTransport) OnEvent(func(Envelope))                {}
func (t *fakeTransport) OnTransportState(func(TransportState)) {}
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func newTestPool(grace time.Duration) (*Pool, *[]*fakeTransport) {
	transports := &[]*fakeTransport{}
	var mu sync.Mutex
	pool := NewPool(PoolOptions{GracePeriod: grace}, func(context.Context, string) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		tr := &fakeTransport{}
		*transports = append(*transports, tr)
		return tr, nil
	}, nil)
	return pool, transports
}

func TestPoolSharesConnectionAcrossAcquirers(t *testing.T) {
	pool, transports := newTestPool(time.Hour)
	ctx := context.Background()

	c1, err := pool.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	c2, err := pool.Acquire(ctx, "s1")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same pooled connection")
	}
	if len(*transports) != 1 {
		t.Fatalf("expected one dial, got %d", len(*transports))
	}

	if err := pool.Release("s1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := pool.Release("s1"); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	// Grace period has not elapsed; the transport stays open.
	if (*transports)[0].isClosed() {
		t.Fatal("transport closed before grace period")
	}
}

func TestPoolClosesAfterGracePeriod(t *testing.T) {
	pool, transports := newTestPool(30 * time.Millisecond)
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := pool.Release("s1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !(*transports)[0].isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("transport never closed after grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolReacquireCancelsPendingClose(t *testing.T) {
	pool, transports := newTestPool(30 * time.Millisecond)
	ctx := context.Background()

	if _, err := pool.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := pool.Release("s1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Re-acquire inside the grace period: the pending close is cancelled
	// and the live transport is reused.
	if _, err := pool.Acquire(ctx, "s1"); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if (*transports)[0].isClosed() {
		t.Fatal("pending teardown fired despite reacquisition")
	}
	if len(*transports) != 1 {
		t.Fatalf("expected reuse, got %d dials", len(*transports))
	}
	if got := pool.refCount("s1"); got != 1 {
		t.Fatalf("expected refcount 1, got %d", got)
	}
}

func TestPoolReleaseWithoutAcquire(t *testing.T) {
	pool, _ := newTestPool(time.Hour)
	if err := pool.Release("nope"); err == nil {
		t.Fatal("expected error on release without acquire")
	}
}

func TestPoolCloseAll(t *testing.T) {
	pool, transports := newTestPool(time.Hour)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := pool.Acquire(ctx, id); err != nil {
			t.Fatalf("acquire %s failed: %v", id, err)
		}
	}
	pool.CloseAll()
	for i, tr := range *transports {
		if !tr.isClosed() {
			t.Fatalf("transport %d not closed", i)
		}
	}
}
