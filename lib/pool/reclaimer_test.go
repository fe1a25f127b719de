package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestReclaimIdleWithOutstandingRefs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	p, clock, _ := newTestPool(t, cfg)

	p.Acquire(context.Background(), "x")
	clock.Advance(61 * time.Second)

	if n := p.Reclaim(); n != 1 {
		t.Errorf("Expected 1 reclaimed entry, got %d", n)
	}
	if _, ok := p.RefCount("x"); ok {
		t.Error("Idle entry should be removed despite refs > 0")
	}
}

func TestReclaimLifetime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Hour
	cfg.MaxLifetime = 10 * time.Minute
	p, clock, _ := newTestPool(t, cfg)
	ctx := context.Background()

	h, _ := p.Acquire(ctx, "old")

	// Keep it busy so only the lifetime can expire it.
	for i := 0; i < 11; i++ {
		clock.Advance(time.Minute)
		p.Acquire(ctx, "old")
	}

	p.Reclaim()
	if _, ok := p.RefCount("old"); ok {
		t.Error("Entry past MaxLifetime should be removed regardless of use")
	}

	// The next acquire builds a fresh handle.
	fresh, _ := p.Acquire(ctx, "old")
	if fresh == h {
		t.Error("Expected a new handle after lifetime expiry")
	}
}

func TestReclaimKeepsFreshEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	p, clock, _ := newTestPool(t, cfg)

	h, _ := p.Acquire(context.Background(), "fresh")
	clock.Advance(30 * time.Second)

	if n := p.Reclaim(); n != 0 {
		t.Errorf("Expected nothing reclaimed, got %d", n)
	}
	if h.(*mockConn).IsClosed() {
		t.Error("Fresh handle should not be torn down")
	}
}

func TestReclaimUnreferencedTearsDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	var counter int32
	clock := newFakeClock()
	p := New(mockFactory(&counter), cfg)
	p.now = clock.Now

	h, _ := p.Acquire(context.Background(), "k")

	// Simulate a handle that was left at zero references by forcing the count.
	p.mu.Lock()
	p.entries["k"].refs = 0
	p.mu.Unlock()

	clock.Advance(2 * time.Minute)
	p.Reclaim()

	if !h.(*mockConn).IsClosed() {
		t.Error("Unreferenced expired handle should be torn down at once")
	}
	if p.Stats().Draining != 0 {
		t.Errorf("Expected no draining handles, got %d", p.Stats().Draining)
	}
}

func TestReclaimDrainTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	cfg.DrainTimeout = 30 * time.Second
	p, clock, _ := newTestPool(t, cfg)

	h, _ := p.Acquire(context.Background(), "leaked")
	clock.Advance(2 * time.Minute)
	p.Reclaim()

	if h.(*mockConn).IsClosed() {
		t.Fatal("Referenced handle should drain before being closed")
	}

	clock.Advance(31 * time.Second)
	p.Reclaim()

	if !h.(*mockConn).IsClosed() {
		t.Error("Draining handle should be torn down after DrainTimeout")
	}
	if p.Stats().Draining != 0 {
		t.Errorf("Expected no draining handles, got %d", p.Stats().Draining)
	}

	// The leaked reference is released later; nothing is closed twice.
	p.Release("leaked")
	if h.(*mockConn).Closes() != 1 {
		t.Errorf("Expected 1 teardown, got %d", h.(*mockConn).Closes())
	}
}

func TestLateReleaseAfterDrainTimeoutSparesLiveHandle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	cfg.DrainTimeout = 30 * time.Second
	p, clock, _ := newTestPool(t, cfg)
	ctx := context.Background()

	stale, _ := p.Acquire(ctx, "main_server")
	clock.Advance(2 * time.Minute)
	p.Reclaim()
	clock.Advance(31 * time.Second)
	p.Reclaim()
	if !stale.(*mockConn).IsClosed() {
		t.Fatal("Draining handle should be torn down after DrainTimeout")
	}

	live, _ := p.Acquire(ctx, "main_server")
	if live == stale {
		t.Fatal("Expected a new handle after forced teardown")
	}

	// The stale holder finally releases.
	p.Release("main_server")
	if live.(*mockConn).IsClosed() {
		t.Error("Late release tore down the live handle")
	}
	if refs, _ := p.RefCount("main_server"); refs != 1 {
		t.Errorf("Expected live refs 1, got %d", refs)
	}

	p.Release("main_server")
	if !live.(*mockConn).IsClosed() {
		t.Error("Live handle should close on its own last release")
	}
}

func TestReleaseDrainsOlderHandleFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	p, clock, _ := newTestPool(t, cfg)
	ctx := context.Background()

	old, _ := p.Acquire(ctx, "k")
	clock.Advance(2 * time.Minute)
	p.Reclaim()

	fresh, _ := p.Acquire(ctx, "k")
	if fresh == old {
		t.Fatal("Expected a new handle after reclaim")
	}

	p.Release("k")
	if !old.(*mockConn).IsClosed() {
		t.Error("First release should drain the older handle")
	}
	if fresh.(*mockConn).IsClosed() {
		t.Error("Live handle should stay open")
	}
	if refs, _ := p.RefCount("k"); refs != 1 {
		t.Errorf("Expected live refs 1, got %d", refs)
	}
}

func TestReclaimerIdleScenario(t *testing.T) {
	const unit = 20 * time.Millisecond

	var counter int32
	cfg := DefaultConfig()
	cfg.IdleTimeout = unit
	p := New(mockFactory(&counter), cfg)
	defer p.EvictAll()

	p.StartReclaiming(unit)
	defer p.StopReclaiming()

	if _, err := p.Acquire(context.Background(), "x"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	time.Sleep(3 * unit)

	deadline := time.Now().Add(time.Second)
	for p.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(unit)
	}
	if _, ok := p.RefCount("x"); ok {
		t.Error("Reclaimer should remove idle entry despite refs 1")
	}
}

func TestStopReclaimingBeforeStart(t *testing.T) {
	p := New(mockFactory(new(int32)), DefaultConfig())

	done := make(chan struct{})
	go func() {
		p.StopReclaiming()
		p.StopReclaiming()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.Config().StopTimeout):
		t.Fatal("StopReclaiming before start should return promptly")
	}
	if p.ReclaimerState() != ReclaimerIdle {
		t.Errorf("Expected idle state, got %v", p.ReclaimerState())
	}
}

func TestReclaimerLifecycle(t *testing.T) {
	p := New(mockFactory(new(int32)), DefaultConfig())

	p.StartReclaiming(time.Hour)
	if p.ReclaimerState() != ReclaimerRunning {
		t.Fatalf("Expected running, got %v", p.ReclaimerState())
	}

	// Idempotent start
	p.StartReclaiming(time.Hour)

	start := time.Now()
	p.StopReclaiming()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop should interrupt the wait, took %v", elapsed)
	}
	if p.ReclaimerState() != ReclaimerStopped {
		t.Errorf("Expected stopped, got %v", p.ReclaimerState())
	}

	// Stop twice is safe
	p.StopReclaiming()

	// Restart after stop
	p.StartReclaiming(time.Hour)
	if p.ReclaimerState() != ReclaimerRunning {
		t.Errorf("Expected running after restart, got %v", p.ReclaimerState())
	}
	p.StopReclaiming()
}

func TestReclaimerSurvivesPanickingTeardown(t *testing.T) {
	const unit = 20 * time.Millisecond

	var probes int32
	cfg := DefaultConfig()
	cfg.IdleTimeout = unit
	cfg.Probes = []Probe{{
		Category: CategoryHandle,
		Name:     "explode",
		Close: func(h Handle) (bool, error) {
			atomic.AddInt32(&probes, 1)
			panic("teardown exploded")
		},
	}}
	p := New(mockFactory(new(int32)), cfg)

	p.StartReclaiming(unit)
	defer p.StopReclaiming()

	ctx := context.Background()
	p.Acquire(ctx, "a")
	p.Release("a")
	p.Acquire(ctx, "b")

	time.Sleep(5 * unit)

	if p.ReclaimerState() != ReclaimerRunning {
		t.Errorf("Reclaimer should keep running, got %v", p.ReclaimerState())
	}
	if p.Len() != 0 {
		t.Errorf("Expected entries reclaimed, got %d", p.Len())
	}
	if atomic.LoadInt32(&probes) == 0 {
		t.Error("Expected teardown probe to run")
	}
}

func TestReclaimerStateString(t *testing.T) {
	tests := []struct {
		state    ReclaimerState
		expected string
	}{
		{ReclaimerIdle, "idle"},
		{ReclaimerRunning, "running"},
		{ReclaimerStopRequested, "stop-requested"},
		{ReclaimerStopped, "stopped"},
		{ReclaimerState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("ReclaimerState(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
