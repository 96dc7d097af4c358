package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ocrd/internal/engine"
	"ocrd/pkg/types"
)

// fakeProbe returns fixed memory readings, adjustable under a lock.
type fakeProbe struct {
	mu      sync.Mutex
	gpuFree float64
	gpuTot  float64
	gpuOK   bool
	sysFree float64
	sysTot  float64
}

func (p *fakeProbe) GPUMemoryGB(int) (float64, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpuFree, p.gpuTot, p.gpuOK
}

func (p *fakeProbe) SystemMemoryGB() (float64, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sysFree, p.sysTot, true
}

// fakeEngine counts closes; concurrency is configurable.
type fakeEngine struct {
	name       string
	concurrent bool
	mu         sync.Mutex
	closed     int
}

func (e *fakeEngine) Predict(_ context.Context, _ string, _ types.ConvertOptions) ([]types.PageResult, error) {
	return nil, nil
}
func (e *fakeEngine) Name() string     { return e.name }
func (e *fakeEngine) Concurrent() bool { return e.concurrent }
func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func healthyProbe() *fakeProbe {
	return &fakeProbe{gpuFree: 10, gpuTot: 16, gpuOK: true, sysFree: 8, sysTot: 16}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Probe == nil {
		cfg.Probe = healthyProbe()
	}
	cfg.Logger = zerolog.Nop()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	m := New(cfg)
	t.Cleanup(m.Stop)
	return m
}

func loaderFor(eng engine.Engine) Loader {
	return func(string) (engine.Engine, error) { return eng, nil }
}

func TestAcquireLoadsLazily(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	loads := 0
	m := newTestManager(t, Config{
		MaxWorkers: 2,
		Primary: func(device string) (engine.Engine, error) {
			loads++
			if device != "gpu" {
				t.Fatalf("expected gpu device, got %q", device)
			}
			return eng, nil
		},
	})
	if m.Status().Loaded {
		t.Fatalf("engine loaded before first acquire")
	}
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Engine() != eng {
		t.Fatalf("lease returned wrong engine")
	}
	lease.Release()
	l2, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	l2.Release()
	if loads != 1 {
		t.Fatalf("expected a single load, got %d", loads)
	}
}

func TestAllowedConcurrencyFromHeadroom(t *testing.T) {
	probe := healthyProbe()
	probe.gpuFree = 10
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:      4,
		DynamicWorkers:  true,
		MemPerJobGB:     4,
		ReserveGPUMemGB: 1,
		MinSystemMemGB:  2,
		Probe:           probe,
		Primary:         loaderFor(eng),
	})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()

	// floor((10-1)/4) = 2
	m.mu.Lock()
	allowed := m.allowedConcurrencyLocked()
	m.mu.Unlock()
	if allowed != 2 {
		t.Fatalf("expected allowed=2, got %d", allowed)
	}

	// worker cap clamps the headroom result
	probe.mu.Lock()
	probe.gpuFree = 100
	probe.mu.Unlock()
	m.mu.Lock()
	allowed = m.allowedConcurrencyLocked()
	m.mu.Unlock()
	if allowed != 4 {
		t.Fatalf("expected clamp to worker cap 4, got %d", allowed)
	}

	// no headroom still admits one
	probe.mu.Lock()
	probe.gpuFree = 0.5
	probe.mu.Unlock()
	m.mu.Lock()
	allowed = m.allowedConcurrencyLocked()
	m.mu.Unlock()
	if allowed != 1 {
		t.Fatalf("expected floor of 1, got %d", allowed)
	}
}

func TestMemorySlotBlocksBeyondAllowed(t *testing.T) {
	probe := healthyProbe()
	probe.gpuFree = 10 // allowed = floor((10-1)/4) = 2
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:      4,
		DynamicWorkers:  true,
		MemPerJobGB:     4,
		ReserveGPUMemGB: 1,
		MinSystemMemGB:  2,
		Probe:           probe,
		Primary:         loaderFor(eng),
	})
	// load the engine and pin the device to gpu
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()

	ctx := context.Background()
	deadline := time.Now().Add(200 * time.Millisecond)
	if err := m.acquireMemorySlot(ctx, deadline); err != nil {
		t.Fatalf("slot 1: %v", err)
	}
	if err := m.acquireMemorySlot(ctx, deadline); err != nil {
		t.Fatalf("slot 2: %v", err)
	}
	// third admission exceeds allowed concurrency and must time out
	err = m.acquireMemorySlot(ctx, time.Now().Add(50*time.Millisecond))
	if !IsAcquireTimeout(err) {
		t.Fatalf("expected acquire timeout, got %v", err)
	}

	// freeing one slot admits the blocked caller
	m.mu.Lock()
	m.busy--
	m.mu.Unlock()
	if err := m.acquireMemorySlot(ctx, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("slot after release: %v", err)
	}
}

func TestSystemMemoryPressureDefersAdmission(t *testing.T) {
	probe := healthyProbe()
	probe.sysFree = 0.5 // below the 2GB floor
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:      2,
		DynamicWorkers:  true,
		MemPerJobGB:     1,
		ReserveGPUMemGB: 1,
		MinSystemMemGB:  2,
		Probe:           probe,
		Primary:         loaderFor(eng),
	})
	_, err := m.Acquire(context.Background(), 60*time.Millisecond)
	if !IsAcquireTimeout(err) {
		t.Fatalf("expected timeout under memory pressure, got %v", err)
	}
}

func TestSerializationLimitsNonConcurrentBackend(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:     2,
		MinSystemMemGB: 2,
		Primary:        loaderFor(eng),
	})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = m.Acquire(context.Background(), 50*time.Millisecond)
	if !IsAcquireTimeout(err) {
		t.Fatalf("expected serialization timeout, got %v", err)
	}
	lease.Release()
	l2, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l2.Release()
}

func TestConcurrentBackendSkipsSerialization(t *testing.T) {
	eng := &fakeEngine{name: "sidecar", concurrent: true}
	m := newTestManager(t, Config{
		MaxWorkers:       2,
		AssumeConcurrent: true,
		MinSystemMemGB:   2,
		Primary:          loaderFor(eng),
	})
	l1, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	l2, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire 2 should not serialize: %v", err)
	}
	l1.Release()
	l2.Release()
}

func TestIdleUnloadAndReload(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	loads := 0
	m := newTestManager(t, Config{
		MaxWorkers:    1,
		IdleUnload:    30 * time.Millisecond,
		WatchInterval: 10 * time.Millisecond,
		Primary: func(string) (engine.Engine, error) {
			loads++
			return eng, nil
		},
	})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()

	waitFor(t, time.Second, func() bool { return !m.Status().Loaded })
	if eng.closeCount() != 1 {
		t.Fatalf("expected engine closed once, got %d", eng.closeCount())
	}

	// a new acquisition re-triggers load
	l2, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire after unload: %v", err)
	}
	l2.Release()
	if loads != 2 {
		t.Fatalf("expected reload, loads=%d", loads)
	}
}

func TestNoUnloadWhileInFlight(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:    1,
		IdleUnload:    20 * time.Millisecond,
		WatchInterval: 5 * time.Millisecond,
		Primary:       loaderFor(eng),
	})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if !m.Status().Loaded {
		t.Fatalf("engine unloaded while lease held")
	}
	lease.Release()
}

func TestFallbackToSecondary(t *testing.T) {
	secondary := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{
		MaxWorkers:       1,
		AssumeConcurrent: true,
		Primary: func(string) (engine.Engine, error) {
			return nil, ErrLoadFailed("sidecar unreachable")
		},
		Secondary: loaderFor(secondary),
	})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release()
	st := m.Status()
	if st.Backend != "subprocess" {
		t.Fatalf("expected fallback backend, got %q", st.Backend)
	}
	if st.FallbackReason == "" {
		t.Fatalf("fallback reason not recorded")
	}
}

func TestLoadFailurePropagatesAndReleasesLock(t *testing.T) {
	m := newTestManager(t, Config{
		MaxWorkers: 1,
		Primary: func(string) (engine.Engine, error) {
			return nil, ErrLoadFailed("boom")
		},
	})
	_, err := m.Acquire(context.Background(), 100*time.Millisecond)
	if !IsLoadFailed(err) {
		t.Fatalf("expected load error, got %v", err)
	}
	// the serialization lock must have been released on the failure path
	_, err = m.Acquire(context.Background(), 100*time.Millisecond)
	if !IsLoadFailed(err) {
		t.Fatalf("expected load error again (not a lock timeout), got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{MaxWorkers: 1, Primary: loaderFor(eng)})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()
	lease.Release()
	if got := m.Status().Inflight; got != 0 {
		t.Fatalf("inflight drifted to %d", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	eng := &fakeEngine{name: "subprocess"}
	m := newTestManager(t, Config{MaxWorkers: 1, Primary: loaderFor(eng)})
	lease, err := m.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()
	m.Stop()
	m.Stop() // second call must not panic on the closed stop channel
	if got := eng.closeCount(); got != 1 {
		t.Fatalf("engine closed %d times", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
