package manager

import (
	"context"
	"time"

	"ocrd/internal/engine"
	"ocrd/internal/memprobe"
	"ocrd/internal/metrics"
)

// Lease is a scoped grant of engine access. Release must be called on all
// paths; it decrements the in-flight count and refreshes last-used.
type Lease struct {
	m          *Manager
	eng        engine.Engine
	serialized bool
	slot       bool
	released   bool
}

// Engine returns the engine this lease grants access to.
func (l *Lease) Engine() engine.Engine { return l.eng }

// Release returns the lease's slot and serialization lock. Idempotent.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.m.mu.Lock()
	if l.slot {
		l.m.busy--
		if l.m.busy < 0 {
			l.m.busy = 0
		}
		metrics.EngineInflight.Set(float64(l.m.busy))
	}
	l.m.lastUsed = time.Now()
	l.m.mu.Unlock()
	if l.serialized {
		<-l.m.inferCh
	}
}

// Acquire obtains scoped access to the engine, loading it on first use.
// The protocol, in order: global serialization (skipped for natively
// concurrent backends), lazy load, then the GPU memory gate. Contention is
// polled with backoff until timeout elapses.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	lease := &Lease{m: m}

	if !m.concurrent() {
		if err := m.acquireInferLock(ctx, deadline); err != nil {
			return nil, err
		}
		lease.serialized = true
	}

	eng, err := m.getEngine()
	if err != nil {
		lease.Release()
		return nil, err
	}
	lease.eng = eng

	if m.gated(eng) {
		if err := m.acquireMemorySlot(ctx, deadline); err != nil {
			lease.Release()
			return nil, err
		}
		lease.slot = true
	}

	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
	return lease, nil
}

// gated reports whether the memory gate applies: GPU device and a backend
// that does not manage its own concurrency.
func (m *Manager) gated(eng engine.Engine) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device == "gpu" && !eng.Concurrent()
}

func (m *Manager) acquireInferLock(ctx context.Context, deadline time.Time) error {
	for {
		select {
		case m.inferCh <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
			if time.Now().After(deadline) {
				return acquireTimeoutError{what: "inference lock"}
			}
		}
	}
}

func (m *Manager) acquireMemorySlot(ctx context.Context, deadline time.Time) error {
	for {
		m.mu.Lock()
		if m.memoryAvailableLocked() {
			allowed := m.allowedConcurrencyLocked()
			if m.busy < allowed {
				m.busy++
				metrics.EngineInflight.Set(float64(m.busy))
				m.mu.Unlock()
				return nil
			}
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
			if time.Now().After(deadline) {
				return acquireTimeoutError{what: "memory slot"}
			}
		}
	}
}

// allowedConcurrencyLocked computes how many accelerator-bound tasks may
// run at once: floor((free - reserve) / perJob), clamped to [1, MaxWorkers].
// Callers hold m.mu.
func (m *Manager) allowedConcurrencyLocked() int {
	if !m.cfg.DynamicWorkers {
		return 1
	}
	if m.device != "gpu" {
		return 1
	}
	free, total, ok := m.cfg.Probe.GPUMemoryGB(m.cfg.GPUIndex)
	if !ok {
		return 1
	}
	usable := free - m.cfg.ReserveGPUMemGB
	if usable < 0 {
		usable = 0
	}
	allowed := int(usable / m.cfg.MemPerJobGB)
	if allowed < 1 {
		allowed = 1
	}
	if allowed > m.cfg.MaxWorkers {
		allowed = m.cfg.MaxWorkers
	}
	m.cfg.Logger.Debug().
		Float64("free_gb", free).
		Float64("total_gb", total).
		Int("allowed", allowed).
		Msg("gpu memory check")
	return allowed
}

// memoryAvailableLocked rejects admission while system memory is below the
// floor or GPU headroom cannot cover reserve plus one job.
func (m *Manager) memoryAvailableLocked() bool {
	if memprobe.UnderPressure(m.cfg.Probe, m.cfg.MinSystemMemGB) {
		if avail, total, ok := m.cfg.Probe.SystemMemoryGB(); ok {
			m.cfg.Logger.Warn().
				Float64("available_gb", avail).
				Float64("total_gb", total).
				Msg("system memory pressure, deferring admission")
		}
		return false
	}
	if m.device != "gpu" {
		return true
	}
	free, _, ok := m.cfg.Probe.GPUMemoryGB(m.cfg.GPUIndex)
	if !ok {
		return false
	}
	return free > m.cfg.ReserveGPUMemGB+m.cfg.MemPerJobGB
}
