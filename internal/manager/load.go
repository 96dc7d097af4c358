package manager

import (
	"fmt"
	"time"

	"ocrd/internal/engine"
	"ocrd/internal/metrics"
)

// selectDevice picks the runtime device before construction. GPU is chosen
// when visible and not forced off; probe failure means CPU.
func (m *Manager) selectDevice() string {
	if m.cfg.ForceCPU {
		m.cfg.Logger.Info().Msg("runtime device selected: cpu (forced)")
		return "cpu"
	}
	if _, _, ok := m.cfg.Probe.GPUMemoryGB(m.cfg.GPUIndex); ok {
		m.cfg.Logger.Info().Msg("runtime device selected: gpu")
		return "gpu"
	}
	m.cfg.Logger.Info().Msg("runtime device selected: cpu (no gpu visible)")
	return "cpu"
}

// getEngine returns the loaded engine, constructing it on first use.
// Construction is guarded so at most one goroutine builds the handle.
func (m *Manager) getEngine() (engine.Engine, error) {
	m.mu.Lock()
	if m.eng != nil {
		m.lastUsed = time.Now()
		e := m.eng
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	// another goroutine may have finished loading while we waited
	m.mu.Lock()
	if m.eng != nil {
		m.lastUsed = time.Now()
		e := m.eng
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	device := m.selectDevice()
	start := time.Now()
	eng, err := m.cfg.Primary(device)
	fallback := ""
	if err != nil && m.cfg.Secondary != nil {
		fallback = fmt.Sprintf("primary backend init failed: %v", err)
		m.cfg.Logger.Warn().Str("reason", fallback).Msg("falling back to secondary backend")
		eng, err = m.cfg.Secondary(device)
	}
	if err != nil {
		m.mu.Lock()
		m.device = "unknown"
		m.fallbackReason = fmt.Sprintf("load failed: %v", err)
		m.mu.Unlock()
		return nil, ErrLoadFailed(err.Error())
	}

	m.mu.Lock()
	m.eng = eng
	m.device = device
	if fallback != "" {
		m.fallbackReason = fallback
	}
	m.lastUsed = time.Now()
	m.mu.Unlock()

	metrics.EngineLoads.Inc()
	m.cfg.Logger.Info().
		Str("backend", eng.Name()).
		Str("device", device).
		Dur("took", time.Since(start)).
		Msg("engine loaded")
	return eng, nil
}

// unload drops the engine handle and closes the backend. No-op when
// nothing is loaded or work is in flight.
func (m *Manager) unload(reason string) {
	m.mu.Lock()
	if m.eng == nil || m.busy > 0 {
		m.mu.Unlock()
		return
	}
	e := m.eng
	m.eng = nil
	m.mu.Unlock()

	if err := e.Close(); err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("engine close")
	}
	metrics.EngineUnloads.Inc()
	m.cfg.Logger.Info().Str("reason", reason).Msg("engine unloaded")
}
