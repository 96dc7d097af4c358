// Package manager owns the lazily-loaded conversion engine: it serializes
// access for backends that cannot run concurrently, gates admission by
// measured memory headroom, and unloads the engine after idle periods to
// reclaim accelerator memory.
package manager

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocrd/internal/engine"
	"ocrd/internal/memprobe"
	"ocrd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultWatchInterval  = time.Second
	defaultAcquireTimeout = 180 * time.Second
	defaultIdleUnload     = 10 * time.Minute
)

// Loader constructs an engine backend for the selected device.
type Loader func(device string) (engine.Engine, error)

// Config encapsulates all tunables for Manager construction.
type Config struct {
	MaxWorkers      int
	DynamicWorkers  bool
	MemPerJobGB     float64
	ReserveGPUMemGB float64
	MinSystemMemGB  float64
	GPUIndex        int
	ForceCPU        bool
	IdleUnload      time.Duration
	PollInterval    time.Duration
	WatchInterval   time.Duration
	// AssumeConcurrent is the serialization hint used before the first
	// load resolves the actual backend (true for sidecar-style backends).
	AssumeConcurrent bool

	Probe     memprobe.Probe
	Primary   Loader
	Secondary Loader
	Logger    zerolog.Logger
}

// Manager is the process-wide owner of the engine handle. Construct one at
// startup and inject it; its counters and locks are private invariants.
type Manager struct {
	cfg Config

	mu             sync.Mutex
	eng            engine.Engine
	busy           int
	lastUsed       time.Time
	device         string // gpu|cpu|unknown
	fallbackReason string

	loadMu  sync.Mutex    // guards engine construction
	inferCh chan struct{} // cap 1: global inference serialization

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New constructs a Manager and starts its idle watcher.
func New(cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MemPerJobGB <= 0 {
		cfg.MemPerJobGB = 0.1
	}
	if cfg.IdleUnload <= 0 {
		cfg.IdleUnload = defaultIdleUnload
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if cfg.Probe == nil {
		cfg.Probe = memprobe.System{}
	}
	m := &Manager{
		cfg:      cfg,
		lastUsed: time.Now(),
		device:   "unknown",
		inferCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.idleWatcher()
	return m
}

// Stop signals the idle watcher, waits for it with a bounded timeout and
// unloads the engine. Calling it more than once is safe.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		select {
		case <-m.done:
		case <-time.After(2 * time.Second):
		}
		m.unload("shutdown")
	})
}

// Status reports the manager's externally visible state.
func (m *Manager) Status() types.EngineStatus {
	m.mu.Lock()
	st := types.EngineStatus{
		Device:         m.device,
		Backend:        m.backendNameLocked(),
		Loaded:         m.eng != nil,
		Inflight:       m.busy,
		FallbackReason: m.fallbackReason,
	}
	m.mu.Unlock()
	if free, total, ok := m.cfg.Probe.GPUMemoryGB(m.cfg.GPUIndex); ok {
		st.GPUFreeGB = free
		st.GPUTotalGB = total
	}
	return st
}

func (m *Manager) backendNameLocked() string {
	if m.eng != nil {
		return m.eng.Name()
	}
	if m.cfg.AssumeConcurrent {
		return "sidecar"
	}
	return "subprocess"
}

// concurrent reports whether the active (or assumed) backend safely runs
// multiple invocations at once.
func (m *Manager) concurrent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eng != nil {
		return m.eng.Concurrent()
	}
	return m.cfg.AssumeConcurrent
}

func (m *Manager) idleWatcher() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(m.lastUsed)
			shouldUnload := m.eng != nil && m.busy == 0 && idle >= m.cfg.IdleUnload
			m.mu.Unlock()
			if shouldUnload {
				m.unload("idle")
			}
		}
	}
}
