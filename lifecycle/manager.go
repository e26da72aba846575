// Package lifecycle tracks which local models are resident in the inference
// server, loads them on demand before a generation, and evicts them after a
// configurable inactivity window.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/termchat/termchat/llm"
)

// Phase represents a model's lifecycle phase.
type Phase string

const (
	PhaseUnloaded Phase = "unloaded"
	PhaseLoading  Phase = "loading"
	PhaseLoaded   Phase = "loaded"
	PhaseEvicting Phase = "evicting"
)

// Loader issues the backend's load/unload calls. The manager is the sole
// caller of these operations.
type Loader interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

type transitionKind int

const (
	transitionLoad transitionKind = iota
	transitionEvict
)

// transition tracks an in-flight load or eviction so concurrent callers can
// await its outcome instead of issuing a second wire call.
type transition struct {
	kind transitionKind
	done chan struct{}
	err  error
}

// modelState is the per-model record. Mutated only by the Manager; the table
// mutex is held briefly and never across network I/O.
type modelState struct {
	phase    Phase
	lastUsed time.Time
	refs     int
	pending  *transition
}

// Manager implements the per-model state machine
// unloaded -> loading -> loaded -> unloaded, with the eviction path driven by
// a periodic sweep.
type Manager struct {
	mu     sync.Mutex
	models map[string]*modelState

	loader        Loader
	idleTimeout   time.Duration
	sweepInterval time.Duration
	cron          *cron.Cron
	logger        zerolog.Logger
	now           func() time.Time
}

// NewManager creates a Manager. idleTimeout is the inactivity window after
// which a loaded, unreferenced model becomes an eviction candidate;
// sweepInterval is how often the sweep runs.
func NewManager(loader Loader, idleTimeout, sweepInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		models:        make(map[string]*modelState),
		loader:        loader,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		logger:        logger.With().Str("component", "lifecycle").Logger(),
		now:           time.Now,
	}
}

// Start schedules the periodic sweep. The sweeper stops when ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if m.sweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.sweepInterval), func() {
		m.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	m.logger.Info().
		Dur("idleTimeout", m.idleTimeout).
		Dur("sweepInterval", m.sweepInterval).
		Msg("Starting model lifecycle sweeper")
	m.cron.Start()

	go func() {
		<-ctx.Done()
		m.cron.Stop()
		m.logger.Info().Msg("Model lifecycle sweeper stopped: context cancelled")
	}()

	return nil
}

// Phase returns the model's current lifecycle phase.
func (m *Manager) Phase(model string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.models[model]
	if !ok {
		return PhaseUnloaded
	}
	return st.phase
}

// Preload ensures the model is loaded before a generation. If the model is
// already loaded this is a no-op; if a load or eviction is in flight the call
// awaits that transition. Load failure surfaces as a preload_failed error and
// leaves the model unloaded.
func (m *Manager) Preload(ctx context.Context, model string) error {
	for {
		m.mu.Lock()
		st := m.state(model)

		switch st.phase {
		case PhaseLoaded:
			st.lastUsed = m.now()
			m.mu.Unlock()
			return nil

		case PhaseLoading, PhaseEvicting:
			tr := st.pending
			m.mu.Unlock()
			if tr == nil {
				// Transition settled between observations; re-examine.
				continue
			}
			select {
			case <-ctx.Done():
				return llm.FromContextError(ctx.Err())
			case <-tr.done:
			}
			if tr.kind == transitionLoad && tr.err != nil {
				return llm.NewPreloadFailedError(model, tr.err)
			}
			// A failed eviction leaves the model loaded; a successful one
			// leaves it unloaded. Either way, re-examine the phase.
			continue

		case PhaseUnloaded:
			tr := &transition{kind: transitionLoad, done: make(chan struct{})}
			st.phase = PhaseLoading
			st.pending = tr
			m.mu.Unlock()

			err := m.loader.Load(ctx, model)

			m.mu.Lock()
			if err != nil {
				st.phase = PhaseUnloaded
				m.logger.Warn().Err(err).Str("model", model).Msg("Model load failed")
			} else {
				st.phase = PhaseLoaded
				st.lastUsed = m.now()
				m.logger.Info().Str("model", model).Msg("Model loaded")
			}
			tr.err = err
			st.pending = nil
			m.mu.Unlock()
			close(tr.done)

			if err != nil {
				return llm.NewPreloadFailedError(model, err)
			}
			return nil
		}
	}
}

// Touch refreshes the model's last-used timestamp. Called on every token
// delivery, not only at request start, so a long-running stream keeps the
// model warm.
func (m *Manager) Touch(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.models[model]; ok && st.phase == PhaseLoaded {
		st.lastUsed = m.now()
	}
}

// Acquire pins the model against eviction for the duration of a generation.
func (m *Manager) Acquire(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(model).refs++
}

// Release drops a generation's pin on the model.
func (m *Manager) Release(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(model)
	if st.refs > 0 {
		st.refs--
	}
	st.lastUsed = m.now()
}

// Sweep evicts every loaded model whose last use exceeds the inactivity
// window and that no active generation references. Unload failure is logged
// and retried on the next sweep, never fatal.
func (m *Manager) Sweep(ctx context.Context) {
	type candidate struct {
		model string
		st    *modelState
		tr    *transition
	}

	m.mu.Lock()
	var candidates []candidate
	cutoff := m.now().Add(-m.idleTimeout)
	for model, st := range m.models {
		if st.phase != PhaseLoaded || st.refs > 0 {
			continue
		}
		if st.lastUsed.After(cutoff) {
			continue
		}
		tr := &transition{kind: transitionEvict, done: make(chan struct{})}
		st.phase = PhaseEvicting
		st.pending = tr
		candidates = append(candidates, candidate{model: model, st: st, tr: tr})
	}
	m.mu.Unlock()

	for _, c := range candidates {
		err := m.loader.Unload(ctx, c.model)

		m.mu.Lock()
		if err != nil {
			// Leave it loaded; the next sweep retries.
			c.st.phase = PhaseLoaded
			m.logger.Warn().Err(err).Str("model", c.model).Msg("Model eviction failed, will retry next sweep")
		} else {
			c.st.phase = PhaseUnloaded
			m.logger.Info().Str("model", c.model).Msg("Evicted idle model")
		}
		c.tr.err = err
		c.st.pending = nil
		m.mu.Unlock()
		close(c.tr.done)
	}
}

// state returns the record for model, creating it in the unloaded phase.
// Must be called with the table locked.
func (m *Manager) state(model string) *modelState {
	st, ok := m.models[model]
	if !ok {
		st = &modelState{phase: PhaseUnloaded}
		m.models[model] = st
	}
	return st
}
