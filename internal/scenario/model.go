package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stablejack/simulation-engine/internal/codec"
	"github.com/stablejack/simulation-engine/internal/engine"
	"github.com/stablejack/simulation-engine/internal/metrics"
	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/store"
)

var (
	ErrNonFinite = errors.New("scenario: edit produces non-finite values")
	ErrPersist   = errors.New("scenario: snapshot could not be persisted")
)

// State is a read-only view of a model at one point in time.
type State struct {
	Scenario  string        `json:"scenario"`
	Values    *model.Vector `json:"values"`
	Converged bool          `json:"converged"`
	Passes    int           `json:"passes"`
	Version   uint64        `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Model owns the live value vector of one scenario. Edits are serialized:
// each one runs a full recompute before the next is accepted. The store is
// only touched by Load and Save, never while the lock is held.
type Model struct {
	def   *Definition
	store store.Store
	opts  []engine.Option

	mu       sync.Mutex
	state    State
	restored bool
}

// Load builds a model from the snapshot stored under the scenario's key.
// A missing, unreadable or unusable snapshot falls back to the defaults;
// a store failure is logged and treated the same way. The engine runs once
// before the model is returned.
func Load(ctx context.Context, def *Definition, st store.Store, opts ...engine.Option) *Model {
	m := &Model{def: def, store: st, opts: opts}

	v, found, err := codec.Load(ctx, st, def.Key, def.defaults)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		slog.Error("snapshot read failed, using defaults", "scenario", def.Name, "err", err)
	}

	res := m.recompute(v)
	if found && len(res.NonFinite) > 0 {
		slog.Warn("restored snapshot is not finite, using defaults",
			"scenario", def.Name,
			"fields", res.NonFinite,
		)
		found = false
		res = m.recompute(def.Defaults())
	}
	if !found {
		metrics.PersistenceMisses.WithLabelValues(def.Name).Inc()
		slog.Info("no snapshot, using defaults", "scenario", def.Name, "key", def.Key)
	}

	m.restored = found
	m.commit(res)
	return m
}

// Definition returns the scenario definition.
func (m *Model) Definition() *Definition { return m.def }

// Restored reports whether Load started from a stored snapshot rather than
// the defaults.
func (m *Model) Restored() bool { return m.restored }

// State returns a snapshot of the current state.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Apply validates a raw patch of independent-field edits, merges it and
// recomputes. Invalid input returns constraint.Errors and a result that is
// not finite returns ErrNonFinite; in both cases the prior state is kept.
// A non-convergent result is committed and reported through State.Converged.
func (m *Model) Apply(raw map[string]any) (State, error) {
	patch, err := m.def.Constraints.Check(raw)
	if err != nil {
		metrics.RejectedEdits.WithLabelValues(m.def.Name, "invalid").Inc()
		return m.State(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.recompute(m.state.Values.Merge(patch))
	if len(res.NonFinite) > 0 {
		metrics.RejectedEdits.WithLabelValues(m.def.Name, "non_finite").Inc()
		slog.Warn("edit rejected",
			"scenario", m.def.Name,
			"patch", patch,
			"non_finite", res.NonFinite,
		)
		return m.snapshot(), fmt.Errorf("%w: %v", ErrNonFinite, res.NonFinite)
	}

	m.commit(res)
	slog.Info("scenario recomputed",
		"scenario", m.def.Name,
		"version", m.state.Version,
		"passes", res.Passes,
		"converged", res.Converged,
	)
	return m.snapshot(), nil
}

// Reset restores the defaults and recomputes.
func (m *Model) Reset() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commit(m.recompute(m.def.Defaults()))
	slog.Info("scenario reset", "scenario", m.def.Name, "version", m.state.Version)
	return m.snapshot()
}

// Save writes the current vector to the store. A failure is returned
// wrapped in ErrPersist and leaves the in-memory state untouched.
func (m *Model) Save(ctx context.Context) (State, error) {
	s := m.State()

	if err := codec.Save(ctx, m.store, m.def.Key, s.Values); err != nil {
		metrics.StoreErrors.WithLabelValues("set").Inc()
		slog.Error("snapshot write failed", "scenario", m.def.Name, "err", err)
		return s, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	slog.Info("snapshot saved", "scenario", m.def.Name, "version", s.Version)
	return s, nil
}

func (m *Model) recompute(v *model.Vector) engine.Result {
	start := time.Now()
	res := engine.Recompute(m.def.Graph, v, m.opts...)
	metrics.ObserveRecompute(m.def.Name, res.Converged, res.Passes, time.Since(start))

	if !res.Converged {
		slog.Warn("recompute did not converge",
			"scenario", m.def.Name,
			"passes", res.Passes,
			"stage", res.UnstableStage,
		)
	}
	if len(res.Guards) > 0 {
		slog.Debug("guards applied", "scenario", m.def.Name, "guards", res.Guards)
	}
	return res
}

// commit installs a recompute result. Callers hold mu, except during Load.
func (m *Model) commit(res engine.Result) {
	m.state = State{
		Scenario:  m.def.Name,
		Values:    res.Vector,
		Converged: res.Converged,
		Passes:    res.Passes,
		Version:   m.state.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
}

func (m *Model) snapshot() State {
	s := m.state
	s.Values = s.Values.Snapshot()
	return s
}
