// Package engine re-evaluates a formula graph to a stable fixed point.
//
// Rules are evaluated in declaration order and each rule sees the freshest
// value of every read, including values written earlier in the same pass.
// A stage is repeated until no field it writes moves by more than the
// relative epsilon between two consecutive passes, or until the pass cap is
// reached. Hitting the cap is reported through Result.Converged; it is never
// an error and the last pass's values are returned as a best effort.
//
// Recompute is a pure function of its inputs: the caller's vector is never
// modified and no state is kept between calls.
package engine

import (
	"math"

	"github.com/stablejack/simulation-engine/internal/formula"
	"github.com/stablejack/simulation-engine/internal/model"
)

const (
	// DefaultMaxPasses bounds the passes spent on one stage.
	DefaultMaxPasses = 16

	// DefaultEpsilon is the relative change below which a value is
	// considered stable.
	DefaultEpsilon = 1e-9
)

// Options controls the iteration limits.
type Options struct {
	MaxPasses int
	Epsilon   float64
}

// DefaultOptions returns the standard limits.
func DefaultOptions() Options {
	return Options{MaxPasses: DefaultMaxPasses, Epsilon: DefaultEpsilon}
}

// Option adjusts Options.
type Option func(*Options)

// WithMaxPasses sets the per-stage pass cap. Values below 1 are ignored.
func WithMaxPasses(n int) Option {
	return func(o *Options) {
		if n >= 1 {
			o.MaxPasses = n
		}
	}
}

// WithEpsilon sets the relative convergence tolerance. Negative or
// non-finite values are ignored.
func WithEpsilon(eps float64) Option {
	return func(o *Options) {
		if eps >= 0 && !math.IsInf(eps, 0) {
			o.Epsilon = eps
		}
	}
}

// WithOptions replaces every limit at once; zero fields keep their defaults.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		WithMaxPasses(opts.MaxPasses)(o)
		if opts.Epsilon > 0 {
			WithEpsilon(opts.Epsilon)(o)
		}
	}
}

// Result is the outcome of one recompute.
type Result struct {
	// Vector holds the recomputed values. It is always a fresh copy.
	Vector *model.Vector

	// Converged is false when any stage hit the pass cap.
	Converged bool

	// Passes counts every pass evaluated, across all stages.
	Passes int

	// UnstableStage is the index of the first stage that did not converge,
	// or -1.
	UnstableStage int

	// NonFinite lists fields holding NaN or ±Inf after the last pass.
	NonFinite []string

	// Guards maps each derived field whose value came from a guard in the
	// last pass to that guard's name.
	Guards map[string]string
}

// Recompute evaluates g over a copy of v until every stage is stable or has
// exhausted its passes.
func Recompute(g *formula.Graph, v *model.Vector, opts ...Option) Result {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	work := v.Snapshot()
	res := Result{Converged: true, UnstableStage: -1, Guards: make(map[string]string)}

	for i := 0; i < g.StageCount(); i++ {
		passes, stable := settle(g.Stage(i), work, o, res.Guards)
		res.Passes += passes
		if !stable && res.Converged {
			res.Converged = false
			res.UnstableStage = i
		}
	}

	res.Vector = work
	res.NonFinite = work.NonFinite()
	return res
}

// settle runs full passes over one stage in place and reports how many
// passes ran and whether the stage reached a fixed point. guards is updated
// with the guards that supplied values in each pass.
func settle(rules []formula.Rule, work *model.Vector, o Options, guards map[string]string) (int, bool) {
	prev := make([]float64, len(rules))
	for pass := 1; pass <= o.MaxPasses; pass++ {
		for j := range rules {
			prev[j] = work.Get(rules[j].Writes)
		}

		stable := true
		for j := range rules {
			r := &rules[j]
			next, guard := r.EvalGuarded(work)
			if guard != "" {
				guards[r.Writes] = guard
			} else {
				delete(guards, r.Writes)
			}
			if changed(prev[j], next, o.Epsilon) {
				stable = false
			}
			work.Set(r.Writes, next)
		}

		if stable {
			// Keep the values the confirming pass started from so a second
			// recompute of this output reproduces it exactly.
			for j := range rules {
				work.Set(rules[j].Writes, prev[j])
			}
			return pass, true
		}
	}
	return o.MaxPasses, false
}

// changed reports whether b differs from a by more than eps relative to the
// larger magnitude. Identical values, including matching infinities and a
// pair of NaNs, are unchanged.
func changed(a, b, eps float64) bool {
	if a == b {
		return false
	}
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	if aNaN || bNaN {
		return aNaN != bNaN
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) > eps*scale
}
