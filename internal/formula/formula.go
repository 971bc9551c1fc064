// Package formula declares the fixed rule tables that map a scenario's
// independent inputs to its derived metrics.
//
// A Rule writes exactly one field from a declared set of reads. Guards are
// checked in order before the default computation runs; the first guard
// whose predicate holds supplies the value instead. Every division in the
// catalogue is preceded by a guard that turns a zero or non-finite
// denominator into 0, so rules never produce NaN or ±Inf from a division.
//
// Rules are grouped into ordered stages. The engine iterates each stage to a
// fixed point before moving to the next one, which lets a feed-forward
// extension (the trading position) run on top of a stabilized protocol.
package formula

import (
	"errors"
	"fmt"
	"math"

	"github.com/stablejack/simulation-engine/internal/model"
)

var (
	// ErrUndeclaredField is returned when a rule reads or writes a field the
	// graph does not declare.
	ErrUndeclaredField = errors.New("formula: rule references undeclared field")

	// ErrDuplicateWriter is returned when two rules write the same field.
	ErrDuplicateWriter = errors.New("formula: field has more than one writing rule")

	// ErrIncompleteRule is returned when a rule or guard is missing a
	// function.
	ErrIncompleteRule = errors.New("formula: rule is missing a computation")
)

// Inputs is the read-only view a rule gets of the current vector. Only the
// fields listed in the rule's Reads are accessible.
type Inputs struct {
	rule *Rule
	v    *model.Vector
}

// Get returns the current value of a declared read. Reading a field the rule
// did not declare panics.
func (in Inputs) Get(field string) float64 {
	for _, r := range in.rule.Reads {
		if r == field {
			return in.v.Get(field)
		}
	}
	panic(fmt.Sprintf("formula: rule %s reads undeclared input %s", in.rule.Writes, field))
}

// Guard overrides a rule's computation when its predicate holds.
type Guard struct {
	Name  string
	When  func(Inputs) bool
	Value func(Inputs) float64
}

// Rule computes the value of one derived field.
type Rule struct {
	Writes  string
	Reads   []string
	Guards  []Guard
	Compute func(Inputs) float64
}

// Eval evaluates the rule against v without modifying it.
func (r *Rule) Eval(v *model.Vector) float64 {
	value, _ := r.EvalGuarded(v)
	return value
}

// EvalGuarded evaluates the rule and also returns the name of the guard that
// supplied the value, or "" when the default computation ran.
func (r *Rule) EvalGuarded(v *model.Vector) (float64, string) {
	in := Inputs{rule: r, v: v}
	for _, g := range r.Guards {
		if g.When(in) {
			return g.Value(in), g.Name
		}
	}
	return r.Compute(in), ""
}

func (r *Rule) validate(declared map[string]bool) error {
	if r.Compute == nil {
		return fmt.Errorf("%w: %s", ErrIncompleteRule, r.Writes)
	}
	for _, g := range r.Guards {
		if g.When == nil || g.Value == nil {
			return fmt.Errorf("%w: %s guard %q", ErrIncompleteRule, r.Writes, g.Name)
		}
	}
	if !declared[r.Writes] {
		return fmt.Errorf("%w: %s writes %s", ErrUndeclaredField, r.Writes, r.Writes)
	}
	for _, f := range r.Reads {
		if !declared[f] {
			return fmt.Errorf("%w: %s reads %s", ErrUndeclaredField, r.Writes, f)
		}
	}
	return nil
}

// Graph is an immutable, validated set of rules over a declared field list.
type Graph struct {
	name    string
	fields  []string
	stages  [][]Rule
	writers map[string]*Rule
}

// NewGraph validates the rules and builds a graph. Stages are evaluated in
// the given order; rules within a stage in declaration order.
func NewGraph(name string, fields []string, stages ...[]Rule) (*Graph, error) {
	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f] = true
	}

	g := &Graph{
		name:    name,
		fields:  append([]string(nil), fields...),
		stages:  make([][]Rule, len(stages)),
		writers: make(map[string]*Rule),
	}
	for i, stage := range stages {
		g.stages[i] = append([]Rule(nil), stage...)
	}

	for i := range g.stages {
		for j := range g.stages[i] {
			r := &g.stages[i][j]
			if err := r.validate(declared); err != nil {
				return nil, err
			}
			if _, dup := g.writers[r.Writes]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateWriter, r.Writes)
			}
			g.writers[r.Writes] = r
		}
	}
	return g, nil
}

// MustGraph is like NewGraph but panics on an invalid rule table. Intended
// for package-level catalogues.
func MustGraph(name string, fields []string, stages ...[]Rule) *Graph {
	g, err := NewGraph(name, fields, stages...)
	if err != nil {
		panic(err)
	}
	return g
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Fields returns every declared field in order.
func (g *Graph) Fields() []string { return append([]string(nil), g.fields...) }

// StageCount returns the number of stages.
func (g *Graph) StageCount() int { return len(g.stages) }

// Stage returns the rules of stage i in evaluation order. The returned
// rules must not be modified.
func (g *Graph) Stage(i int) []Rule { return g.stages[i] }

// rules returns every rule across all stages in evaluation order.
func (g *Graph) rules() []*Rule {
	var out []*Rule
	for i := range g.stages {
		for j := range g.stages[i] {
			out = append(out, &g.stages[i][j])
		}
	}
	return out
}

// Rule returns the rule writing field.
func (g *Graph) Rule(field string) (*Rule, bool) {
	r, ok := g.writers[field]
	return r, ok
}

// IsDerived reports whether a rule writes field.
func (g *Graph) IsDerived(field string) bool {
	_, ok := g.writers[field]
	return ok
}

// Independent returns the declared fields no rule writes, in order.
func (g *Graph) Independent() []string {
	var out []string
	for _, f := range g.fields {
		if !g.IsDerived(f) {
			out = append(out, f)
		}
	}
	return out
}

// Derived returns the fields written by a rule, in declaration order.
func (g *Graph) Derived() []string {
	var out []string
	for _, f := range g.fields {
		if g.IsDerived(f) {
			out = append(out, f)
		}
	}
	return out
}

// forwardRead is a read of a field whose writing rule comes later in the
// same stage. Each one requires an extra pass before the stage settles.
type forwardRead struct {
	Rule  string
	Field string
}

// forwardReads lists the reads that break a single-pass evaluation order.
func (g *Graph) forwardReads() []forwardRead {
	var out []forwardRead
	for _, stage := range g.stages {
		pos := make(map[string]int, len(stage))
		for i, r := range stage {
			pos[r.Writes] = i
		}
		for i, r := range stage {
			for _, f := range r.Reads {
				if j, ok := pos[f]; ok && j >= i {
					out = append(out, forwardRead{Rule: r.Writes, Field: f})
				}
			}
		}
	}
	return out
}

// --- Guard and computation helpers ---

// field returns a computation that reads one input unchanged.
func field(name string) func(Inputs) float64 {
	return func(in Inputs) float64 { return in.Get(name) }
}

// constant returns a computation yielding x.
func constant(x float64) func(Inputs) float64 {
	return func(Inputs) float64 { return x }
}

// degenerate reports whether x cannot be used as a divisor.
func degenerate(x float64) bool {
	return x == 0 || math.IsNaN(x) || math.IsInf(x, 0)
}

// ZeroDenominator returns a guard yielding 0 when the denominator computed
// from the inputs is zero or non-finite.
func ZeroDenominator(denominator func(Inputs) float64) Guard {
	return Guard{
		Name:  "zero denominator",
		When:  func(in Inputs) bool { return degenerate(denominator(in)) },
		Value: constant(0),
	}
}

// zeroField is ZeroDenominator over a single input field.
func zeroField(name string) Guard {
	g := ZeroDenominator(field(name))
	g.Name = "zero " + name
	return g
}
