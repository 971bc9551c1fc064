// Package constraint validates user edits at the boundary, before they can
// reach a scenario's value vector.
//
// Each scenario carries a static table of editable fields with an optional
// minimum. Anything else a patch names is rejected: unknown fields, derived
// (read-only) fields, values that are not finite numbers, and values below
// the declared minimum.
package constraint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/stablejack/simulation-engine/internal/model"
)

var (
	ErrUnknownField = errors.New("constraint: unknown field")
	ErrReadOnly     = errors.New("constraint: field is computed and cannot be edited")
	ErrRequired     = errors.New("constraint: required field")
	ErrNotNumber    = errors.New("constraint: value must be a number")
	ErrBelowMinimum = errors.New("constraint: value below minimum")
)

// validate is shared by every table; validator.Validate is safe for
// concurrent use once configured.
var validate = validator.New()

// Constraint describes one editable field.
type Constraint struct {
	Field    string
	Min      float64
	HasMin   bool
	Required bool
}

// AtLeast returns a required constraint with a minimum.
func AtLeast(field string, min float64) Constraint {
	return Constraint{Field: field, Min: min, HasMin: true, Required: true}
}

// Unbounded returns a required constraint without a minimum.
func Unbounded(field string) Constraint {
	return Constraint{Field: field, Required: true}
}

// tag builds the validator tag for a parsed value.
func (c Constraint) tag() string {
	if !c.HasMin {
		return ""
	}
	return "gte=" + strconv.FormatFloat(c.Min, 'f', -1, 64)
}

// FieldError is a rejected edit of one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

func (e FieldError) Unwrap() error { return e.Err }

// Errors collects every field error of one patch.
type Errors []FieldError

func (es Errors) Error() string {
	parts := make([]string, len(es))
	for i, e := range es {
		parts[i] = e.Error()
	}
	return "constraint: invalid edit: " + strings.Join(parts, "; ")
}

// Is lets errors.Is match any contained field error.
func (es Errors) Is(target error) bool {
	for _, e := range es {
		if errors.Is(e.Err, target) {
			return true
		}
	}
	return false
}

// Table is the set of constraints for one scenario.
type Table struct {
	order    map[string]int
	editable map[string]Constraint
}

// NewTable builds a table over the scenario's declared fields. Fields
// without a constraint are treated as read-only.
func NewTable(declared []string, constraints ...Constraint) *Table {
	t := &Table{
		order:    make(map[string]int, len(declared)),
		editable: make(map[string]Constraint, len(constraints)),
	}
	for i, f := range declared {
		t.order[f] = i
	}
	for _, c := range constraints {
		if _, ok := t.order[c.Field]; !ok {
			panic(fmt.Sprintf("constraint: %s is not a declared field", c.Field))
		}
		t.editable[c.Field] = c
	}
	return t
}

// Editable reports whether field may be set by a user edit.
func (t *Table) Editable(field string) bool {
	_, ok := t.editable[field]
	return ok
}

// Constraint returns the constraint for an editable field.
func (t *Table) Constraint(field string) (Constraint, bool) {
	c, ok := t.editable[field]
	return c, ok
}

// Check parses and validates a raw patch. Values may be JSON numbers,
// numeric strings, or Go numeric types. Either every field passes and the
// parsed patch is returned, or Errors lists each failure.
func (t *Table) Check(raw map[string]any) (map[string]float64, error) {
	patch := make(map[string]float64, len(raw))
	var errs Errors

	for field, value := range raw {
		x, set, err := t.checkField(field, value)
		if err != nil {
			errs = append(errs, *err)
			continue
		}
		if set {
			patch[field] = x
		}
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool {
			oi, iok := t.order[errs[i].Field]
			oj, jok := t.order[errs[j].Field]
			if iok != jok {
				return iok
			}
			if oi != oj {
				return oi < oj
			}
			return errs[i].Field < errs[j].Field
		})
		return nil, errs
	}
	return patch, nil
}

func (t *Table) checkField(field string, value any) (float64, bool, *FieldError) {
	if _, declared := t.order[field]; !declared {
		return 0, false, &FieldError{Field: field, Message: "unknown field", Err: ErrUnknownField}
	}
	c, ok := t.editable[field]
	if !ok {
		return 0, false, &FieldError{Field: field, Message: model.Label(field) + " is computed and cannot be edited", Err: ErrReadOnly}
	}

	x, present, err := parseNumber(value)
	if err != nil {
		return 0, false, &FieldError{Field: field, Message: model.Label(field) + " must be a number", Err: ErrNotNumber}
	}
	if !present {
		if c.Required {
			return 0, false, &FieldError{Field: field, Message: "required field", Err: ErrRequired}
		}
		return 0, false, nil
	}

	if tag := c.tag(); tag != "" {
		if err := validate.Var(x, tag); err != nil {
			msg := "Value must be at least " + strconv.FormatFloat(c.Min, 'f', -1, 64)
			return 0, false, &FieldError{Field: field, Message: msg, Err: ErrBelowMinimum}
		}
	}
	return x, true, nil
}

// parseNumber converts a decoded JSON value to a finite float64. A nil value
// or blank string is reported as not present.
func parseNumber(value any) (float64, bool, error) {
	var x float64
	switch v := value.(type) {
	case nil:
		return 0, false, nil
	case float64:
		x = v
	case float32:
		x = float64(v)
	case int:
		x = float64(v)
	case int64:
		x = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, true, err
		}
		x = f
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, true, err
		}
		x = f
	default:
		return 0, true, fmt.Errorf("unsupported type %T", value)
	}

	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, true, ErrNotNumber
	}
	return x, true, nil
}
