// Package export builds the read-only named-value snapshot handed to
// document renderers. It never runs the engine: a report is built from a
// state the scenario model has already committed.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/stablejack/simulation-engine/internal/model"
	"github.com/stablejack/simulation-engine/internal/scenario"
)

// ValueScale is the number of decimal places kept in Entry.Value.
const ValueScale = 6

// Fields shown with four decimals; everything else uses two.
var precise = map[string]bool{
	model.AUSDPrice:              true,
	model.XAVAXPrice:             true,
	model.NewXAVAXPrice:          true,
	model.Leverage:               true,
	model.CollateralizationRatio: true,
}

// Entry is one labelled value.
type Entry struct {
	Field     string          `json:"field"`
	Label     string          `json:"label"`
	Value     decimal.Decimal `json:"value"`
	Formatted string          `json:"formatted"`
	Editable  bool            `json:"editable"`
}

// Report is the snapshot of one scenario.
type Report struct {
	ID          string    `json:"id"`
	Scenario    string    `json:"scenario"`
	Version     uint64    `json:"version"`
	Converged   bool      `json:"converged"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Build creates a report from a committed state, in field declaration order.
func Build(def *scenario.Definition, state scenario.State) Report {
	rep := Report{
		ID:          uuid.New().String(),
		Scenario:    def.Name,
		Version:     state.Version,
		Converged:   state.Converged,
		GeneratedAt: time.Now().UTC(),
	}

	for _, f := range state.Values.Fields() {
		value := decimal.NewFromFloat(state.Values.Get(f)).Round(ValueScale)
		places := int32(2)
		if precise[f] {
			places = 4
		}
		rep.Entries = append(rep.Entries, Entry{
			Field:     f,
			Label:     model.Label(f),
			Value:     value,
			Formatted: value.StringFixed(places),
			Editable:  def.Constraints.Editable(f),
		})
	}
	return rep
}

// Lookup returns the entry for field.
func (r Report) Lookup(field string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Field == field {
			return e, true
		}
	}
	return Entry{}, false
}

// WriteTable renders the report as a text table.
func (r Report) WriteTable(w io.Writer) error {
	status := "converged"
	if !r.Converged {
		status = "NOT CONVERGED"
	}
	fmt.Fprintf(w, "%s simulation (v%d, %s) %s\n", r.Scenario, r.Version, status, r.GeneratedAt.Format(time.RFC3339))

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value", "Input")

	for _, e := range r.Entries {
		input := ""
		if e.Editable {
			input = "yes"
		}
		if err := table.Append(e.Label, e.Formatted, input); err != nil {
			return fmt.Errorf("export: append %s: %w", e.Field, err)
		}
	}
	return table.Render()
}
