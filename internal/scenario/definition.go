// Package scenario binds a formula graph, its default values and its edit
// constraints into a named scenario, and provides the live Model that owns
// one scenario's value vector.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stablejack/simulation-engine/internal/constraint"
	"github.com/stablejack/simulation-engine/internal/formula"
	"github.com/stablejack/simulation-engine/internal/model"
)

var ErrUnknownScenario = errors.New("scenario: unknown scenario")

// Definition is a static, shareable scenario description.
type Definition struct {
	// Name is the short scenario name ("protocol", "trading").
	Name string
	// Key addresses the scenario's snapshot in a store or share link.
	Key string

	Graph       *formula.Graph
	Constraints *constraint.Table

	defaults *model.Vector
}

// Defaults returns a copy of the scenario's default vector.
func (d *Definition) Defaults() *model.Vector {
	return d.defaults.Snapshot()
}

var protocolDefaults = map[string]float64{
	model.AvaxPrice:              30,
	model.DepositedAvax:          90000,
	model.TotalValOfAvax:         2700000,
	model.AUSDMarketCap:          2000000,
	model.AUSDInCirculation:      2000000,
	model.AUSDPrice:              1,
	model.XAVAXMarketCap:         700000,
	model.XAVAXInCirculation:     575802,
	model.XAVAXPrice:             1.22,
	model.Leverage:               3.86,
	model.CollateralizationRatio: 135,
}

var positionDefaults = map[string]float64{
	model.UserDepositedAvax:    100,
	model.XAVAXMinted:          2467.722857,
	model.PositionValue:        3000,
	model.AvaxPriceChange:      10,
	model.NewXAVAXPrice:        1.68,
	model.NewPositionValue:     4157.14,
	model.UserAvaxHoldings:     125.97,
	model.DollarValueChangePct: 38.57,
	model.AvaxValueChangePct:   25.97,
}

var (
	protocol = &Definition{
		Name:  "protocol",
		Key:   "protocol-simulation",
		Graph: formula.Protocol(),
		Constraints: constraint.NewTable(model.ProtocolFields,
			constraint.AtLeast(model.AvaxPrice, 1),
			constraint.AtLeast(model.DepositedAvax, 1),
			constraint.AtLeast(model.AUSDInCirculation, 1),
			constraint.AtLeast(model.XAVAXInCirculation, 1),
		),
		defaults: model.VectorOf(model.ProtocolFields, protocolDefaults),
	}

	trading = &Definition{
		Name:  "trading",
		Key:   "trading-simulation",
		Graph: formula.Trading(),
		Constraints: constraint.NewTable(model.TradingFields,
			constraint.AtLeast(model.AvaxPrice, 0.00001),
			constraint.AtLeast(model.DepositedAvax, 1),
			constraint.AtLeast(model.AUSDInCirculation, 1),
			constraint.AtLeast(model.XAVAXInCirculation, 0.00001),
			constraint.AtLeast(model.UserDepositedAvax, 0),
			constraint.Unbounded(model.AvaxPriceChange),
		),
		defaults: tradingDefaults(),
	}
)

func tradingDefaults() *model.Vector {
	v := model.VectorOf(model.TradingFields, protocolDefaults)
	for f, x := range positionDefaults {
		v.Set(f, x)
	}
	return v
}

// Protocol returns the protocol scenario.
func Protocol() *Definition { return protocol }

// Trading returns the leveraged-position scenario.
func Trading() *Definition { return trading }

// All returns every scenario in display order.
func All() []*Definition { return []*Definition{protocol, trading} }

// Lookup finds a scenario by name or persistence key, case-insensitively.
func Lookup(name string) (*Definition, error) {
	for _, d := range All() {
		if strings.EqualFold(name, d.Name) || strings.EqualFold(name, d.Key) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
}
