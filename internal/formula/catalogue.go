package formula

import "github.com/stablejack/simulation-engine/internal/model"

const (
	// OvercollateralizedRatio is the collateralization ratio above which the
	// aUSD market cap tracks the full collateral value.
	OvercollateralizedRatio = 100

	// percent converts a percentage input to a fraction.
	percent = 0.01
)

// ProtocolRules returns the protocol rule table in evaluation order.
//
// aUSDmarketCap reads collateralizationRatio, which is written last, so a
// change in circulation or collateral takes a second pass to settle.
func ProtocolRules() []Rule {
	return []Rule{
		{
			Writes: model.TotalValOfAvax,
			Reads:  []string{model.AvaxPrice, model.DepositedAvax},
			Compute: func(in Inputs) float64 {
				return in.Get(model.AvaxPrice) * in.Get(model.DepositedAvax)
			},
		},
		{
			Writes: model.AUSDMarketCap,
			Reads:  []string{model.CollateralizationRatio, model.TotalValOfAvax, model.AUSDInCirculation},
			Guards: []Guard{{
				Name:  "overcollateralized",
				When:  func(in Inputs) bool { return in.Get(model.CollateralizationRatio) > OvercollateralizedRatio },
				Value: field(model.TotalValOfAvax),
			}},
			Compute: field(model.AUSDInCirculation),
		},
		{
			// The fallback divides by circulation rather than the market cap
			// it compares against. Kept as-is.
			Writes: model.AUSDPrice,
			Reads:  []string{model.TotalValOfAvax, model.AUSDMarketCap, model.AUSDInCirculation},
			Guards: []Guard{
				zeroField(model.AUSDInCirculation),
				{
					Name:  "pegged",
					When:  func(in Inputs) bool { return in.Get(model.TotalValOfAvax) > in.Get(model.AUSDMarketCap) },
					Value: constant(1),
				},
			},
			Compute: func(in Inputs) float64 {
				return in.Get(model.TotalValOfAvax) / in.Get(model.AUSDInCirculation)
			},
		},
		{
			Writes: model.XAVAXMarketCap,
			Reads:  []string{model.TotalValOfAvax, model.AUSDInCirculation, model.AUSDMarketCap},
			Guards: []Guard{{
				Name: "undercollateralized",
				When: func(in Inputs) bool {
					return !(in.Get(model.TotalValOfAvax)-in.Get(model.AUSDInCirculation) > 0)
				},
				Value: constant(0),
			}},
			Compute: func(in Inputs) float64 {
				return in.Get(model.TotalValOfAvax) - in.Get(model.AUSDMarketCap)
			},
		},
		{
			Writes: model.XAVAXPrice,
			Reads:  []string{model.TotalValOfAvax, model.AUSDMarketCap, model.XAVAXMarketCap, model.XAVAXInCirculation},
			Guards: []Guard{
				zeroField(model.XAVAXInCirculation),
				{
					Name:  "insolvent",
					When:  func(in Inputs) bool { return !(in.Get(model.TotalValOfAvax) >= in.Get(model.AUSDMarketCap)) },
					Value: constant(0),
				},
			},
			Compute: func(in Inputs) float64 {
				return in.Get(model.XAVAXMarketCap) / in.Get(model.XAVAXInCirculation)
			},
		},
		{
			Writes: model.Leverage,
			Reads:  []string{model.XAVAXMarketCap, model.AUSDMarketCap},
			Guards: []Guard{
				{
					Name:  "no xAVAX equity",
					When:  func(in Inputs) bool { return in.Get(model.XAVAXMarketCap) <= 0 },
					Value: constant(0),
				},
				zeroField(model.XAVAXMarketCap),
			},
			Compute: func(in Inputs) float64 {
				xcap := in.Get(model.XAVAXMarketCap)
				return (in.Get(model.AUSDMarketCap) + xcap) / xcap
			},
		},
		{
			Writes: model.CollateralizationRatio,
			Reads:  []string{model.TotalValOfAvax, model.AUSDInCirculation},
			Guards: []Guard{zeroField(model.AUSDInCirculation)},
			Compute: func(in Inputs) float64 {
				return in.Get(model.TotalValOfAvax) / in.Get(model.AUSDInCirculation)
			},
		},
	}
}

// PositionRules returns the trading extension: a leveraged xAVAX position
// marked against a hypothetical AVAX price move. Every rule only reads
// fields that are final once the protocol stage has settled or that are
// written earlier in this stage.
func PositionRules() []Rule {
	movedAvaxPrice := func(in Inputs) float64 {
		p := in.Get(model.AvaxPrice)
		return p + p*in.Get(model.AvaxPriceChange)*percent
	}

	return []Rule{
		{
			Writes: model.XAVAXMinted,
			Reads:  []string{model.UserDepositedAvax, model.AvaxPrice, model.XAVAXPrice},
			Guards: []Guard{zeroField(model.XAVAXPrice)},
			Compute: func(in Inputs) float64 {
				return in.Get(model.UserDepositedAvax) * in.Get(model.AvaxPrice) / in.Get(model.XAVAXPrice)
			},
		},
		{
			Writes: model.PositionValue,
			Reads:  []string{model.XAVAXMinted, model.XAVAXPrice},
			Compute: func(in Inputs) float64 {
				return in.Get(model.XAVAXMinted) * in.Get(model.XAVAXPrice)
			},
		},
		{
			Writes: model.NewXAVAXPrice,
			Reads:  []string{model.TotalValOfAvax, model.AvaxPriceChange, model.AUSDMarketCap, model.XAVAXInCirculation},
			Guards: []Guard{zeroField(model.XAVAXInCirculation)},
			Compute: func(in Inputs) float64 {
				tv := in.Get(model.TotalValOfAvax)
				moved := tv + tv*in.Get(model.AvaxPriceChange)*percent
				return (moved - in.Get(model.AUSDMarketCap)) / in.Get(model.XAVAXInCirculation)
			},
		},
		{
			Writes: model.NewPositionValue,
			Reads:  []string{model.NewXAVAXPrice, model.XAVAXMinted},
			Compute: func(in Inputs) float64 {
				return in.Get(model.NewXAVAXPrice) * in.Get(model.XAVAXMinted)
			},
		},
		{
			Writes: model.UserAvaxHoldings,
			Reads:  []string{model.NewPositionValue, model.AvaxPrice, model.AvaxPriceChange},
			Guards: []Guard{ZeroDenominator(movedAvaxPrice)},
			Compute: func(in Inputs) float64 {
				return in.Get(model.NewPositionValue) / movedAvaxPrice(in)
			},
		},
		{
			Writes: model.DollarValueChangePct,
			Reads:  []string{model.NewPositionValue, model.PositionValue},
			Guards: []Guard{zeroField(model.PositionValue)},
			Compute: func(in Inputs) float64 {
				old := in.Get(model.PositionValue)
				return (in.Get(model.NewPositionValue) - old) / old * 100
			},
		},
		{
			Writes: model.AvaxValueChangePct,
			Reads:  []string{model.UserAvaxHoldings, model.UserDepositedAvax},
			Guards: []Guard{zeroField(model.UserDepositedAvax)},
			Compute: func(in Inputs) float64 {
				deposited := in.Get(model.UserDepositedAvax)
				return (in.Get(model.UserAvaxHoldings) - deposited) / deposited * 100
			},
		},
	}
}

var (
	protocolGraph = MustGraph("protocol", model.ProtocolFields, ProtocolRules())
	tradingGraph  = MustGraph("trading", model.TradingFields, ProtocolRules(), PositionRules())
)

// Protocol returns the protocol scenario graph.
func Protocol() *Graph { return protocolGraph }

// Trading returns the trading scenario graph: the protocol stage followed by
// the position stage.
func Trading() *Graph { return tradingGraph }
