// Package model defines the core domain types shared across the simulator:
// field names, their display labels, and the ordered value vector that holds
// one scenario's state.
package model

// Protocol fields, in declaration order.
const (
	AvaxPrice              = "avaxPrice"
	DepositedAvax          = "depositedAvax"
	TotalValOfAvax         = "totalValOfAvax"
	AUSDMarketCap          = "aUSDmarketCap"
	AUSDInCirculation      = "aUSDinCirculation"
	AUSDPrice              = "aUSDPrice"
	XAVAXMarketCap         = "xAVAXMarketCap"
	XAVAXInCirculation     = "xAVAXinCirculation"
	XAVAXPrice             = "xAVAXPrice"
	Leverage               = "leverage"
	CollateralizationRatio = "collateralizationRatio"
)

// Trading position fields, appended after the protocol fields.
const (
	UserDepositedAvax    = "amountOfAVAXDepositedbytheUser"
	XAVAXMinted          = "xAVAXMinted"
	PositionValue        = "valueOfthexAVAXPositionoftheUser"
	AvaxPriceChange      = "changeinAVAXPrice"
	NewXAVAXPrice        = "newxAVAXPrice"
	NewPositionValue     = "newValueofthexAVAXPositionoftheUser"
	UserAvaxHoldings     = "amountOfAVAXUserHave"
	DollarValueChangePct = "increaseDecreaseinDollarValue"
	AvaxValueChangePct   = "increaseDecreaseinAvaxValue"
)

// ProtocolFields lists the protocol scenario fields in declaration order.
var ProtocolFields = []string{
	AvaxPrice,
	DepositedAvax,
	TotalValOfAvax,
	AUSDMarketCap,
	AUSDInCirculation,
	AUSDPrice,
	XAVAXMarketCap,
	XAVAXInCirculation,
	XAVAXPrice,
	Leverage,
	CollateralizationRatio,
}

// TradingFields lists the trading scenario fields: every protocol field
// followed by the position-tracking fields.
var TradingFields = append(append([]string{}, ProtocolFields...),
	UserDepositedAvax,
	XAVAXMinted,
	PositionValue,
	AvaxPriceChange,
	NewXAVAXPrice,
	NewPositionValue,
	UserAvaxHoldings,
	DollarValueChangePct,
	AvaxValueChangePct,
)

var labels = map[string]string{
	AvaxPrice:              "Avax Price($)",
	DepositedAvax:          "Amount of AVAX Deposited into the Protocol",
	TotalValOfAvax:         "Total Value of AVAX Collateral of the Protocol($)",
	AUSDMarketCap:          "aUSD Market Cap($)",
	AUSDInCirculation:      "Amount of aUSD in circulation($)",
	AUSDPrice:              "aUSD Price($)",
	XAVAXMarketCap:         "xAVAX Market Cap($)",
	XAVAXInCirculation:     "Number of xAVAX in circulation",
	XAVAXPrice:             "xAVAX Price($)",
	Leverage:               "Leverage",
	CollateralizationRatio: "Collateralization Ratio",
	UserDepositedAvax:      "Amount of AVAX Deposited by the User",
	XAVAXMinted:            "xAVAX Minted",
	PositionValue:          "Value of the xAVAX Position of the User",
	AvaxPriceChange:        "Change in AVAX Price",
	NewXAVAXPrice:          "New xAVAX Price",
	NewPositionValue:       "New Value of the xAVAX Position of the User",
	UserAvaxHoldings:       "Amount of AVAX User Have",
	DollarValueChangePct:   "Increase/Decrease in Dollar Value",
	AvaxValueChangePct:     "Increase/Decrease in AVAX Value",
}

// Label returns the human-readable label of a field, or the field name
// itself when no label is registered.
func Label(field string) string {
	if l, ok := labels[field]; ok {
		return l
	}
	return field
}
