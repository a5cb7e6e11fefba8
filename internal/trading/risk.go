package trading

import (
	"sierrachart-bridge/internal/model"
	"sierrachart-bridge/internal/service"
)

// RiskResult is the outcome of a pre-trade check. Reason is set when Valid
// is false.
type RiskResult struct {
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason,omitempty"`
	RequiredMargin float64 `json:"requiredMargin"`
	PositionValue  float64 `json:"positionValue"`
}

const (
	reasonNoAccount      = "account information not available"
	reasonBuyingPower    = "insufficient buying power"
	reasonPositionTooBig = "position size exceeds limit"
)

// evaluateRisk estimates margin as quantity x price x marginRate, where the
// price falls back to the stop price and then to the reference price, and
// caps the notional at maxPositionFraction of the balance.
func evaluateRisk(p OrderParams, acct *model.TradeAccount, cfg service.TradingConfig) RiskResult {
	if acct == nil {
		return RiskResult{Reason: reasonNoAccount}
	}

	marginPrice := firstPositive(p.Price, p.StopPrice, cfg.ReferencePrice)
	notionalPrice := firstPositive(p.Price, cfg.ReferencePrice)
	r := RiskResult{
		RequiredMargin: p.Quantity * marginPrice * cfg.MarginRate,
		PositionValue:  p.Quantity * notionalPrice,
	}

	switch {
	case r.RequiredMargin > acct.AvailableFunds:
		r.Reason = reasonBuyingPower
	case r.PositionValue > acct.Balance*cfg.MaxPositionFraction:
		r.Reason = reasonPositionTooBig
	default:
		r.Valid = true
	}
	return r
}

func firstPositive(vs ...float64) float64 {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}
