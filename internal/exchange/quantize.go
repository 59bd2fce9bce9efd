package exchange

import "github.com/shopspring/decimal"

// FloorToStep floors qty down to an exact multiple of step. A zero step
// returns qty unchanged.
func FloorToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// CeilToStep rounds qty up to the next multiple of step. Used when a TP leg
// must be raised to clear the venue's minimum notional.
func CeilToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}

// FloorToTick floors price down to an exact multiple of the tick size.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	return FloorToStep(price, tick)
}
