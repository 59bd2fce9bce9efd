// Package risk computes order quantity and the take-profit split for one
// accepted signal. Sizing is a pure function over the signal, the channel
// policy, a fresh balance snapshot and the venue's symbol constraints.
//
// Formula: qty = (availableBalance * riskPct) / |entry - stop|, capped by
// maxPositionPercent of equity at the configured leverage, floored to the
// venue step size.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/trade"
)

var hundred = decimal.NewFromInt(100)

// Inputs is everything sizing depends on.
type Inputs struct {
	Direction        trade.Direction
	EntryPrice       decimal.Decimal
	StopLoss         decimal.Decimal
	TPLevels         []decimal.Decimal
	TPDistribution   []decimal.Decimal // percentages, same length as TPLevels after Normalize
	Leverage         int
	AvailableBalance decimal.Decimal
	RiskPercent      decimal.Decimal
	MaxPositionPct   decimal.Decimal
	Info             exchange.SymbolInfo
	SanityDisabled   bool // emergency override: skip direction sanity, never sizing
}

// TPLeg is one sized take-profit leg.
type TPLeg struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Sizing is the computed order plan. Residual is the run-off portion of the
// entry quantity not assigned to any TP leg; it closes only via SL or manual
// action.
type Sizing struct {
	Quantity decimal.Decimal
	Legs     []TPLeg
	Residual decimal.Decimal
}

// Compute sizes one signal. Failures carry the validation kinds the executor
// persists as signal failure reasons.
func Compute(in Inputs) (*Sizing, error) {
	if !in.SanityDisabled {
		if err := checkDirection(in); err != nil {
			return nil, err
		}
	}

	riskPerUnit := in.EntryPrice.Sub(in.StopLoss).Abs()
	if riskPerUnit.IsZero() {
		return nil, trade.E(trade.ErrIncoherentSignal, "stop equals entry")
	}

	riskAmount := in.AvailableBalance.Mul(in.RiskPercent).Div(hundred)
	qty := riskAmount.Div(riskPerUnit)

	// Cap by the channel's share of equity at the stated leverage.
	leverage := decimal.NewFromInt(int64(in.Leverage))
	if leverage.LessThan(decimal.NewFromInt(1)) {
		leverage = decimal.NewFromInt(1)
	}
	maxQty := in.AvailableBalance.Mul(in.MaxPositionPct).Div(hundred).Mul(leverage).Div(in.EntryPrice)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}

	qty = exchange.FloorToStep(qty, in.Info.StepSize)
	if !in.Info.MaxQty.IsZero() && qty.GreaterThan(in.Info.MaxQty) {
		qty = exchange.FloorToStep(in.Info.MaxQty, in.Info.StepSize)
	}

	if qty.Mul(in.EntryPrice).LessThan(in.Info.MinNotional) {
		return nil, trade.E(trade.ErrBelowNotional,
			"sized notional %s below venue minimum %s", qty.Mul(in.EntryPrice), in.Info.MinNotional)
	}

	legs, residual := splitTPs(qty, in.TPLevels, in.TPDistribution, in.Info)

	return &Sizing{Quantity: qty, Legs: legs, Residual: residual}, nil
}

// checkDirection rejects signals whose stop or targets sit on the wrong side
// of the entry.
func checkDirection(in Inputs) error {
	switch in.Direction {
	case trade.Long:
		if in.StopLoss.GreaterThanOrEqual(in.EntryPrice) {
			return trade.E(trade.ErrIncoherentSignal, "LONG stop %s not below entry %s", in.StopLoss, in.EntryPrice)
		}
		for _, tp := range in.TPLevels {
			if tp.LessThanOrEqual(in.EntryPrice) {
				return trade.E(trade.ErrIncoherentSignal, "LONG target %s not above entry %s", tp, in.EntryPrice)
			}
		}
	case trade.Short:
		if in.StopLoss.LessThanOrEqual(in.EntryPrice) {
			return trade.E(trade.ErrIncoherentSignal, "SHORT stop %s not above entry %s", in.StopLoss, in.EntryPrice)
		}
		for _, tp := range in.TPLevels {
			if tp.GreaterThanOrEqual(in.EntryPrice) {
				return trade.E(trade.ErrIncoherentSignal, "SHORT target %s not below entry %s", tp, in.EntryPrice)
			}
		}
	default:
		return trade.E(trade.ErrIncoherentSignal, "unknown direction %q", in.Direction)
	}
	return nil
}

// splitTPs distributes qty across the ladder. Per-leg quantity is floored to
// the step size; a leg that falls below the venue's minimum notional first
// borrows from the unassigned remainder, then is folded into the previous
// feasible leg, and dropped as a last resort. The invariant is sum(legs) <=
// qty and every emitted leg clears the minimum notional.
func splitTPs(qty decimal.Decimal, levels, dist []decimal.Decimal, info exchange.SymbolInfo) ([]TPLeg, decimal.Decimal) {
	n := len(levels)
	if n == 0 {
		return nil, qty
	}
	if len(dist) != n {
		// Distribution mismatch: fall back to an even split.
		dist = make([]decimal.Decimal, n)
		even := hundred.Div(decimal.NewFromInt(int64(n)))
		for i := range dist {
			dist[i] = even
		}
	}

	legs := make([]TPLeg, 0, n)
	assigned := decimal.Zero

	for i := 0; i < n; i++ {
		want := exchange.FloorToStep(qty.Mul(dist[i]).Div(hundred), info.StepSize)
		remaining := qty.Sub(assigned)
		if want.GreaterThan(remaining) {
			want = exchange.FloorToStep(remaining, info.StepSize)
		}
		if want.IsZero() {
			continue
		}

		notional := want.Mul(levels[i])
		if notional.LessThan(info.MinNotional) {
			// Raise the leg to the minimum, borrowing from the remainder.
			needed := exchange.CeilToStep(info.MinNotional.Div(levels[i]), info.StepSize)
			if needed.LessThanOrEqual(remaining) {
				want = needed
			} else if len(legs) > 0 {
				// Fold what is left of this leg into the previous one.
				legs[len(legs)-1].Quantity = legs[len(legs)-1].Quantity.Add(want)
				assigned = assigned.Add(want)
				continue
			} else {
				// No feasible leg to coalesce into: drop it.
				continue
			}
		}

		legs = append(legs, TPLeg{Price: levels[i], Quantity: want})
		assigned = assigned.Add(want)
	}

	return legs, qty.Sub(assigned)
}
