// Package reconciler converges local position state with the venue. The
// venue is the single source of truth for position existence: a position it
// no longer reports was closed out there (TP or SL fill, liquidation, manual
// close) and must be closed locally with best-effort realized P&L.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/locks"
	"github.com/web3guy0/signalbot/internal/trade"
)

// Venue is the slice of the exchange client the reconciler drives.
type Venue interface {
	Positions(ctx context.Context, subAccountID string) ([]exchange.VenuePosition, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
}

// Marks supplies a streamed mark price used when a position vanished between
// polls and the REST snapshot no longer carries it.
type Marks interface {
	Mark(symbol string) (decimal.Decimal, bool)
}

type Reconciler struct {
	db       *database.Database
	venue    Venue
	marks    Marks
	bus      *events.Bus
	locks    *locks.Keyed
	interval time.Duration
}

func New(db *database.Database, venue Venue, marks Marks, bus *events.Bus, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		db:       db,
		venue:    venue,
		marks:    marks,
		bus:      bus,
		locks:    locks.NewKeyed(),
		interval: interval,
	}
}

// Run executes the periodic loop until the context is cancelled. One pass
// runs immediately on start so restarts converge without waiting a tick.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("Reconciler started")

	r.Pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass reconciles every open position, grouped by sub-account so one venue
// snapshot serves all positions in that account. After a pass every
// non-terminal position is either represented on the venue or closed.
func (r *Reconciler) Pass(ctx context.Context) {
	positions, err := r.db.OpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Reconciler could not load open positions")
		return
	}
	if len(positions) == 0 {
		return
	}

	bySub := make(map[string][]database.Position)
	for _, p := range positions {
		bySub[p.SubAccountID] = append(bySub[p.SubAccountID], p)
	}

	for subID, ps := range bySub {
		r.reconcileSubAccount(ctx, subID, ps)
	}
}

// Reconcile converges a single position on demand, taking the same
// per-sub-account lock as the periodic pass.
func (r *Reconciler) Reconcile(ctx context.Context, positionID string) error {
	pos, err := r.db.GetPosition(positionID)
	if err != nil {
		return err
	}
	if pos.Status.Terminal() {
		return nil
	}
	r.reconcileSubAccount(ctx, pos.SubAccountID, []database.Position{*pos})
	return nil
}

func (r *Reconciler) reconcileSubAccount(ctx context.Context, subID string, positions []database.Position) {
	unlock := r.locks.Lock(subID)
	defer unlock()

	sub, err := r.db.GetSubAccount(subID)
	if err != nil {
		log.Error().Err(err).Str("sub_account", subID).Msg("Reconciler could not load sub-account")
		return
	}

	venuePositions, err := r.venue.Positions(ctx, sub.VenueSubAccountID)
	if err != nil {
		log.Error().Err(err).Str("sub_account", subID).Msg("Venue position fetch failed, skipping pass")
		return
	}

	bySymbol := make(map[string]exchange.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		bySymbol[vp.Symbol] = vp
	}

	for i := range positions {
		pos := positions[i]
		vp, present := bySymbol[pos.VenueSymbol]
		if !present {
			r.closeExternally(&pos)
			continue
		}
		r.patch(&pos, vp)
	}
}

// closeExternally records a close the venue performed without us. Exit price
// is best effort: the streamed mark price when fresh, the last locally known
// price otherwise.
func (r *Reconciler) closeExternally(pos *database.Position) {
	exitPrice := pos.CurrentPrice
	if r.marks != nil {
		if mark, ok := r.marks.Mark(pos.VenueSymbol); ok {
			exitPrice = mark
		}
	}
	if exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}

	realized := pos.RealizedPnl.Add(pnl(pos.Side, pos.EntryPrice, exitPrice, pos.Quantity))

	if err := r.db.ClosePosition(pos.ID, exitPrice, realized); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Failed to close reconciled position")
		return
	}

	r.bus.Publish(events.TopicPositionClosed, pos.ID)
	log.Warn().
		Str("position", pos.ID).
		Str("symbol", pos.VenueSymbol).
		Str("exit", exitPrice.String()).
		Str("realized_pnl", realized.StringFixed(4)).
		Msg("Position no longer on venue, closed locally")
}

// patch refreshes a position that is still live on the venue. A venue size
// below the local quantity means take-profit legs filled: the delta is
// realized and the position moves to PARTIALLY_CLOSED.
func (r *Reconciler) patch(pos *database.Position, vp exchange.VenuePosition) {
	venueQty := vp.Size.Abs()

	pos.CurrentPrice = vp.MarkPrice
	pos.UnrealizedPnl = vp.UnrealizedPnl
	if vp.Leverage > 0 {
		pos.Leverage = vp.Leverage
	}

	if venueQty.LessThan(pos.Quantity) {
		delta := pos.Quantity.Sub(venueQty)
		pos.RealizedPnl = pos.RealizedPnl.Add(pnl(pos.Side, pos.EntryPrice, vp.MarkPrice, delta))
		pos.Status = trade.PositionPartiallyClosed
		log.Info().
			Str("position", pos.ID).
			Str("filled", delta.String()).
			Str("remaining", venueQty.String()).
			Msg("Partial close detected")
	}
	pos.Quantity = venueQty

	if err := r.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Failed to patch position")
		return
	}
	r.bus.Publish(events.TopicPositionUpdated, pos.ID)
}

// CloseManual closes a position by operator request: cancel its resting
// legs, market-close the remainder reduce-only, then close locally at the
// executed price.
func (r *Reconciler) CloseManual(ctx context.Context, positionID string) error {
	pos, err := r.db.GetPosition(positionID)
	if err != nil {
		return err
	}
	if pos.Status.Terminal() {
		return nil
	}

	unlock := r.locks.Lock(pos.SubAccountID)
	defer unlock()

	orders, err := r.db.OrdersForPosition(pos.ID)
	if err == nil {
		for _, o := range orders {
			if o.Kind == trade.KindEntry {
				continue
			}
			if err := r.venue.CancelOrder(ctx, pos.VenueSymbol, o.VenueOrderID); err != nil {
				log.Warn().Err(err).Str("order", o.VenueOrderID).Msg("Cancel failed during manual close")
			}
		}
	}

	exitPrice := pos.CurrentPrice
	if pos.Quantity.GreaterThan(decimal.Zero) {
		ack, err := r.venue.PlaceOrder(ctx, exchange.OrderSpec{
			VenueSymbol:    pos.VenueSymbol,
			Side:           pos.Side.Opposite(),
			PositionSide:   positionSideOf(pos.Side),
			Type:           exchange.Market,
			Quantity:       pos.Quantity,
			ReduceOnly:     true,
			ClientOrderTag: "close_" + pos.ID,
		})
		if err != nil {
			return err
		}
		if !ack.ExecutedPrice.IsZero() {
			exitPrice = ack.ExecutedPrice
		}
	}
	if exitPrice.IsZero() {
		exitPrice = pos.EntryPrice
	}

	realized := pos.RealizedPnl.Add(pnl(pos.Side, pos.EntryPrice, exitPrice, pos.Quantity))
	if err := r.db.ClosePosition(pos.ID, exitPrice, realized); err != nil {
		return err
	}

	r.bus.Publish(events.TopicPositionClosed, pos.ID)
	log.Info().Str("position", pos.ID).Str("exit", exitPrice.String()).Msg("Position closed manually")
	return nil
}

// pnl computes realized profit for a quantity closed at exitPrice.
func pnl(side trade.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == trade.Sell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

func positionSideOf(side trade.Side) string {
	if side == trade.Sell {
		return string(trade.Short)
	}
	return string(trade.Long)
}
