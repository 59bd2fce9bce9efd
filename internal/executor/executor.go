// Package executor turns one accepted entry signal into the multi-leg order
// sequence on the venue and records the resulting position.
//
// Orchestration is an explicit state machine:
//
//	INIT → SIZED → LEVERAGE_SET → ENTRY_PLACED → RISK_LEGS_PLACED → RECORDED → DONE
//
// with failure branches into COMPENSATING → FAILED. Once the entry order is
// on the venue the execution is uncancellable; anything that goes wrong
// afterwards is undone through compensation (cancel placed legs, market-close
// the remainder) or escalated to the reconciler.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/exchange"
	"github.com/web3guy0/signalbot/internal/locks"
	"github.com/web3guy0/signalbot/internal/risk"
	"github.com/web3guy0/signalbot/internal/trade"
)

// state names the steps of one execution, for logging and failure context.
type state string

const (
	stateInit           state = "INIT"
	stateSized          state = "SIZED"
	stateLeverageSet    state = "LEVERAGE_SET"
	stateEntryPlaced    state = "ENTRY_PLACED"
	stateRiskLegsPlaced state = "RISK_LEGS_PLACED"
	stateRecorded       state = "RECORDED"
	stateCompensating   state = "COMPENSATING"
)

// compensationTimeout bounds the detached cancel-and-close sequence that
// undoes a partial execution.
const compensationTimeout = 30 * time.Second

// Venue is the slice of the exchange client the executor drives.
type Venue interface {
	SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	AccountInfo(ctx context.Context, subAccountID string) (*exchange.AccountInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int, positionSide, subAccountID string) error
	PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Config is the execution policy.
type Config struct {
	MaxLeverage            int
	MaxPositionPercent     decimal.Decimal // global cap, overrides wider channel settings
	DefaultRiskPercent     decimal.Decimal
	PriceDriftWarnPct      decimal.Decimal
	RiskManagementDisabled bool
}

type Executor struct {
	db    *database.Database
	venue Venue
	bus   *events.Bus
	locks *locks.Keyed
	cfg   Config
}

func New(db *database.Database, venue Venue, bus *events.Bus, cfg Config) *Executor {
	return &Executor{
		db:    db,
		venue: venue,
		bus:   bus,
		locks: locks.NewKeyed(),
		cfg:   cfg,
	}
}

// Execute runs the full order sequence for one signal. Executions are
// serialized per channel so two signals never race the same sub-account
// balance; across channels they run in parallel.
func (e *Executor) Execute(ctx context.Context, signalID string) error {
	sig, err := e.db.GetSignal(signalID)
	if err != nil {
		return fmt.Errorf("load signal %s: %w", signalID, err)
	}

	unlock := e.locks.Lock(sig.ChannelID)
	defer unlock()

	// Re-read under the lock: an ignore may have landed while we waited.
	sig, err = e.db.GetSignal(signalID)
	if err != nil {
		return err
	}
	if sig.Status.Terminal() {
		log.Info().Str("signal", sig.ID).Str("status", string(sig.Status)).Msg("Signal already terminal, skipping execution")
		return nil
	}
	if sig.Type != trade.TypeEntry || !sig.Valid() {
		return e.fail(sig, trade.E(trade.ErrIncoherentSignal, "signal is not an executable entry"))
	}

	ch, err := e.db.GetChannel(sig.ChannelID)
	if err != nil {
		return e.fail(sig, fmt.Errorf("load channel: %w", err))
	}
	sub, err := e.db.GetSubAccount(ch.SubAccountID)
	if err != nil {
		return e.fail(sig, fmt.Errorf("load sub-account: %w", err))
	}

	if e.cfg.RiskManagementDisabled {
		log.Warn().Str("signal", sig.ID).Str("channel", ch.ID).Bool("risk_disabled", true).
			Msg("RISK MANAGEMENT DISABLED — executing without sanity checks")
	}

	run := &execution{sig: sig, ch: ch, sub: sub, state: stateInit}
	return e.run(ctx, run)
}

// execution carries the per-signal state across the machine's steps.
type execution struct {
	sig   *database.Signal
	ch    *database.Channel
	sub   *database.SubAccount
	state state

	symbol   string
	leverage int // signal leverage clamped to the hard cap; used everywhere
	sizing   *risk.Sizing
	info     exchange.SymbolInfo

	entryAck    *exchange.OrderAck
	embeddedTP  bool
	embeddedSL  bool
	placedLegs  []placedLeg // standalone legs placed after entry
	firstTPIdx  int
}

type placedLeg struct {
	ack  *exchange.OrderAck
	kind trade.OrderKind
	tag  string // the client tag we sent; the ack's echo is not trusted
	leg  risk.TPLeg
}

func (e *Executor) run(ctx context.Context, x *execution) error {
	// The hard leverage cap applies before anything leverage-dependent:
	// sizing must never assume more leverage than will be set on the venue.
	x.leverage = x.sig.Leverage
	if x.leverage < 1 {
		x.leverage = 1
	}
	if x.leverage > e.cfg.MaxLeverage {
		log.Warn().Str("signal", x.sig.ID).Int("signalled", x.sig.Leverage).Int("capped", e.cfg.MaxLeverage).
			Msg("Signal leverage above hard cap, clamped")
		x.leverage = e.cfg.MaxLeverage
	}

	// SIZE
	if err := e.size(ctx, x); err != nil {
		return e.fail(x.sig, err)
	}
	x.state = stateSized

	// LEVERAGE — venue may cap silently, failure is non-fatal.
	if err := e.venue.SetLeverage(ctx, x.symbol, x.leverage, string(x.sig.Direction), x.sub.VenueSubAccountID); err != nil {
		log.Warn().Err(err).Str("signal", x.sig.ID).Int("leverage", x.leverage).
			Msg("setLeverage failed, venue will use its own cap")
	}
	x.state = stateLeverageSet

	// ENTRY
	if err := e.placeEntry(ctx, x); err != nil {
		return e.fail(x.sig, err)
	}
	x.state = stateEntryPlaced

	// RISK LEGS — from here on failure triggers compensation.
	if err := e.placeRiskLegs(ctx, x); err != nil {
		return e.compensate(x, err)
	}
	x.state = stateRiskLegsPlaced

	// RECORD
	pos, err := e.record(x)
	if err != nil {
		return e.compensate(x, err)
	}
	x.state = stateRecorded

	if _, err := e.db.UpdateSignalStatus(x.sig.ID, trade.SignalExecuted, ""); err != nil {
		log.Error().Err(err).Str("signal", x.sig.ID).Msg("Failed to mark signal executed")
	}
	e.bus.Publish(events.TopicSignalExecuted, x.sig.ID)
	e.bus.Publish(events.TopicPositionOpened, pos.ID)

	log.Info().
		Str("signal", x.sig.ID).
		Str("position", pos.ID).
		Str("symbol", x.symbol).
		Str("side", string(pos.Side)).
		Str("quantity", pos.Quantity.String()).
		Str("entry", pos.EntryPrice.String()).
		Int("tp_legs", len(x.sizing.Legs)).
		Msg("Signal executed")
	return nil
}

// size resolves the symbol, fetches a fresh balance and computes the order
// plan. Balance snapshots in the registry are advisory; the authoritative
// check happens here against a live accountInfo fetch.
func (e *Executor) size(ctx context.Context, x *execution) error {
	symbol, err := exchange.Canonicalize(x.sig.Asset)
	if err != nil {
		return err
	}
	x.symbol = symbol

	info, err := e.venue.SymbolInfo(ctx, symbol)
	if err != nil {
		return err
	}
	x.info = info

	acct, err := e.venue.AccountInfo(ctx, x.sub.VenueSubAccountID)
	if err != nil {
		return err
	}

	tps, err := x.sig.TPs()
	if err != nil {
		return trade.E(trade.ErrIncoherentSignal, "corrupt TP ladder: %v", err)
	}
	dist, err := x.ch.TPDist()
	if err != nil {
		return trade.E(trade.ErrIncoherentSignal, "corrupt TP distribution: %v", err)
	}

	riskPct := x.ch.RiskPercent
	if riskPct.IsZero() {
		riskPct = e.cfg.DefaultRiskPercent
	}
	maxPct := x.ch.MaxPositionPercent
	if maxPct.IsZero() || maxPct.GreaterThan(e.cfg.MaxPositionPercent) {
		maxPct = e.cfg.MaxPositionPercent
	}

	sizing, err := risk.Compute(risk.Inputs{
		Direction:        x.sig.Direction,
		EntryPrice:       x.sig.EntryPrice,
		StopLoss:         x.sig.StopLoss,
		TPLevels:         tps,
		TPDistribution:   dist,
		Leverage:         x.leverage,
		AvailableBalance: acct.AvailableBalance,
		RiskPercent:      riskPct,
		MaxPositionPct:   maxPct,
		Info:             info,
		SanityDisabled:   e.cfg.RiskManagementDisabled,
	})
	if err != nil {
		return err
	}
	x.sizing = sizing
	return nil
}

// placeEntry sends the MARKET entry with the embedded SL and, when its
// trigger distance is sane against the live price, the first TP leg.
func (e *Executor) placeEntry(ctx context.Context, x *execution) error {
	spec := exchange.OrderSpec{
		VenueSymbol:    x.symbol,
		Side:           x.sig.Direction.Side(),
		PositionSide:   string(x.sig.Direction),
		Type:           exchange.Market,
		Quantity:       x.sizing.Quantity,
		ClientOrderTag: clientTag(trade.KindEntry, x.sig.ID, 0),
		SubAccountID:   x.sub.VenueSubAccountID,
		EmbeddedSL:     &exchange.StopBlock{StopPrice: x.sig.StopLoss},
	}
	x.embeddedSL = true

	if len(x.sizing.Legs) > 0 {
		firstTP := x.sizing.Legs[0].Price
		if sane, err := e.tpDistanceSane(ctx, x, firstTP); err == nil && sane {
			spec.EmbeddedTP = &exchange.StopBlock{StopPrice: firstTP}
			x.embeddedTP = true
			x.firstTPIdx = 1
		}
	}

	ack, err := e.venue.PlaceOrder(ctx, spec)
	if err != nil {
		return err
	}
	x.entryAck = ack

	// Annotate, never reject: the signal entry price is advisory.
	if !x.sig.EntryPrice.IsZero() && !ack.ExecutedPrice.IsZero() {
		drift := ack.ExecutedPrice.Sub(x.sig.EntryPrice).Abs().Div(x.sig.EntryPrice).Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(e.cfg.PriceDriftWarnPct) {
			log.Warn().Str("signal", x.sig.ID).
				Str("signalled", x.sig.EntryPrice.String()).
				Str("executed", ack.ExecutedPrice.String()).
				Str("drift_pct", drift.StringFixed(2)).
				Msg("Executed price drifted from signalled entry")
		}
	}
	return nil
}

// tpDistanceSane checks the embedded TP trigger sits on the profit side of
// the live price. A wrong-sided trigger drops the embedded TP and lets the
// standalone ladder handle it.
func (e *Executor) tpDistanceSane(ctx context.Context, x *execution, tp decimal.Decimal) (bool, error) {
	price, err := e.venue.Price(ctx, x.symbol)
	if err != nil {
		return false, err
	}
	if x.sig.Direction == trade.Long {
		return tp.GreaterThan(price), nil
	}
	return tp.LessThan(price), nil
}

// placeRiskLegs places the standalone TP ladder (legs after any embedded
// first TP) and, when the entry carried no embedded SL, the standalone SL.
// All standalone legs are reduce-only so they can never grow the position.
func (e *Executor) placeRiskLegs(ctx context.Context, x *execution) error {
	closeSide := x.sig.Direction.Side().Opposite()

	for i := x.firstTPIdx; i < len(x.sizing.Legs); i++ {
		leg := x.sizing.Legs[i]
		tag := clientTag(trade.KindTP, x.sig.ID, i)
		ack, err := e.venue.PlaceOrder(ctx, exchange.OrderSpec{
			VenueSymbol:    x.symbol,
			Side:           closeSide,
			PositionSide:   string(x.sig.Direction),
			Type:           exchange.TakeProfitMarket,
			Quantity:       leg.Quantity,
			StopPrice:      leg.Price,
			ReduceOnly:     true,
			ClientOrderTag: tag,
			SubAccountID:   x.sub.VenueSubAccountID,
		})
		if err != nil {
			return fmt.Errorf("TP leg %d: %w", i, err)
		}
		x.placedLegs = append(x.placedLegs, placedLeg{ack: ack, kind: trade.KindTP, tag: tag, leg: leg})
	}

	if !x.embeddedSL {
		tag := clientTag(trade.KindSL, x.sig.ID, 0)
		ack, err := e.venue.PlaceOrder(ctx, exchange.OrderSpec{
			VenueSymbol:    x.symbol,
			Side:           closeSide,
			PositionSide:   string(x.sig.Direction),
			Type:           exchange.StopMarket,
			Quantity:       x.sizing.Quantity,
			StopPrice:      x.sig.StopLoss,
			ReduceOnly:     true,
			ClientOrderTag: tag,
			SubAccountID:   x.sub.VenueSubAccountID,
		})
		if err != nil {
			return fmt.Errorf("SL leg: %w", err)
		}
		x.placedLegs = append(x.placedLegs, placedLeg{ack: ack, kind: trade.KindSL, tag: tag,
			leg: risk.TPLeg{Price: x.sig.StopLoss, Quantity: x.sizing.Quantity}})
	}

	return nil
}

// record persists the position and its child order rows.
func (e *Executor) record(x *execution) (*database.Position, error) {
	entryPrice := x.entryAck.ExecutedPrice
	if entryPrice.IsZero() {
		entryPrice = x.sig.EntryPrice
	}

	drift := decimal.Zero
	if !x.sig.EntryPrice.IsZero() {
		drift = entryPrice.Sub(x.sig.EntryPrice).Abs().Div(x.sig.EntryPrice).Mul(decimal.NewFromInt(100))
	}

	pos := &database.Position{
		ID:             uuid.NewString(),
		SignalID:       x.sig.ID,
		ChannelID:      x.ch.ID,
		SubAccountID:   x.sub.ID,
		VenueSymbol:    x.symbol,
		Side:           x.sig.Direction.Side(),
		Quantity:       x.sizing.Quantity,
		EntryPrice:     entryPrice,
		Leverage:       x.leverage,
		TPLevels:       x.sig.TPLevels,
		TPDistribution: x.ch.TPDistribution,
		StopLoss:       x.sig.StopLoss,
		Status:         trade.PositionOpen,
		VenueOrderID:   x.entryAck.OrderID,
		PriceDriftPct:  drift,
		OpenedAt:       time.Now(),
	}
	if err := e.db.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}

	orders := []*database.Order{{
		VenueOrderID:   x.entryAck.OrderID,
		PositionID:     pos.ID,
		Kind:           trade.KindEntry,
		ClientOrderTag: clientTag(trade.KindEntry, x.sig.ID, 0),
		Price:          entryPrice,
		Quantity:       x.sizing.Quantity,
		Status:         x.entryAck.Status,
	}}
	for _, pl := range x.placedLegs {
		orders = append(orders, &database.Order{
			VenueOrderID:   pl.ack.OrderID,
			PositionID:     pos.ID,
			Kind:           pl.kind,
			ClientOrderTag: pl.tag,
			Price:          pl.leg.Price,
			Quantity:       pl.leg.Quantity,
			Status:         pl.ack.Status,
		})
	}
	for _, o := range orders {
		if err := e.db.SaveOrder(o); err != nil {
			log.Error().Err(err).Str("order", o.VenueOrderID).Msg("Failed to persist order row")
		}
	}
	return pos, nil
}

// compensate undoes a partial execution after the entry landed: cancel every
// placed standalone leg, then market-close the remainder reduce-only. If the
// close itself fails the entry is real and cannot be wished away — the
// position is persisted open with the compensation flag and the reconciler
// owns convergence.
//
// Past the entry boundary the execution is uncancellable: compensation runs
// on its own deadline, detached from the caller's context, so a shutdown or
// cancel arriving mid-compensation cannot abort the cancels and close that
// undo a real fill.
func (e *Executor) compensate(x *execution, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	x.state = stateCompensating
	log.Error().Err(cause).Str("signal", x.sig.ID).Str("state", string(stateCompensating)).
		Msg("Partial execution, compensating")

	for _, pl := range x.placedLegs {
		if err := e.venue.CancelOrder(ctx, x.symbol, pl.ack.OrderID); err != nil {
			log.Warn().Err(err).Str("order", pl.ack.OrderID).Msg("Compensation cancel failed")
		}
	}

	_, closeErr := e.venue.PlaceOrder(ctx, exchange.OrderSpec{
		VenueSymbol:    x.symbol,
		Side:           x.sig.Direction.Side().Opposite(),
		PositionSide:   string(x.sig.Direction),
		Type:           exchange.Market,
		Quantity:       x.sizing.Quantity,
		ReduceOnly:     true,
		ClientOrderTag: clientTag(trade.KindEntry, x.sig.ID, 99),
		SubAccountID:   x.sub.VenueSubAccountID,
	})

	if closeErr == nil {
		return e.fail(x.sig, cause)
	}

	// Escalate: the entry fill exists on the venue. Persist it open so the
	// reconciler converges the local state with reality.
	log.Error().Err(closeErr).Str("signal", x.sig.ID).
		Msg("Compensation close failed, persisting position for reconciler")

	entryPrice := x.entryAck.ExecutedPrice
	if entryPrice.IsZero() {
		entryPrice = x.sig.EntryPrice
	}
	pos := &database.Position{
		ID:                   uuid.NewString(),
		SignalID:             x.sig.ID,
		ChannelID:            x.ch.ID,
		SubAccountID:         x.sub.ID,
		VenueSymbol:          x.symbol,
		Side:                 x.sig.Direction.Side(),
		Quantity:             x.sizing.Quantity,
		EntryPrice:           entryPrice,
		Leverage:             x.leverage,
		TPLevels:             x.sig.TPLevels,
		TPDistribution:       x.ch.TPDistribution,
		StopLoss:             x.sig.StopLoss,
		Status:               trade.PositionOpen,
		VenueOrderID:         x.entryAck.OrderID,
		CompensationRequired: true,
		OpenedAt:             time.Now(),
	}
	if err := e.db.SavePosition(pos); err != nil {
		log.Error().Err(err).Str("signal", x.sig.ID).Msg("Failed to persist compensation-required position")
	}
	e.bus.Publish(events.TopicCompensationRequired, pos.ID)

	return e.fail(x.sig, cause)
}

// fail marks the signal failed and publishes the event. Terminal signals are
// left untouched.
func (e *Executor) fail(sig *database.Signal, cause error) error {
	reason := string(trade.KindOf(cause))
	if _, err := e.db.UpdateSignalStatus(sig.ID, trade.SignalFailed, reason); err != nil {
		log.Error().Err(err).Str("signal", sig.ID).Msg("Failed to mark signal failed")
	}
	e.bus.Publish(events.TopicSignalFailed, sig.ID)
	log.Warn().Err(cause).Str("signal", sig.ID).Str("reason", reason).Msg("Signal failed")
	return cause
}

// clientTag builds the idempotency tag carried by every order leg.
func clientTag(kind trade.OrderKind, signalID string, legIdx int) string {
	return fmt.Sprintf("%s_%s_%d", kind, signalID, legIdx)
}
