// Package registry is the authoritative store of channels and their
// sub-accounts. Mutations go through here so the monitored-channel cache and
// the channel:update event stay consistent.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/events"
	"github.com/web3guy0/signalbot/internal/exchange"
)

// Venue is the slice of the exchange client the registry needs: balance
// snapshots and the delete-time funds sweep.
type Venue interface {
	AccountInfo(ctx context.Context, subAccountID string) (*exchange.AccountInfo, error)
	Transfer(ctx context.Context, subAccountID, asset string, amount decimal.Decimal, direction exchange.TransferDirection) error
}

type Registry struct {
	db    *database.Database
	venue Venue
	bus   *events.Bus

	mu    sync.RWMutex
	cache map[string]*database.Channel // keyed by external channel id
}

func New(db *database.Database, venue Venue, bus *events.Bus) *Registry {
	return &Registry{
		db:    db,
		venue: venue,
		bus:   bus,
		cache: make(map[string]*database.Channel),
	}
}

// ChannelParams are the policy fields settable at create/update time.
type ChannelParams struct {
	ExternalChannelID  string
	Name               string
	AutoExecute        bool
	MaxPositionPercent decimal.Decimal
	RiskPercent        decimal.Decimal
	TPDistribution     []decimal.Decimal
	VenueSubAccountID  string
}

// validate enforces the policy ranges before anything is persisted.
func (p ChannelParams) validate() error {
	if p.ExternalChannelID == "" {
		return fmt.Errorf("external channel id is required")
	}
	if p.MaxPositionPercent.LessThan(decimal.NewFromInt(1)) || p.MaxPositionPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("maxPositionPercent must be in [1,100], got %s", p.MaxPositionPercent)
	}
	if p.RiskPercent.LessThan(decimal.NewFromFloat(0.1)) || p.RiskPercent.GreaterThan(decimal.NewFromInt(20)) {
		return fmt.Errorf("riskPercent must be in [0.1,20], got %s", p.RiskPercent)
	}
	if len(p.TPDistribution) < 1 || len(p.TPDistribution) > 5 {
		return fmt.Errorf("tpDistribution must have 1-5 legs, got %d", len(p.TPDistribution))
	}
	sum := decimal.Zero
	for _, pct := range p.TPDistribution {
		if pct.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("tpDistribution legs must be positive")
		}
		sum = sum.Add(pct)
	}
	tolerance := decimal.NewFromFloat(0.1)
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(tolerance) {
		return fmt.Errorf("tpDistribution must sum to 100 (±0.1), got %s", sum)
	}
	return nil
}

// CreateChannel registers a new channel with its isolated sub-account.
func (r *Registry) CreateChannel(p ChannelParams) (*database.Channel, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if existing, err := r.db.GetChannelByExternalID(p.ExternalChannelID); err == nil && existing.ID != "" {
		return nil, fmt.Errorf("channel with external id %s already exists", p.ExternalChannelID)
	}

	sub := &database.SubAccount{
		ID:                uuid.NewString(),
		VenueSubAccountID: p.VenueSubAccountID,
		Name:              p.Name,
	}
	if err := r.db.SaveSubAccount(sub); err != nil {
		return nil, err
	}

	ch := &database.Channel{
		ID:                 uuid.NewString(),
		ExternalChannelID:  p.ExternalChannelID,
		Name:               p.Name,
		Active:             true,
		AutoExecute:        p.AutoExecute,
		MaxPositionPercent: p.MaxPositionPercent,
		RiskPercent:        p.RiskPercent,
		SubAccountID:       sub.ID,
	}
	if err := ch.SetTPDist(p.TPDistribution); err != nil {
		return nil, err
	}
	if err := r.db.SaveChannel(ch); err != nil {
		return nil, err
	}

	r.invalidate(ch.ExternalChannelID)
	r.bus.Publish(events.TopicChannelUpdate, ch.ID)
	log.Info().Str("channel", ch.ID).Str("name", ch.Name).Msg("Channel created")
	return ch, nil
}

// UpdateChannel applies new policy to an existing channel.
func (r *Registry) UpdateChannel(id string, p ChannelParams) (*database.Channel, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	ch, err := r.db.GetChannel(id)
	if err != nil {
		return nil, err
	}

	ch.Name = p.Name
	ch.AutoExecute = p.AutoExecute
	ch.MaxPositionPercent = p.MaxPositionPercent
	ch.RiskPercent = p.RiskPercent
	if err := ch.SetTPDist(p.TPDistribution); err != nil {
		return nil, err
	}
	if err := r.db.SaveChannel(ch); err != nil {
		return nil, err
	}

	r.invalidate(ch.ExternalChannelID)
	r.bus.Publish(events.TopicChannelUpdate, ch.ID)
	return ch, nil
}

// Pause stops a channel from producing new executions; existing positions
// keep reconciling.
func (r *Registry) Pause(id string) error {
	return r.setFlag(id, func(ch *database.Channel) { ch.Paused = true })
}

// Resume re-enables a paused channel.
func (r *Registry) Resume(id string) error {
	return r.setFlag(id, func(ch *database.Channel) { ch.Paused = false })
}

// SetAutoExecute toggles automatic execution for accepted signals.
func (r *Registry) SetAutoExecute(id string, auto bool) error {
	return r.setFlag(id, func(ch *database.Channel) { ch.AutoExecute = auto })
}

func (r *Registry) setFlag(id string, mutate func(*database.Channel)) error {
	ch, err := r.db.GetChannel(id)
	if err != nil {
		return err
	}
	mutate(ch)
	if err := r.db.SaveChannel(ch); err != nil {
		return err
	}
	r.invalidate(ch.ExternalChannelID)
	r.bus.Publish(events.TopicChannelUpdate, ch.ID)
	return nil
}

// DeleteChannel removes a channel once every owned position is terminal,
// sweeping remaining sub-account funds back to the main account first. The
// sweep is best effort: a failed transfer logs and does not block deletion.
func (r *Registry) DeleteChannel(ctx context.Context, id string) error {
	ch, err := r.db.GetChannel(id)
	if err != nil {
		return err
	}

	open, err := r.db.OpenPositionsForChannel(id)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return fmt.Errorf("channel %s has %d non-terminal positions", id, len(open))
	}

	if sub, err := r.db.GetSubAccount(ch.SubAccountID); err == nil {
		if info, err := r.venue.AccountInfo(ctx, sub.VenueSubAccountID); err == nil && info.AvailableBalance.GreaterThan(decimal.Zero) {
			if err := r.venue.Transfer(ctx, sub.VenueSubAccountID, "USDT", info.AvailableBalance, exchange.TransferOut); err != nil {
				log.Warn().Err(err).Str("channel", id).Msg("Funds sweep failed, continuing with delete")
			}
		}
	}

	if err := r.db.DeleteChannel(id); err != nil {
		return err
	}
	r.invalidate(ch.ExternalChannelID)
	r.bus.Publish(events.TopicChannelUpdate, ch.ID)
	log.Info().Str("channel", id).Msg("Channel deleted")
	return nil
}

// ChannelByExternalID resolves an external channel id through the cache.
// Returns nil when the channel is unknown.
func (r *Registry) ChannelByExternalID(externalID string) *database.Channel {
	r.mu.RLock()
	if ch, ok := r.cache[externalID]; ok {
		r.mu.RUnlock()
		return ch
	}
	r.mu.RUnlock()

	ch, err := r.db.GetChannelByExternalID(externalID)
	if err != nil {
		if !database.IsNotFound(err) {
			log.Error().Err(err).Str("external_id", externalID).Msg("Channel lookup failed")
		}
		return nil
	}

	r.mu.Lock()
	r.cache[externalID] = ch
	r.mu.Unlock()
	return ch
}

// RefreshBalances pulls a fresh balance snapshot for a sub-account. The
// snapshot is advisory and never gates execution.
func (r *Registry) RefreshBalances(ctx context.Context, subAccountID string) (*database.SubAccount, error) {
	sub, err := r.db.GetSubAccount(subAccountID)
	if err != nil {
		return nil, err
	}

	info, err := r.venue.AccountInfo(ctx, sub.VenueSubAccountID)
	if err != nil {
		return nil, err
	}

	sub.TotalBalance = info.TotalBalance
	sub.AvailableBalance = info.AvailableBalance
	sub.UnrealizedPnl = info.UnrealizedPnl
	if err := r.db.SaveSubAccount(sub); err != nil {
		return nil, err
	}

	r.bus.Publish(events.TopicAccountUpdate, sub.ID)
	return sub, nil
}

func (r *Registry) invalidate(externalID string) {
	r.mu.Lock()
	delete(r.cache, externalID)
	r.mu.Unlock()
}
