package database

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/trade"
)

// Channel is a single external signal source and its trading policy.
type Channel struct {
	ID                 string `gorm:"primaryKey"`
	ExternalChannelID  string `gorm:"uniqueIndex"`
	Name               string
	Active             bool
	Paused             bool
	AutoExecute        bool
	MaxPositionPercent decimal.Decimal `gorm:"type:decimal(10,4)"`
	RiskPercent        decimal.Decimal `gorm:"type:decimal(10,4)"`
	TPDistribution     string          // JSON array of percentages, ordered, sums to 100
	SubAccountID       string          `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TPDist decodes the stored take-profit distribution.
func (c *Channel) TPDist() ([]decimal.Decimal, error) {
	return decodeDecimals(c.TPDistribution)
}

// SetTPDist encodes and stores the take-profit distribution.
func (c *Channel) SetTPDist(dist []decimal.Decimal) error {
	s, err := encodeDecimals(dist)
	if err != nil {
		return err
	}
	c.TPDistribution = s
	return nil
}

// SubAccount is the venue-side isolation bucket owned by exactly one channel.
// Balance fields are snapshots refreshed on demand; they are advisory.
type SubAccount struct {
	ID                string `gorm:"primaryKey"`
	VenueSubAccountID string `gorm:"uniqueIndex"`
	Name              string
	TotalBalance      decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvailableBalance  decimal.Decimal `gorm:"type:decimal(20,8)"`
	UnrealizedPnl     decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalPnl          decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Signal is one recognized intent derived from one inbound message.
type Signal struct {
	ID                string `gorm:"primaryKey"`
	ChannelID         string `gorm:"index;uniqueIndex:idx_channel_message"`
	ExternalMessageID int    `gorm:"uniqueIndex:idx_channel_message"`
	Asset             string `gorm:"index"`
	Direction         trade.Direction
	Leverage          int
	EntryPrice        decimal.Decimal `gorm:"type:decimal(20,8)"`
	TPLevels          string          // JSON array of prices, author order
	StopLoss          decimal.Decimal `gorm:"type:decimal(20,8)"`
	SuggestedVolume   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Confidence        float64
	RawMessage        string
	Parsed            string // opaque engine output, audit only
	MessageTimestamp  time.Time
	ProcessedAt       *time.Time
	Type              trade.SignalType   `gorm:"index"`
	Status            trade.SignalStatus `gorm:"index"`
	Reason            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TPs decodes the stored take-profit ladder.
func (s *Signal) TPs() ([]decimal.Decimal, error) {
	return decodeDecimals(s.TPLevels)
}

// SetTPs encodes and stores the take-profit ladder.
func (s *Signal) SetTPs(levels []decimal.Decimal) error {
	enc, err := encodeDecimals(levels)
	if err != nil {
		return err
	}
	s.TPLevels = enc
	return nil
}

// Valid reports whether the signal carries every field required for
// execution and the stop lies on the loss side of the entry.
func (s *Signal) Valid() bool {
	if s.Asset == "" || !s.Direction.Valid() {
		return false
	}
	if s.EntryPrice.LessThanOrEqual(decimal.Zero) || s.StopLoss.LessThanOrEqual(decimal.Zero) {
		return false
	}
	tps, err := s.TPs()
	if err != nil || len(tps) == 0 {
		return false
	}
	if s.Direction == trade.Long {
		return s.StopLoss.LessThan(s.EntryPrice)
	}
	return s.StopLoss.GreaterThan(s.EntryPrice)
}

// Position is the authoritative local record of a derivatives position.
type Position struct {
	ID                   string `gorm:"primaryKey"`
	SignalID             string `gorm:"index"`
	ChannelID            string `gorm:"index"`
	SubAccountID         string `gorm:"index"`
	VenueSymbol          string `gorm:"index"`
	Side                 trade.Side
	Quantity             decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPrice           decimal.Decimal `gorm:"type:decimal(20,8)"`
	CurrentPrice         decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice            decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage             int
	UnrealizedPnl        decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnl          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fees                 decimal.Decimal `gorm:"type:decimal(20,8)"`
	TPLevels             string
	TPDistribution       string
	StopLoss             decimal.Decimal      `gorm:"type:decimal(20,8)"`
	Status               trade.PositionStatus `gorm:"index"`
	VenueOrderID         string
	CompensationRequired bool
	PriceDriftPct        decimal.Decimal `gorm:"type:decimal(10,4)"` // executed vs signalled entry, annotation only
	OpenedAt             time.Time
	ClosedAt             *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TPs decodes the stored take-profit ladder.
func (p *Position) TPs() ([]decimal.Decimal, error) {
	return decodeDecimals(p.TPLevels)
}

// TPDist decodes the stored take-profit distribution.
func (p *Position) TPDist() ([]decimal.Decimal, error) {
	return decodeDecimals(p.TPDistribution)
}

// Order is one venue-side leg belonging to a position.
type Order struct {
	VenueOrderID   string `gorm:"primaryKey"`
	PositionID     string `gorm:"index"`
	Kind           trade.OrderKind
	ClientOrderTag string          `gorm:"uniqueIndex"`
	Price          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueItem is one durable envelope on the message queue. Items are
// redelivered on restart until acknowledged.
type QueueItem struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Payload   string // JSON-encoded trade.Envelope
	Acked     bool   `gorm:"index"`
	CreatedAt time.Time
}

func encodeDecimals(vals []decimal.Decimal) (string, error) {
	data, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeDecimals(s string) ([]decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	var vals []decimal.Decimal
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil, err
	}
	return vals, nil
}
