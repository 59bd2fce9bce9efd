// Package database is the single source of truth for local state.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/signalbot/internal/trade"
)

type Database struct {
	db *gorm.DB
}

// New opens the store. A postgres:// URL selects PostgreSQL, anything else is
// treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Channel{}, &SubAccount{}, &Signal{}, &Position{}, &Order{}, &QueueItem{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Channel operations

func (d *Database) SaveChannel(ch *Channel) error {
	return d.db.Save(ch).Error
}

func (d *Database) GetChannel(id string) (*Channel, error) {
	var ch Channel
	err := d.db.First(&ch, "id = ?", id).Error
	return &ch, err
}

func (d *Database) GetChannelByExternalID(externalID string) (*Channel, error) {
	var ch Channel
	err := d.db.First(&ch, "external_channel_id = ?", externalID).Error
	return &ch, err
}

func (d *Database) ListChannels() ([]Channel, error) {
	var channels []Channel
	err := d.db.Order("created_at").Find(&channels).Error
	return channels, err
}

func (d *Database) DeleteChannel(id string) error {
	return d.db.Delete(&Channel{}, "id = ?", id).Error
}

// SubAccount operations

func (d *Database) SaveSubAccount(sa *SubAccount) error {
	return d.db.Save(sa).Error
}

func (d *Database) GetSubAccount(id string) (*SubAccount, error) {
	var sa SubAccount
	err := d.db.First(&sa, "id = ?", id).Error
	return &sa, err
}

// Signal operations

func (d *Database) CreateSignal(s *Signal) error {
	return d.db.Create(s).Error
}

func (d *Database) GetSignal(id string) (*Signal, error) {
	var s Signal
	err := d.db.First(&s, "id = ?", id).Error
	return &s, err
}

// SignalExistsForMessage reports whether the (channel, message) pair has
// already produced a signal row. Replays must yield at most one row.
func (d *Database) SignalExistsForMessage(channelID string, messageID int) (bool, error) {
	var count int64
	err := d.db.Model(&Signal{}).
		Where("channel_id = ? AND external_message_id = ?", channelID, messageID).
		Count(&count).Error
	return count > 0, err
}

// FindRecentEntrySignal looks for a processed entry signal from the same
// channel with the same asset and direction whose entry price is within eps
// of entry, newer than since. Used by the dedup window.
func (d *Database) FindRecentEntrySignal(channelID, asset string, dir trade.Direction, entry, eps decimal.Decimal, since time.Time) (*Signal, error) {
	lo := entry.Mul(decimal.NewFromInt(1).Sub(eps))
	hi := entry.Mul(decimal.NewFromInt(1).Add(eps))
	var s Signal
	err := d.db.
		Where("channel_id = ? AND asset = ? AND direction = ? AND type = ?", channelID, asset, dir, trade.TypeEntry).
		Where("status IN ?", []trade.SignalStatus{trade.SignalPending, trade.SignalApproved, trade.SignalExecuted}).
		Where("entry_price BETWEEN ? AND ?", lo, hi).
		Where("created_at > ?", since).
		Order("created_at DESC").
		First(&s).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSignalStatus transitions a signal, refusing to move it out of a
// terminal state. Returns the number of rows changed: callers treat 0 as an
// idempotent no-op on terminal signals.
func (d *Database) UpdateSignalStatus(id string, status trade.SignalStatus, reason string) (int64, error) {
	now := time.Now()
	res := d.db.Model(&Signal{}).
		Where("id = ? AND status NOT IN ?", id, trade.TerminalSignalStatuses).
		Updates(map[string]any{"status": status, "reason": reason, "processed_at": &now})
	return res.RowsAffected, res.Error
}

// PendingSignalsFIFO returns non-terminal signals for a channel ordered by
// message timestamp, oldest first.
func (d *Database) PendingSignalsFIFO(channelID string) ([]Signal, error) {
	var signals []Signal
	err := d.db.
		Where("channel_id = ? AND status IN ?", channelID, []trade.SignalStatus{trade.SignalPending, trade.SignalApproved}).
		Order("message_timestamp").
		Find(&signals).Error
	return signals, err
}

// Position operations

func (d *Database) SavePosition(p *Position) error {
	return d.db.Save(p).Error
}

func (d *Database) GetPosition(id string) (*Position, error) {
	var p Position
	err := d.db.First(&p, "id = ?", id).Error
	return &p, err
}

// OpenPositions returns every position that still needs reconciliation.
func (d *Database) OpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.
		Where("status IN ?", []trade.PositionStatus{trade.PositionOpen, trade.PositionPartiallyClosed}).
		Order("opened_at").
		Find(&positions).Error
	return positions, err
}

// OpenPositionsForChannel returns non-terminal positions owned by a channel.
func (d *Database) OpenPositionsForChannel(channelID string) ([]Position, error) {
	var positions []Position
	err := d.db.
		Where("channel_id = ? AND status IN ?", channelID, []trade.PositionStatus{trade.PositionOpen, trade.PositionPartiallyClosed}).
		Find(&positions).Error
	return positions, err
}

// ClosePosition marks a position closed with its exit price and realized
// P&L. A closed position always has quantity zero and a close timestamp.
func (d *Database) ClosePosition(id string, exitPrice, realizedPnl decimal.Decimal) error {
	now := time.Now()
	return d.db.Model(&Position{}).
		Where("id = ? AND status <> ?", id, trade.PositionClosed).
		Updates(map[string]any{
			"status":         trade.PositionClosed,
			"quantity":       decimal.Zero,
			"unrealized_pnl": decimal.Zero,
			"exit_price":     exitPrice,
			"realized_pnl":   realizedPnl,
			"closed_at":      &now,
		}).Error
}

// Order operations

func (d *Database) SaveOrder(o *Order) error {
	return d.db.Save(o).Error
}

func (d *Database) OrdersForPosition(positionID string) ([]Order, error) {
	var orders []Order
	err := d.db.Where("position_id = ?", positionID).Order("created_at").Find(&orders).Error
	return orders, err
}

// Queue operations

func (d *Database) EnqueueItem(item *QueueItem) error {
	return d.db.Create(item).Error
}

func (d *Database) AckItem(id uint) error {
	return d.db.Model(&QueueItem{}).Where("id = ?", id).Update("acked", true).Error
}

// UnackedItems returns unacknowledged queue rows in FIFO order, for
// redelivery after restart.
func (d *Database) UnackedItems(limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := d.db.Where("acked = ?", false).Order("id").Limit(limit).Find(&items).Error
	return items, err
}

// DropItem removes an overflowed queue row entirely.
func (d *Database) DropItem(id uint) error {
	return d.db.Delete(&QueueItem{}, "id = ?", id).Error
}

// IsNotFound reports whether err is the store's record-not-found error.
func IsNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound || (err != nil && strings.Contains(err.Error(), "record not found"))
}

// MustDecimals decodes a stored decimal list or panics; for callers that
// wrote the value themselves.
func MustDecimals(s string) []decimal.Decimal {
	vals, err := decodeDecimals(s)
	if err != nil {
		panic(fmt.Sprintf("corrupt decimal list %q: %v", s, err))
	}
	return vals
}
