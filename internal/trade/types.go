// Package trade holds the domain vocabulary shared by every component:
// directions, sides, signal/position lifecycles and the canonical message
// envelope produced by ingestion.
package trade

import "time"

// Direction is the trade direction stated by a signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Side returns the venue order side that opens a position in this direction.
func (d Direction) Side() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Side is a venue order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// SignalType classifies a recognized message.
type SignalType string

const (
	TypeEntry   SignalType = "ENTRY"
	TypeUpdate  SignalType = "UPDATE"
	TypeClose   SignalType = "CLOSE"
	TypeGeneral SignalType = "GENERAL"
)

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalApproved SignalStatus = "APPROVED"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalIgnored  SignalStatus = "IGNORED"
	SignalFailed   SignalStatus = "FAILED"
	SignalClosed   SignalStatus = "CLOSED"
)

// Terminal reports whether no further transition is allowed from s.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalExecuted, SignalIgnored, SignalFailed, SignalClosed:
		return true
	}
	return false
}

// TerminalSignalStatuses is the set of terminal signal states, in the order
// they are checked by the store's guarded update.
var TerminalSignalStatuses = []SignalStatus{SignalExecuted, SignalIgnored, SignalFailed, SignalClosed}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// Terminal reports whether the position reached its final state.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed
}

// OrderKind distinguishes the legs the executor places for one signal.
type OrderKind string

const (
	KindEntry OrderKind = "ENTRY"
	KindTP    OrderKind = "TP"
	KindSL    OrderKind = "SL"
)

// Envelope is the canonical inbound message. Ingestion fills it from the
// transport update. ChannelName is also given to recognition as context;
// the remaining fields past ExternalChannelID, MessageID, Timestamp and Text
// are carried opaquely for audit.
type Envelope struct {
	ExternalChannelID string    `json:"external_channel_id"`
	MessageID         int       `json:"message_id"`
	Timestamp         time.Time `json:"timestamp"`
	Text              string    `json:"text"`
	ChannelName       string    `json:"channel_name,omitempty"`
	ForwardedFrom     string    `json:"forwarded_from,omitempty"`
	Attachments       []string  `json:"attachments,omitempty"`
}
