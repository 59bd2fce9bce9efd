package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/trade"
)

// OrderType is the venue order type for one leg.
type OrderType string

const (
	Market           OrderType = "MARKET"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TransferDirection moves funds between the main account and a sub-account.
type TransferDirection string

const (
	TransferIn  TransferDirection = "MAIN_TO_SUB"
	TransferOut TransferDirection = "SUB_TO_MAIN"
)

// SymbolInfo carries the venue constraints for one symbol.
type SymbolInfo struct {
	Symbol            string
	TickSize          decimal.Decimal
	StepSize          decimal.Decimal
	MinQty            decimal.Decimal
	MaxQty            decimal.Decimal
	MinNotional       decimal.Decimal
	PricePrecision    int
	QuantityPrecision int
}

// StopBlock is an embedded TP or SL attached to a market entry.
type StopBlock struct {
	StopPrice   decimal.Decimal
	WorkingType string // MARK_PRICE or CONTRACT_PRICE
}

// OrderSpec describes one order leg to place.
type OrderSpec struct {
	VenueSymbol    string
	Side           trade.Side
	PositionSide   string // LONG / SHORT / BOTH
	Type           OrderType
	Quantity       decimal.Decimal
	StopPrice      decimal.Decimal // trigger for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly     bool
	ClientOrderTag string
	EmbeddedTP     *StopBlock
	EmbeddedSL     *StopBlock
	SubAccountID   string
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string          `json:"orderId"`
	Status        string          `json:"status"`
	ExecutedPrice decimal.Decimal `json:"avgPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	ClientOrderID string          `json:"clientOrderId"`
}

// VenuePosition is one position as the venue reports it.
type VenuePosition struct {
	Symbol        string          `json:"symbol"`
	PositionSide  string          `json:"positionSide"`
	Size          decimal.Decimal `json:"positionAmt"` // signed: negative for shorts
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnl decimal.Decimal `json:"unRealizedProfit"`
	Leverage      int             `json:"leverage,string"`
}

// AccountInfo is the balance snapshot for one (sub-)account.
type AccountInfo struct {
	TotalBalance     decimal.Decimal `json:"totalWalletBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UnrealizedPnl    decimal.Decimal `json:"totalUnrealizedProfit"`
}

// OpenOrder is one resting order as the venue reports it.
type OpenOrder struct {
	OrderID       string          `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Type          OrderType       `json:"type"`
	Side          trade.Side      `json:"side"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	Quantity      decimal.Decimal `json:"origQty"`
	ClientOrderID string          `json:"clientOrderId"`
	ReduceOnly    bool            `json:"reduceOnly"`
}

// venueError is the error body the venue returns alongside non-2xx statuses.
type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
