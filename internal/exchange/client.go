// Package exchange implements the signed REST and WebSocket clients for the
// futures venue.
//
// The REST client exposes the typed operations the pipeline needs:
//   - PlaceOrder:  POST   /fapi/v1/order        — one leg, never retried
//   - CancelOrder: DELETE /fapi/v1/order        — never retried
//   - OpenOrders:  GET    /fapi/v1/openOrders
//   - Positions:   GET    /fapi/v2/positionRisk
//   - AccountInfo: GET    /fapi/v2/account
//   - SymbolInfo:  GET    /fapi/v1/exchangeInfo — cached with invalidation
//   - Price:       GET    /fapi/v1/ticker/price
//   - SetLeverage: POST   /fapi/v1/leverage
//   - Transfer:    POST   /fapi/v1/transfer     — sub-account funds sweep
//
// Reads retry with backoff on 5xx and timeouts. Writes go through a separate
// non-retrying client; compensation is composed by the caller.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/trade"
)

const workingTypeMark = "MARK_PRICE"

// Client is the venue REST client.
type Client struct {
	read   *resty.Client // retries on 5xx/timeouts, for idempotent reads
	write  *resty.Client // never retries, for orders/cancels/transfers
	signer *Signer
	cache  *symbolCache
}

func NewClient(baseURL string, signer *Signer, timeout time.Duration) *Client {
	read := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	write := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Client{
		read:   read,
		write:  write,
		signer: signer,
		cache:  newSymbolCache(),
	}
}

// InvalidateSymbol drops the cached metadata for one symbol.
func (c *Client) InvalidateSymbol(symbol string) {
	c.cache.invalidate(symbol)
}

// InvalidateSymbols drops all cached symbol metadata.
func (c *Client) InvalidateSymbols() {
	c.cache.invalidateAll()
}

// SymbolInfo returns the venue constraints for a symbol, cached after the
// first fetch.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	venueSymbol, err := Canonicalize(symbol)
	if err != nil {
		return SymbolInfo{}, err
	}
	if info, ok := c.cache.get(venueSymbol); ok {
		return info, nil
	}

	var body struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	resp, err := c.read.R().
		SetContext(ctx).
		SetQueryParam("symbol", venueSymbol).
		SetResult(&body).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return SymbolInfo{}, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return SymbolInfo{}, c.mapError(resp)
	}
	if len(body.Symbols) == 0 {
		return SymbolInfo{}, trade.E(trade.ErrUnknownSymbol, "symbol %s not listed", venueSymbol)
	}

	s := body.Symbols[0]
	info := SymbolInfo{
		Symbol:            s.Symbol,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.TickSize = mustDecimal(f.TickSize)
		case "LOT_SIZE":
			info.StepSize = mustDecimal(f.StepSize)
			info.MinQty = mustDecimal(f.MinQty)
			info.MaxQty = mustDecimal(f.MaxQty)
		case "MIN_NOTIONAL":
			info.MinNotional = mustDecimal(f.MinNotional)
		}
	}

	c.cache.put(info)
	return info, nil
}

// Price returns the last traded price for a symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	venueSymbol, err := Canonicalize(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	resp, err := c.read.R().
		SetContext(ctx).
		SetQueryParam("symbol", venueSymbol).
		SetResult(&body).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return decimal.Zero, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return decimal.Zero, c.mapError(resp)
	}
	return body.Price, nil
}

// PlaceOrder places one order leg. Quantity is floored to the step size and
// every price to the tick size; legs falling below the venue minimum fail
// before the network round-trip. Never retried.
func (c *Client) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderAck, error) {
	venueSymbol, err := Canonicalize(spec.VenueSymbol)
	if err != nil {
		return nil, err
	}
	info, err := c.SymbolInfo(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}

	qty := FloorToStep(spec.Quantity, info.StepSize)
	if qty.LessThan(info.MinQty) || qty.IsZero() {
		return nil, trade.E(trade.ErrBelowVenueMinimum,
			"quantity %s below venue minimum %s for %s", qty, info.MinQty, venueSymbol)
	}

	refPrice := spec.StopPrice
	if refPrice.IsZero() {
		refPrice, err = c.Price(ctx, venueSymbol)
		if err != nil {
			return nil, err
		}
	}
	refPrice = FloorToTick(refPrice, info.TickSize)
	if qty.Mul(refPrice).LessThan(info.MinNotional) {
		return nil, trade.E(trade.ErrBelowVenueMinimum,
			"notional %s below venue minimum %s for %s", qty.Mul(refPrice), info.MinNotional, venueSymbol)
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", string(spec.Side))
	params.Set("type", string(spec.Type))
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "RESULT")
	if spec.PositionSide != "" {
		params.Set("positionSide", spec.PositionSide)
	}
	if spec.ClientOrderTag != "" {
		params.Set("newClientOrderId", spec.ClientOrderTag)
	}
	if !spec.StopPrice.IsZero() {
		params.Set("stopPrice", FloorToTick(spec.StopPrice, info.TickSize).String())
		params.Set("workingType", workingTypeMark)
	}
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if spec.EmbeddedTP != nil {
		params.Set("takeProfitPrice", FloorToTick(spec.EmbeddedTP.StopPrice, info.TickSize).String())
		params.Set("takeProfitWorkingType", workingTypeOrDefault(spec.EmbeddedTP.WorkingType))
	}
	if spec.EmbeddedSL != nil {
		params.Set("stopLossPrice", FloorToTick(spec.EmbeddedSL.StopPrice, info.TickSize).String())
		params.Set("stopLossWorkingType", workingTypeOrDefault(spec.EmbeddedSL.WorkingType))
	}
	if spec.SubAccountID != "" {
		params.Set("subAccountId", spec.SubAccountID)
	}

	var ack OrderAck
	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		SetResult(&ack).
		Post("/fapi/v1/order")
	if err != nil {
		return nil, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, c.mapError(resp)
	}
	return &ack, nil
}

// CancelOrder cancels one resting order. Never retried.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSymbol, err := Canonicalize(symbol)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", orderID)

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		Delete("/fapi/v1/order")
	if err != nil {
		return trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return c.mapError(resp)
	}
	return nil
}

// OpenOrders lists resting orders, optionally scoped to one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		venueSymbol, err := Canonicalize(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", venueSymbol)
	}

	var orders []OpenOrder
	resp, err := c.read.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		SetResult(&orders).
		Get("/fapi/v1/openOrders")
	if err != nil {
		return nil, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, c.mapError(resp)
	}
	return orders, nil
}

// Positions returns the venue's open positions, optionally scoped to one
// sub-account. Zero-size rows are filtered out.
func (c *Client) Positions(ctx context.Context, subAccountID string) ([]VenuePosition, error) {
	params := url.Values{}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}

	var all []VenuePosition
	resp, err := c.read.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		SetResult(&all).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, c.mapError(resp)
	}

	open := make([]VenuePosition, 0, len(all))
	for _, p := range all {
		if !p.Size.IsZero() {
			open = append(open, p)
		}
	}
	return open, nil
}

// AccountInfo returns the balance snapshot for an account or sub-account.
func (c *Client) AccountInfo(ctx context.Context, subAccountID string) (*AccountInfo, error) {
	params := url.Values{}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}

	var info AccountInfo
	resp, err := c.read.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		SetResult(&info).
		Get("/fapi/v2/account")
	if err != nil {
		return nil, trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return nil, c.mapError(resp)
	}
	return &info, nil
}

// SetLeverage sets the leverage for a symbol. Venues silently cap the value;
// callers treat failures as non-fatal.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide, subAccountID string) error {
	venueSymbol, err := Canonicalize(symbol)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("leverage", fmt.Sprintf("%d", leverage))
	if positionSide != "" {
		params.Set("positionSide", positionSide)
	}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		Post("/fapi/v1/leverage")
	if err != nil {
		return trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return c.mapError(resp)
	}
	return nil
}

// Transfer moves funds between the main account and a sub-account. Never
// retried.
func (c *Client) Transfer(ctx context.Context, subAccountID, asset string, amount decimal.Decimal, direction TransferDirection) error {
	params := url.Values{}
	params.Set("subAccountId", subAccountID)
	params.Set("asset", asset)
	params.Set("amount", amount.String())
	params.Set("direction", string(direction))

	resp, err := c.write.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryString(c.signer.Sign(params)).
		Post("/fapi/v1/transfer")
	if err != nil {
		return trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		return c.mapError(resp)
	}
	return nil
}

// mapError translates a venue error body into the pipeline's error taxonomy.
func (c *Client) mapError(resp *resty.Response) error {
	var ve venueError
	if err := json.Unmarshal(resp.Body(), &ve); err != nil || ve.Code == 0 {
		if resp.StatusCode() >= 500 {
			return trade.E(trade.ErrTransient, "venue %d: %s", resp.StatusCode(), resp.String())
		}
		return trade.E(trade.ErrFatal, "venue %d: %s", resp.StatusCode(), resp.String())
	}

	switch ve.Code {
	case -1121:
		return trade.E(trade.ErrUnknownSymbol, "%s", ve.Msg)
	case -1021:
		return trade.E(trade.ErrClockDrift, "%s", ve.Msg)
	case -1013, -4164:
		return trade.E(trade.ErrBelowVenueMinimum, "%s", ve.Msg)
	case -4116, -4015:
		return trade.E(trade.ErrDuplicateTag, "%s", ve.Msg)
	case -2014, -2015:
		return trade.E(trade.ErrFatal, "credentials rejected: %s", ve.Msg)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return trade.E(trade.ErrTransient, "venue %d (%d): %s", resp.StatusCode(), ve.Code, ve.Msg)
	}
	return trade.E(trade.ErrFatal, "venue %d (%d): %s", resp.StatusCode(), ve.Code, ve.Msg)
}

func workingTypeOrDefault(wt string) string {
	if wt == "" {
		return workingTypeMark
	}
	return wt
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Warn().Str("value", s).Msg("unparseable decimal from venue, using zero")
		return decimal.Zero
	}
	return d
}
