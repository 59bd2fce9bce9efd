package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/internal/trade"
)

// fakeVenueServer serves exchangeInfo, ticker and order endpoints and
// records order placements.
type fakeVenueServer struct {
	t           *testing.T
	orderCalls  int
	lastOrder   map[string]string
	orderStatus int
	orderBody   string
}

func (f *fakeVenueServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
			return
		}
		fmt.Fprint(w, `{"symbols":[{
			"symbol":"BTCUSDT","pricePrecision":1,"quantityPrecision":3,
			"filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.1"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}
			]}]}`)
	})

	mux.HandleFunc("/fapi/v1/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"30000.0"}`)
	})

	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		f.orderCalls++
		f.lastOrder = map[string]string{}
		for k, v := range r.URL.Query() {
			f.lastOrder[k] = v[0]
		}
		if f.orderStatus != 0 {
			w.WriteHeader(f.orderStatus)
			fmt.Fprint(w, f.orderBody)
			return
		}
		fmt.Fprint(w, `{"orderId":"12345","status":"FILLED","avgPrice":"30001.5","executedQty":"0.066","clientOrderId":"ENTRY_sig_0"}`)
	})

	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeVenueServer) {
	t.Helper()
	f := &fakeVenueServer{t: t}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	signer := NewSigner("key", "secret", 5*time.Second)
	return NewClient(srv.URL, signer, 5*time.Second), f
}

func TestSymbolInfoFetchAndCache(t *testing.T) {
	c, _ := newTestClient(t)

	info, err := c.SymbolInfo(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", info.Symbol)
	assert.True(t, info.StepSize.Equal(dec("0.001")))
	assert.True(t, info.MinNotional.Equal(dec("5")))
	assert.Equal(t, 3, info.QuantityPrecision)

	// Cached: a second lookup in another spelling returns the same info.
	cached, err := c.SymbolInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, info, cached)
}

func TestSymbolInfoUnknownSymbol(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.SymbolInfo(context.Background(), "NOPE-USDT")
	require.Error(t, err)
	assert.True(t, trade.IsKind(err, trade.ErrUnknownSymbol), "got %v", err)
}

// Quantities are floored to the step size before the wire.
func TestPlaceOrderQuantizes(t *testing.T) {
	c, f := newTestClient(t)

	ack, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol:    "BTC-USDT",
		Side:           trade.Buy,
		Type:           Market,
		Quantity:       dec("0.06666"),
		ClientOrderTag: "ENTRY_sig_0",
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", ack.OrderID)
	assert.True(t, ack.ExecutedPrice.Equal(dec("30001.5")))

	assert.Equal(t, "0.066", f.lastOrder["quantity"])
	assert.Equal(t, "ENTRY_sig_0", f.lastOrder["newClientOrderId"])
	assert.NotEmpty(t, f.lastOrder["signature"])
	assert.NotEmpty(t, f.lastOrder["timestamp"])
}

// A post-quantization quantity below the venue minimum fails before any
// order request is sent.
func TestPlaceOrderBelowMinimumPreflight(t *testing.T) {
	c, f := newTestClient(t)

	_, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol: "BTCUSDT",
		Side:        trade.Buy,
		Type:        Market,
		Quantity:    dec("0.0004"), // floors to zero
	})
	require.Error(t, err)
	assert.True(t, trade.IsKind(err, trade.ErrBelowVenueMinimum), "got %v", err)
	assert.Zero(t, f.orderCalls)
}

func TestPlaceOrderBelowNotionalPreflight(t *testing.T) {
	c, f := newTestClient(t)

	// 0.001 * 100 = 0.1 < 5 min notional at the stop price.
	_, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol: "BTCUSDT",
		Side:        trade.Sell,
		Type:        StopMarket,
		Quantity:    dec("0.001"),
		StopPrice:   dec("100"),
	})
	require.Error(t, err)
	assert.True(t, trade.IsKind(err, trade.ErrBelowVenueMinimum))
	assert.Zero(t, f.orderCalls)
}

func TestPlaceOrderMapsClockDrift(t *testing.T) {
	c, f := newTestClient(t)
	f.orderStatus = http.StatusBadRequest
	f.orderBody = `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`

	_, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol: "BTCUSDT",
		Side:        trade.Buy,
		Type:        Market,
		Quantity:    dec("0.01"),
	})
	require.Error(t, err)
	assert.True(t, trade.IsKind(err, trade.ErrClockDrift), "got %v", err)
}

func TestPlaceOrderMapsDuplicateTag(t *testing.T) {
	c, f := newTestClient(t)
	f.orderStatus = http.StatusBadRequest
	f.orderBody = `{"code":-4116,"msg":"client order id duplicated"}`

	_, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol:    "BTCUSDT",
		Side:           trade.Buy,
		Type:           Market,
		Quantity:       dec("0.01"),
		ClientOrderTag: "ENTRY_sig_0",
	})
	require.Error(t, err)
	assert.True(t, trade.IsKind(err, trade.ErrDuplicateTag))
}

// The embedded TP/SL blocks travel with the entry order.
func TestPlaceOrderEmbeddedBlocks(t *testing.T) {
	c, f := newTestClient(t)

	_, err := c.PlaceOrder(context.Background(), OrderSpec{
		VenueSymbol:    "BTCUSDT",
		Side:           trade.Buy,
		PositionSide:   "LONG",
		Type:           Market,
		Quantity:       dec("0.066"),
		ClientOrderTag: "ENTRY_sig_0",
		EmbeddedTP:     &StopBlock{StopPrice: dec("30300")},
		EmbeddedSL:     &StopBlock{StopPrice: dec("29700")},
	})
	require.NoError(t, err)

	assert.Equal(t, "30300", f.lastOrder["takeProfitPrice"])
	assert.Equal(t, "29700", f.lastOrder["stopLossPrice"])
	assert.Equal(t, workingTypeMark, f.lastOrder["takeProfitWorkingType"])
	assert.Equal(t, "LONG", f.lastOrder["positionSide"])
}
