package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/internal/trade"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeLLM serves canned chat-completion replies in arrival order.
func fakeLLM(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		reply := replies[len(replies)-1]
		if i < len(replies) {
			reply = replies[i]
		}
		i++
		content, _ := json.Marshal(reply)
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`, content)
	}))
}

func newTestEngine(t *testing.T, replies ...string) *Engine {
	srv := fakeLLM(t, replies...)
	t.Cleanup(srv.Close)
	return NewEngine(srv.URL, "test-key", "test-model", 5*time.Second)
}

func env(text string) trade.Envelope {
	return trade.Envelope{
		ExternalChannelID: "-100123",
		MessageID:         1,
		Timestamp:         time.Now(),
		Text:              text,
		ChannelName:       "alpha-calls",
	}
}

func TestRecognizeEntrySignal(t *testing.T) {
	e := newTestEngine(t, `{
		"is_signal": true,
		"confidence": 0.93,
		"type": "ENTRY",
		"asset": "btc",
		"direction": "long",
		"leverage": 10,
		"entry_price": "30000",
		"tp_levels": ["30300", "30600", "31000"],
		"stop_loss": "29700",
		"suggested_volume": ""
	}`)

	res, err := e.Recognize(context.Background(), env("Монета: BTC LONG Х10 Вход: 30000"))
	require.NoError(t, err)

	assert.True(t, res.IsSignal)
	assert.Equal(t, trade.TypeEntry, res.Type)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)

	ext := res.Extracted
	require.NotNil(t, ext)
	assert.Equal(t, "BTC", ext.Asset)
	assert.Equal(t, trade.Long, ext.Direction)
	assert.Equal(t, 10, ext.Leverage)
	assert.True(t, ext.EntryPrice.Equal(dec("30000")))
	assert.True(t, ext.StopLoss.Equal(dec("29700")))
	require.Len(t, ext.TPLevels, 3)
	// Author order preserved.
	assert.True(t, ext.TPLevels[0].Equal(dec("30300")))
	assert.True(t, ext.TPLevels[2].Equal(dec("31000")))
}

func TestRecognizeCoercesMarkers(t *testing.T) {
	e := newTestEngine(t, `{
		"is_signal": true,
		"confidence": 0.9,
		"type": "ENTRY",
		"asset": "ETH",
		"direction": "SHORT",
		"leverage": 20,
		"entry_price": "$2,400.50",
		"tp_levels": ["2 350", "$2300"],
		"stop_loss": "2450 USDT",
		"suggested_volume": "100$"
	}`)

	res, err := e.Recognize(context.Background(), env("ETH short"))
	require.NoError(t, err)
	require.NotNil(t, res.Extracted)

	assert.True(t, res.Extracted.EntryPrice.Equal(dec("2400.50")))
	assert.True(t, res.Extracted.TPLevels[0].Equal(dec("2350")))
	assert.True(t, res.Extracted.StopLoss.Equal(dec("2450")))
	assert.True(t, res.Extracted.SuggestedVolume.Equal(dec("100")))
}

func TestRecognizeNonSignal(t *testing.T) {
	e := newTestEngine(t, `{"is_signal": false, "confidence": 0.2, "type": "GENERAL"}`)

	res, err := e.Recognize(context.Background(), env("gm everyone"))
	require.NoError(t, err)
	assert.False(t, res.IsSignal)
	assert.Equal(t, trade.TypeGeneral, res.Type)
	assert.Nil(t, res.Extracted)
}

// Prose replies fail schema validation; after the retry also fails the
// message degrades to a non-signal instead of an error.
func TestRecognizeIllFormedReply(t *testing.T) {
	e := newTestEngine(t,
		"Sure! Here is the analysis you asked for.",
		"Still not JSON.",
	)

	res, err := e.Recognize(context.Background(), env("random text"))
	require.NoError(t, err)
	assert.False(t, res.IsSignal)
}

// A fenced JSON reply survives validation despite the markdown wrapper.
func TestRecognizeFencedJSON(t *testing.T) {
	e := newTestEngine(t, "```json\n{\"is_signal\": false, \"confidence\": 0.1, \"type\": \"GENERAL\"}\n```")

	res, err := e.Recognize(context.Background(), env("hello"))
	require.NoError(t, err)
	assert.False(t, res.IsSignal)
	assert.Equal(t, trade.TypeGeneral, res.Type)
}

// An entry claim with no extractable fields is noise, not a signal.
func TestRecognizeEntryWithoutFields(t *testing.T) {
	e := newTestEngine(t, `{
		"is_signal": true,
		"confidence": 0.85,
		"type": "ENTRY",
		"asset": "",
		"direction": "",
		"entry_price": "",
		"tp_levels": [],
		"stop_loss": ""
	}`)

	res, err := e.Recognize(context.Background(), env("buy something"))
	require.NoError(t, err)
	assert.False(t, res.IsSignal)
	assert.Nil(t, res.Extracted)
}

func TestValidateRejectsOutOfRangeConfidence(t *testing.T) {
	e := &Engine{}
	_, ok := e.validate(`{"is_signal": true, "confidence": 1.7, "type": "ENTRY"}`)
	assert.False(t, ok)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"30000", "30000", true},
		{"х10", "10", true}, // Cyrillic leverage marker
		{"X25", "25", true},
		{"$1,234.5", "1234.5", true},
		{"", "0", false},
		{"abc", "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parsePrice(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.Equal(dec(tt.want)), "got %s", got)
			}
		})
	}
}
