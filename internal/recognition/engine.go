// Package recognition classifies inbound messages and extracts structured
// trade intents. Parsing is delegated to an LLM held to a strict JSON
// contract; schema validation is the boundary between untyped text and the
// typed core.
package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/signalbot/internal/trade"
)

// Extraction is the structured intent pulled out of an entry signal.
type Extraction struct {
	Asset           string
	Direction       trade.Direction
	Leverage        int
	EntryPrice      decimal.Decimal
	TPLevels        []decimal.Decimal
	StopLoss        decimal.Decimal
	SuggestedVolume decimal.Decimal
}

// Result is the engine's verdict on one message. Extracted is non-nil only
// for well-formed ENTRY signals; Raw preserves the model reply for audit.
type Result struct {
	IsSignal   bool
	Confidence float64
	Type       trade.SignalType
	Extracted  *Extraction
	Raw        string
}

// Engine is stateless and safe for concurrent use. It retains no message
// text beyond the call.
type Engine struct {
	http  *resty.Client
	model string
}

func NewEngine(baseURL, apiKey, model string, timeout time.Duration) *Engine {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")

	return &Engine{http: client, model: model}
}

// chat wire types for the completion endpoint.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// reply is the schema the model must produce. Numeric fields arrive as
// strings and survive coercion; anything else fails validation.
type reply struct {
	IsSignal        bool        `json:"is_signal"`
	Confidence      float64     `json:"confidence"`
	Type            string      `json:"type"`
	Asset           string      `json:"asset"`
	Direction       string      `json:"direction"`
	Leverage        json.Number `json:"leverage"`
	EntryPrice      string      `json:"entry_price"`
	TPLevels        []string    `json:"tp_levels"`
	StopLoss        string      `json:"stop_loss"`
	SuggestedVolume string      `json:"suggested_volume"`
}

// Recognize classifies one envelope. An ill-formed model reply (after one
// retry) degrades to a non-signal rather than an error: recognition noise
// must not fail the pipeline.
func (e *Engine) Recognize(ctx context.Context, env trade.Envelope) (Result, error) {
	var lastRaw string
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := e.complete(ctx, env)
		if err != nil {
			return Result{}, err
		}
		lastRaw = raw

		res, ok := e.validate(raw)
		if ok {
			return res, nil
		}
		log.Warn().Int("attempt", attempt+1).Str("channel", env.ChannelName).
			Msg("Schema-mismatched LLM reply, retrying")
	}

	log.Error().Str("channel", env.ChannelName).Msg("LLM reply failed schema validation after retry")
	return Result{IsSignal: false, Type: trade.TypeGeneral, Raw: lastRaw}, nil
}

func (e *Engine) complete(ctx context.Context, env trade.Envelope) (string, error) {
	req := chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Channel: %s\nTimestamp: %s\nMessage:\n%s",
				env.ChannelName, env.Timestamp.Format(time.RFC3339), env.Text)},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	var body chatResponse
	resp, err := e.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		Post("/chat/completions")
	if err != nil {
		return "", trade.WrapErr(trade.ErrTransient, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
			return "", trade.E(trade.ErrFatal, "LLM credentials rejected: %s", resp.String())
		}
		return "", trade.E(trade.ErrTransient, "LLM %d: %s", resp.StatusCode(), resp.String())
	}
	if len(body.Choices) == 0 {
		return "", trade.E(trade.ErrTransient, "LLM returned no choices")
	}
	return body.Choices[0].Message.Content, nil
}

// validate checks the reply against the schema and coerces values. Returns
// ok=false when the reply cannot be trusted.
func (e *Engine) validate(raw string) (Result, bool) {
	content := strings.TrimSpace(raw)
	// Some models wrap JSON in fences despite instructions; strip them
	// before giving up.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var r reply
	dec := json.NewDecoder(strings.NewReader(content))
	if err := dec.Decode(&r); err != nil {
		return Result{}, false
	}

	if r.Confidence < 0 || r.Confidence > 1 {
		return Result{}, false
	}

	sigType := trade.SignalType(strings.ToUpper(strings.TrimSpace(r.Type)))
	switch sigType {
	case trade.TypeEntry, trade.TypeUpdate, trade.TypeClose, trade.TypeGeneral:
	case "":
		sigType = trade.TypeGeneral
	default:
		return Result{}, false
	}

	res := Result{
		IsSignal:   r.IsSignal,
		Confidence: r.Confidence,
		Type:       sigType,
		Raw:        content,
	}

	if !r.IsSignal || sigType != trade.TypeEntry {
		return res, true
	}

	ext, ok := coerce(r)
	if !ok {
		// An entry claim without extractable fields is noise.
		res.IsSignal = false
		res.Type = trade.TypeGeneral
		return res, true
	}
	res.Extracted = ext
	return res, true
}

// coerce cleans extracted values: currency and leverage markers stripped,
// direction case-normalized, TP order preserved.
func coerce(r reply) (*Extraction, bool) {
	dir := trade.Direction(strings.ToUpper(strings.TrimSpace(r.Direction)))
	if !dir.Valid() {
		return nil, false
	}

	asset := strings.ToUpper(strings.TrimSpace(r.Asset))
	if asset == "" {
		return nil, false
	}

	entry, ok := parsePrice(r.EntryPrice)
	if !ok || entry.LessThanOrEqual(decimal.Zero) {
		return nil, false
	}

	sl, ok := parsePrice(r.StopLoss)
	if !ok || sl.LessThanOrEqual(decimal.Zero) {
		return nil, false
	}

	tps := make([]decimal.Decimal, 0, len(r.TPLevels))
	for _, level := range r.TPLevels {
		tp, ok := parsePrice(level)
		if !ok || tp.LessThanOrEqual(decimal.Zero) {
			continue
		}
		tps = append(tps, tp)
	}
	if len(tps) == 0 {
		return nil, false
	}

	lev := 0
	if r.Leverage != "" {
		if v, err := r.Leverage.Int64(); err == nil && v > 0 {
			lev = int(v)
		}
	}

	ext := &Extraction{
		Asset:      asset,
		Direction:  dir,
		Leverage:   lev,
		EntryPrice: entry,
		TPLevels:   tps,
		StopLoss:   sl,
	}
	if vol, ok := parsePrice(r.SuggestedVolume); ok {
		ext.SuggestedVolume = vol
	}
	return ext, true
}

// parsePrice strips currency symbols, thousands separators and leverage
// markers (x, X and the Cyrillic Х) before parsing.
func parsePrice(s string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return decimal.Zero, false
	}
	for _, junk := range []string{"$", "€", ",", " ", "x", "X", "х", "Х", "%", "USDT", "usdt"} {
		cleaned = strings.ReplaceAll(cleaned, junk, "")
	}
	if cleaned == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
