package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MarkPriceStream keeps a live map of mark prices over the venue's combined
// mark-price WebSocket feed. The reconciler uses it as the best-effort
// reference when a position disappears from the venue between REST polls.
type MarkPriceStream struct {
	wsURL string

	mu     sync.RWMutex
	prices map[string]markPoint

	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

type markPoint struct {
	price decimal.Decimal
	at    time.Time
}

type markPriceEvent struct {
	Event  string          `json:"e"`
	Symbol string          `json:"s"`
	Price  decimal.Decimal `json:"p,string"`
}

func NewMarkPriceStream(wsURL string) *MarkPriceStream {
	return &MarkPriceStream{
		wsURL:  wsURL,
		prices: make(map[string]markPoint),
		stopCh: make(chan struct{}),
	}
}

// Start connects and begins streaming. Reconnects with a short delay until
// Stop is called.
func (m *MarkPriceStream) Start() {
	m.running = true
	go m.run()
	log.Info().Msg("Mark price stream started")
}

// Stop closes the stream.
func (m *MarkPriceStream) Stop() {
	m.running = false
	close(m.stopCh)
	if m.conn != nil {
		m.conn.Close()
	}
}

// Mark returns the last seen mark price for a symbol and whether one is
// known and fresh enough to rely on.
func (m *MarkPriceStream) Mark(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.prices[strings.ToUpper(symbol)]
	if !ok || time.Since(p.at) > 2*time.Minute {
		return decimal.Zero, false
	}
	return p.price, true
}

func (m *MarkPriceStream) run() {
	for m.running {
		if err := m.connect(); err != nil {
			log.Error().Err(err).Msg("Mark price stream connect failed")
			time.Sleep(5 * time.Second)
			continue
		}

		m.readMessages()

		if m.running {
			log.Warn().Msg("Mark price stream disconnected, reconnecting...")
			time.Sleep(time.Second)
		}
	}
}

func (m *MarkPriceStream) connect() error {
	url := fmt.Sprintf("%s/!markPrice@arr@1s", m.wsURL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	m.conn = conn
	log.Info().Str("url", url).Msg("Mark price stream connected")
	return nil
}

func (m *MarkPriceStream) readMessages() {
	for m.running {
		_, message, err := m.conn.ReadMessage()
		if err != nil {
			if m.running {
				log.Error().Err(err).Msg("Mark price stream read error")
			}
			return
		}

		var events []markPriceEvent
		if err := json.Unmarshal(message, &events); err != nil {
			continue
		}

		now := time.Now()
		m.mu.Lock()
		for _, ev := range events {
			if ev.Event != "markPriceUpdate" || ev.Symbol == "" {
				continue
			}
			m.prices[ev.Symbol] = markPoint{price: ev.Price, at: now}
		}
		m.mu.Unlock()
	}
}
