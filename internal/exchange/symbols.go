package exchange

import (
	"strings"
	"sync"

	"github.com/web3guy0/signalbot/internal/trade"
)

// quoteAssets are the quote currencies recognized when a symbol arrives
// without a separator.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

// Canonicalize normalizes "BASE-QUOTE", "BASE_QUOTE" and "BASEQUOTE" spellings
// to the venue form "BASEQUOTE". A bare asset name gets the default USDT
// quote. The venue itself is the authority on whether the result exists.
func Canonicalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", trade.E(trade.ErrUnknownSymbol, "empty symbol")
	}

	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "/", "")

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s, nil
		}
	}

	// Bare asset like "BTC": default to the USDT perpetual.
	return s + "USDT", nil
}

// symbolCache holds SymbolInfo fetched from the venue. Entries are
// invalidated explicitly when symbol metadata changes.
type symbolCache struct {
	mu    sync.RWMutex
	infos map[string]SymbolInfo
}

func newSymbolCache() *symbolCache {
	return &symbolCache{infos: make(map[string]SymbolInfo)}
}

func (c *symbolCache) get(symbol string) (SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.infos[symbol]
	return info, ok
}

func (c *symbolCache) put(info SymbolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos[info.Symbol] = info
}

func (c *symbolCache) invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.infos, symbol)
}

func (c *symbolCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = make(map[string]SymbolInfo)
}
