// Package normalizer holds pure, stateless conversions: standardizing
// symbols and parsing exchange payload strings into decimal price
// levels without losing precision.
package normalizer

import (
	"strings"

	"github.com/sequex/marketdata-core/internal/bookutil"
	"github.com/sequex/marketdata-core/internal/orderbook"
)

// Symbol standardizes a raw exchange symbol to BASE-QUOTE form:
// BTCUSDT -> BTC-USDT (Binance, no separator) and
// BTC-USDT-SWAP -> BTC-USDT (OKX derivatives suffix stripped; the
// market-type label, not the symbol, carries that distinction).
func Symbol(exchange orderbook.Exchange, raw string) string {
	if exchange.IsOKX() {
		return strings.TrimSuffix(raw, "-SWAP")
	}
	return binanceSymbol(raw)
}

// binanceSymbol splits a concatenated Binance pair against the known
// quote assets, longest first so e.g. BUSD doesn't shadow USD.
func binanceSymbol(raw string) string {
	for _, quote := range []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB", "USD"} {
		if strings.HasSuffix(raw, quote) && len(raw) > len(quote) {
			base := raw[:len(raw)-len(quote)]
			return base + "-" + quote
		}
	}
	return raw
}

// Levels parses a slice of [price, quantity] string pairs (the wire
// shape every exchange uses for book levels) into PriceLevels,
// preserving the exchange's original decimal string form.
func Levels(raw [][2]string) ([]bookutil.PriceLevel, error) {
	out := make([]bookutil.PriceLevel, 0, len(raw))
	for _, pq := range raw {
		lvl, err := bookutil.ParsePriceLevel(pq[0], pq[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}
