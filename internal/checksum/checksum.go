// Package checksum implements OKX's CRC32 order-book checksum: the
// top-25 levels of each side interleaved into a colon-joined string and
// hashed, with the result compared as a signed 32-bit integer.
package checksum

import (
	"hash/crc32"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sequex/marketdata-core/internal/bookutil"
)

// Depth is the number of levels per side folded into the checksum
// string.
const Depth = 25

// Build assembles the `:`-joined checksum string from the top-25 bids
// (best first) and top-25 asks (best first): interleaved
// bid_price:bid_qty:ask_price:ask_qty rows up to min(Depth, len(bids),
// len(asks)), then any remaining rows from the longer side appended.
func Build(bids, asks []bookutil.PriceLevel) string {
	if len(bids) > Depth {
		bids = bids[:Depth]
	}
	if len(asks) > Depth {
		asks = asks[:Depth]
	}

	n := len(bids)
	if len(asks) < n {
		n = len(asks)
	}

	tokens := make([]string, 0, (len(bids)+len(asks))*2)
	for i := 0; i < n; i++ {
		tokens = append(tokens, token(bids[i].Price), token(bids[i].Quantity), token(asks[i].Price), token(asks[i].Quantity))
	}
	for i := n; i < len(bids); i++ {
		tokens = append(tokens, token(bids[i].Price), token(bids[i].Quantity))
	}
	for i := n; i < len(asks); i++ {
		tokens = append(tokens, token(asks[i].Price), token(asks[i].Quantity))
	}

	return strings.Join(tokens, ":")
}

// token renders d with exactly the fractional digits it was parsed with
// ("30001.0" stays "30001.0"); decimal.Decimal's String() drops trailing
// fractional zeros, which would change the checksum string.
func token(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}
	return d.String()
}

// Compute returns the CRC32 (IEEE) of the checksum string over its
// UTF-8 bytes, reinterpreted as a signed int32 the way OKX reports it.
func Compute(bids, asks []bookutil.PriceLevel) int32 {
	sum := crc32.ChecksumIEEE([]byte(Build(bids, asks)))
	return int32(sum)
}

// Validate reports whether received matches the book's computed
// checksum.
func Validate(bids, asks []bookutil.PriceLevel, received int32) bool {
	return Compute(bids, asks) == received
}
