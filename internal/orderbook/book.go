package orderbook

import (
	"fmt"

	"github.com/sequex/marketdata-core/internal/bookutil"
)

// EnhancedOrderBook is an immutable view of a synced book, safe to hand
// to a publisher or test without holding the owning OrderBookState's
// lock.
type EnhancedOrderBook struct {
	Exchange      Exchange              `json:"exchange_name"`
	MarketType    MarketType            `json:"market_type"`
	Symbol        string                `json:"symbol"`
	Bids          []bookutil.PriceLevel `json:"bids"`
	Asks          []bookutil.PriceLevel `json:"asks"`
	LastUpdateID  int64                 `json:"last_update_id"`
	FirstUpdateID int64                 `json:"first_update_id"`
	PrevUpdateID  int64                 `json:"prev_update_id"`
	Timestamp     int64                 `json:"timestamp"`
	UpdateType    UpdateType            `json:"update_type"`
	Checksum      *int32                `json:"checksum,omitempty"`
}

// DepthLevels is |bids|+|asks|, computed rather than stored so it can
// never drift from the actual slices.
func (b EnhancedOrderBook) DepthLevels() int {
	return len(b.Bids) + len(b.Asks)
}

// errInvalid describes one invariant violation found by Validate.
type errInvalid struct {
	reason string
}

func (e *errInvalid) Error() string { return "orderbook invalid: " + e.reason }

// Validate checks the invariants any synced book must hold: strictly
// ordered unique-priced sides, no zero-quantity levels, and best bid <
// best ask.
func (b EnhancedOrderBook) Validate() error {
	if err := validateSide(b.Bids, true); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := validateSide(b.Asks, false); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 {
		if !b.Bids[0].Price.LessThan(b.Asks[0].Price) {
			return &errInvalid{reason: fmt.Sprintf("best bid %s not less than best ask %s", b.Bids[0].Price, b.Asks[0].Price)}
		}
	}
	return nil
}

func validateSide(levels []bookutil.PriceLevel, descending bool) error {
	for i, lvl := range levels {
		if lvl.Quantity.Sign() <= 0 {
			return &errInvalid{reason: fmt.Sprintf("level %d has non-positive quantity %s", i, lvl.Quantity)}
		}
		if lvl.Price.Sign() <= 0 {
			return &errInvalid{reason: fmt.Sprintf("level %d has non-positive price %s", i, lvl.Price)}
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if descending && !prev.Price.GreaterThan(lvl.Price) {
			return &errInvalid{reason: fmt.Sprintf("bids not strictly descending at %d: %s <= %s", i, prev.Price, lvl.Price)}
		}
		if !descending && !lvl.Price.GreaterThan(prev.Price) {
			return &errInvalid{reason: fmt.Sprintf("asks not strictly ascending at %d: %s <= %s", i, lvl.Price, prev.Price)}
		}
	}
	return nil
}
