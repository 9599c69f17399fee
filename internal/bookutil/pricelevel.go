// Package bookutil holds the price-level primitives shared by every
// exchange-specific order book: decimal-backed prices/quantities and an
// ordered, unique-priced side of the book.
package bookutil

import "github.com/shopspring/decimal"

// PriceLevel is one row of a book side. Quantity zero means "delete this
// price" when it appears inside an update; it is never retained in a
// synced book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// NewPriceLevel builds a PriceLevel from already-parsed decimals.
func NewPriceLevel(price, quantity decimal.Decimal) PriceLevel {
	return PriceLevel{Price: price, Quantity: quantity}
}

// ParsePriceLevel parses the exchange-emitted decimal strings. Each
// decimal keeps the exponent it was parsed with, so its original
// fractional digits can be rendered again with StringFixed (the checksum
// and publish paths do this); decimal.Decimal's own String() drops
// trailing fractional zeros ("101.0" prints as "101").
func ParsePriceLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, err
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, err
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// IsDelete reports whether this level encodes a removal.
func (pl PriceLevel) IsDelete() bool {
	return pl.Quantity.Sign() <= 0
}
