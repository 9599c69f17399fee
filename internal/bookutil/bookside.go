package bookutil

import (
	"errors"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"
)

// ErrEmptySide is returned by Best when a side has no levels.
var ErrEmptySide = errors.New("bookutil: side has no levels")

func decimalComparator(a, b any) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// BookSide is one side (bid or ask) of an order book: a price-ordered,
// unique-priced map of price -> quantity backed by a red-black tree, so
// depth stays sorted without a full re-sort on every update.
type BookSide struct {
	levels     *treemap.Map
	descending bool // true for bids (best = max), false for asks (best = min)
}

// NewBookSide creates an empty side. descending=true yields bid ordering
// (best price first when descending), descending=false yields ask
// ordering (best price first when ascending).
func NewBookSide(descending bool) *BookSide {
	return &BookSide{
		levels:     treemap.NewWith(decimalComparator),
		descending: descending,
	}
}

// Len returns the number of distinct prices currently held.
func (s *BookSide) Len() int {
	return s.levels.Size()
}

// Best returns the best (innermost) price level: max for bids, min for asks.
func (s *BookSide) Best() (PriceLevel, error) {
	if s.levels.Empty() {
		return PriceLevel{}, ErrEmptySide
	}
	var price, qty any
	if s.descending {
		price, qty = s.levels.Max()
	} else {
		price, qty = s.levels.Min()
	}
	return NewPriceLevel(price.(decimal.Decimal), qty.(decimal.Decimal)), nil
}

// ApplyDiff mutates the side in place: zero-quantity levels remove
// their price, non-zero levels set/replace it. Non-positive quantities
// are never inserted.
func (s *BookSide) ApplyDiff(levels []PriceLevel) {
	for _, lvl := range levels {
		if lvl.IsDelete() {
			s.levels.Remove(lvl.Price)
			continue
		}
		s.levels.Put(lvl.Price, lvl.Quantity)
	}
}

// ApplySnapshot replaces the entire side with levels, discarding anything
// with non-positive quantity.
func (s *BookSide) ApplySnapshot(levels []PriceLevel) {
	s.levels.Clear()
	for _, lvl := range levels {
		if lvl.IsDelete() {
			continue
		}
		s.levels.Put(lvl.Price, lvl.Quantity)
	}
}

// Top returns up to depth levels ordered from best to worst.
func (s *BookSide) Top(depth int) []PriceLevel {
	if depth < 0 {
		depth = 0
	}
	out := make([]PriceLevel, 0, depth)
	it := s.levels.Iterator()
	if s.descending {
		it.End()
		for it.Prev() && len(out) < depth {
			out = append(out, NewPriceLevel(it.Key().(decimal.Decimal), it.Value().(decimal.Decimal)))
		}
	} else {
		for it.Next() && len(out) < depth {
			out = append(out, NewPriceLevel(it.Key().(decimal.Decimal), it.Value().(decimal.Decimal)))
		}
	}
	return out
}

// All returns every level, best to worst. Used for checksum computation
// and full-depth publication.
func (s *BookSide) All() []PriceLevel {
	return s.Top(s.levels.Size())
}

// Clone returns an independent copy suitable for copy-on-publish reads.
func (s *BookSide) Clone() *BookSide {
	clone := NewBookSide(s.descending)
	it := s.levels.Iterator()
	for it.Next() {
		clone.levels.Put(it.Key(), it.Value())
	}
	return clone
}
