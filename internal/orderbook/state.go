package orderbook

import (
	"errors"
	"sync"
	"time"

	"github.com/sequex/marketdata-core/internal/bookutil"
)

// ErrBufferOverflow is returned (and only logged, never fatal) when the
// pre-sync update buffer is full and the oldest entry had to be dropped.
var ErrBufferOverflow = errors.New("orderbook: update buffer overflow, oldest entry dropped")

// DefaultBufferLimit bounds the pre-sync update buffer: oldest dropped
// on overflow.
const DefaultBufferLimit = 10_000

// OrderBookState is the single per-symbol mutable record. It is owned
// by exactly one manager worker, but also carries its own mutex so
// periodic reconciliation or an externally triggered resync can touch
// it safely without racing the worker.
type OrderBookState struct {
	Key BookKey

	mu sync.Mutex

	bids *bookutil.BookSide
	asks *bookutil.BookSide

	IsSynced       bool
	SyncInProgress bool

	LastUpdateID         int64
	LastSeqID            int64 // OKX
	FirstUpdateID        int64
	LastPrevUpdateID     int64 // last applied update's pu (Binance derivatives) / prevSeqId (OKX)
	SnapshotLastUpdateID int64

	UpdateBuffer []Update
	BufferLimit  int

	ErrorCount                int
	RetryCount                int
	ConsecutiveSequenceErrors int
	MaintenanceResets         int

	LastSnapshotTime time.Time
	LastUpdateTime   time.Time
}

// NewOrderBookState creates an unsynced state ready to buffer pre-sync
// updates. bufferLimit<=0 uses DefaultBufferLimit.
func NewOrderBookState(key BookKey, bufferLimit int) *OrderBookState {
	if bufferLimit <= 0 {
		bufferLimit = DefaultBufferLimit
	}
	return &OrderBookState{
		Key:         key,
		bids:        bookutil.NewBookSide(true),
		asks:        bookutil.NewBookSide(false),
		BufferLimit: bufferLimit,
	}
}

// Lock/Unlock expose the per-symbol mutex to callers (the manager's
// worker and periodic reconciliation task) that need to perform a
// multi-step operation atomically relative to each other.
func (s *OrderBookState) Lock()   { s.mu.Lock() }
func (s *OrderBookState) Unlock() { s.mu.Unlock() }

// BufferUpdate appends a raw update to the pre-sync FIFO, dropping the
// oldest entry on overflow. Returns ErrBufferOverflow when a drop
// occurred so the caller can log/count it.
func (s *OrderBookState) BufferUpdate(u Update) error {
	if len(s.UpdateBuffer) == 0 {
		s.FirstUpdateID = u.FirstUpdateID
	}
	var err error
	if len(s.UpdateBuffer) >= s.BufferLimit {
		s.UpdateBuffer = s.UpdateBuffer[1:]
		err = ErrBufferOverflow
	}
	s.UpdateBuffer = append(s.UpdateBuffer, u)
	return err
}

// ClearBuffer discards every buffered pre-sync update.
func (s *OrderBookState) ClearBuffer() {
	s.UpdateBuffer = nil
}

// ApplySnapshot installs a fresh full-depth book, replacing whatever
// was there.
func (s *OrderBookState) ApplySnapshot(bids, asks []bookutil.PriceLevel, lastUpdateID int64, ts time.Time) {
	s.bids.ApplySnapshot(bids)
	s.asks.ApplySnapshot(asks)
	s.LastUpdateID = lastUpdateID
	s.SnapshotLastUpdateID = lastUpdateID
	s.LastSeqID = lastUpdateID
	s.IsSynced = true
	s.SyncInProgress = false
	s.ConsecutiveSequenceErrors = 0
	s.LastSnapshotTime = ts
	s.LastUpdateTime = ts
}

// ApplyUpdate mutates the local book in place: diff each side (the tree
// keeps order structurally, non-positive quantities are dropped), bump
// LastUpdateID and the timestamp. Callers must have validated
// sequencing already; ApplyUpdate never rejects an update, it only
// mutates the book.
func (s *OrderBookState) ApplyUpdate(u Update, newLastUpdateID int64, ts int64) {
	s.bids.ApplyDiff(u.Bids)
	s.asks.ApplyDiff(u.Asks)
	s.LastUpdateID = newLastUpdateID
	s.LastPrevUpdateID = u.PrevUpdateID
	s.LastUpdateTime = time.UnixMilli(ts)
}

// ResetForResync drops the local book and every per-session counter
// that must start fresh. The update buffer is left to the caller's
// policy (some callers retain it, most clear it).
func (s *OrderBookState) ResetForResync() {
	s.IsSynced = false
	s.SyncInProgress = true
	s.bids = bookutil.NewBookSide(true)
	s.asks = bookutil.NewBookSide(false)
	s.LastUpdateID = 0
	s.LastSeqID = 0
	s.ConsecutiveSequenceErrors = 0
}

// View returns an immutable, depth-truncated copy suitable for
// publication or local validation, without holding the state's mutex.
func (s *OrderBookState) View(depth int) EnhancedOrderBook {
	return EnhancedOrderBook{
		Exchange:      s.Key.Exchange,
		MarketType:    s.Key.MarketType,
		Symbol:        s.Key.Symbol,
		Bids:          s.bids.Top(depth),
		Asks:          s.asks.Top(depth),
		LastUpdateID:  s.LastUpdateID,
		FirstUpdateID: s.FirstUpdateID,
		PrevUpdateID:  s.LastPrevUpdateID,
		Timestamp:     s.LastUpdateTime.UnixMilli(),
		UpdateType:    UpdateTypeUpdate,
	}
}

// FullBids/FullAsks expose the full-depth sides for checksum computation
// and periodic cross-validation, which need more than the truncated
// publication depth.
func (s *OrderBookState) FullBids() []bookutil.PriceLevel { return s.bids.All() }
func (s *OrderBookState) FullAsks() []bookutil.PriceLevel { return s.asks.All() }

// BestBid/BestAsk expose the innermost level of each side.
func (s *OrderBookState) BestBid() (bookutil.PriceLevel, error) { return s.bids.Best() }
func (s *OrderBookState) BestAsk() (bookutil.PriceLevel, error) { return s.asks.Best() }
