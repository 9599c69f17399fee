package orderbook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sequex/marketdata-core/internal/bookutil"
)

func lvl(t *testing.T, price, qty string) bookutil.PriceLevel {
	t.Helper()
	pl, err := bookutil.ParsePriceLevel(price, qty)
	if err != nil {
		t.Fatalf("ParsePriceLevel: %v", err)
	}
	return pl
}

func testKey() BookKey {
	return BookKey{Exchange: ExchangeBinanceSpot, MarketType: MarketSpot, Symbol: "BTC-USDT"}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	bids := []bookutil.PriceLevel{lvl(t, "100", "1"), lvl(t, "99", "2")}
	asks := []bookutil.PriceLevel{lvl(t, "101", "1"), lvl(t, "102", "2")}

	s1 := NewOrderBookState(testKey(), 0)
	s1.ApplySnapshot(bids, asks, 42, time.UnixMilli(1000))
	view1 := s1.View(10)

	s2 := NewOrderBookState(testKey(), 0)
	s2.ApplySnapshot(bids, asks, 42, time.UnixMilli(1000))
	s2.ApplySnapshot(bids, asks, 42, time.UnixMilli(1000))
	view2 := s2.View(10)

	if len(view1.Bids) != len(view2.Bids) || len(view1.Asks) != len(view2.Asks) {
		t.Fatalf("snapshot application is not idempotent: %+v vs %+v", view1, view2)
	}
	for i := range view1.Bids {
		if !view1.Bids[i].Price.Equal(view2.Bids[i].Price) || !view1.Bids[i].Quantity.Equal(view2.Bids[i].Quantity) {
			t.Fatalf("bid level %d differs: %+v vs %+v", i, view1.Bids[i], view2.Bids[i])
		}
	}
	if view1.LastUpdateID != view2.LastUpdateID {
		t.Fatalf("last_update_id differs: %d vs %d", view1.LastUpdateID, view2.LastUpdateID)
	}
}

func TestInvariantsHoldAfterUpdates(t *testing.T) {
	s := NewOrderBookState(testKey(), 0)
	s.ApplySnapshot(
		[]bookutil.PriceLevel{lvl(t, "100", "1"), lvl(t, "99", "2")},
		[]bookutil.PriceLevel{lvl(t, "101", "1"), lvl(t, "102", "2")},
		1, time.UnixMilli(1000),
	)

	s.ApplyUpdate(Update{
		Bids: []bookutil.PriceLevel{lvl(t, "100.5", "3"), lvl(t, "99", "0")},
		Asks: []bookutil.PriceLevel{lvl(t, "101", "0")},
	}, 2, 2000)

	view := s.View(10)
	if err := view.Validate(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
	best, _ := s.BestBid()
	if best.Price.String() != "100.5" {
		t.Errorf("best bid = %s, want 100.5", best.Price.String())
	}
}

func TestRoundTripSerialization(t *testing.T) {
	s := NewOrderBookState(testKey(), 0)
	s.ApplySnapshot(
		[]bookutil.PriceLevel{lvl(t, "100.10", "1.5")},
		[]bookutil.PriceLevel{lvl(t, "100.20", "2.25")},
		7, time.UnixMilli(5000),
	)
	view := s.View(10)

	data, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var roundTripped EnhancedOrderBook
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if roundTripped.Bids[0].Price.String() != "100.10" && roundTripped.Bids[0].Price.String() != "100.1" {
		t.Errorf("bid price round-trip mismatch: %s", roundTripped.Bids[0].Price.String())
	}
	if !roundTripped.Bids[0].Price.Equal(view.Bids[0].Price) {
		t.Errorf("bid price decimal value mismatch: %s vs %s", roundTripped.Bids[0].Price, view.Bids[0].Price)
	}
	if !roundTripped.Asks[0].Quantity.Equal(view.Asks[0].Quantity) {
		t.Errorf("ask quantity mismatch: %s vs %s", roundTripped.Asks[0].Quantity, view.Asks[0].Quantity)
	}
	if roundTripped.LastUpdateID != view.LastUpdateID {
		t.Errorf("last_update_id mismatch: %d vs %d", roundTripped.LastUpdateID, view.LastUpdateID)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	s := NewOrderBookState(testKey(), 2)
	_ = s.BufferUpdate(Update{FirstUpdateID: 1})
	_ = s.BufferUpdate(Update{FirstUpdateID: 2})
	if err := s.BufferUpdate(Update{FirstUpdateID: 3}); err != ErrBufferOverflow {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
	if len(s.UpdateBuffer) != 2 {
		t.Fatalf("buffer should stay bounded at 2, got %d", len(s.UpdateBuffer))
	}
	if s.UpdateBuffer[0].FirstUpdateID != 2 {
		t.Fatalf("oldest entry should have been dropped, got first=%d", s.UpdateBuffer[0].FirstUpdateID)
	}
}

func TestResetForResyncClearsBookNotCounters(t *testing.T) {
	s := NewOrderBookState(testKey(), 0)
	s.ApplySnapshot([]bookutil.PriceLevel{lvl(t, "100", "1")}, []bookutil.PriceLevel{lvl(t, "101", "1")}, 5, time.UnixMilli(1))
	s.RetryCount = 2
	s.ResetForResync()

	if s.IsSynced {
		t.Fatal("expected IsSynced=false after reset")
	}
	if !s.SyncInProgress {
		t.Fatal("expected SyncInProgress=true after reset")
	}
	if s.bids.Len() != 0 || s.asks.Len() != 0 {
		t.Fatal("expected book cleared after reset")
	}
	if s.RetryCount != 2 {
		t.Fatalf("RetryCount should survive a resync reset, got %d", s.RetryCount)
	}
}
