package manager

import (
	"testing"

	"github.com/sequex/marketdata-core/internal/orderbook"
)

func TestDecodeBinanceDepthFrame(t *testing.T) {
	raw := []byte(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":100,"u":110,"b":[["100.5","1.2"]],"a":[["101.0","0.5"]]}`)

	u, err := decodeFrame(orderbook.ExchangeBinanceSpot, raw)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if u.FirstUpdateID != 100 || u.FinalUpdateID != 110 {
		t.Fatalf("got U=%d u=%d, want 100/110", u.FirstUpdateID, u.FinalUpdateID)
	}
	if len(u.Bids) != 1 || u.Bids[0].Price.String() != "100.5" {
		t.Fatalf("unexpected bids: %+v", u.Bids)
	}
	if u.Timestamp != 1700000000000 {
		t.Fatalf("timestamp = %d, want event time", u.Timestamp)
	}
}

func TestDecodeBinanceCombinedStreamEnvelope(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@depth","data":{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[],"a":[]}}`)

	u, err := decodeFrame(orderbook.ExchangeBinanceSpot, raw)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if u.FirstUpdateID != 1 || u.FinalUpdateID != 2 {
		t.Fatalf("combined stream envelope not unwrapped: %+v", u)
	}
}

func TestDecodeOKXBooksUpdate(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"bids":[["30000.1","1.5","0","2"]],"asks":[["30001.0","1.2","0","1"]],"ts":"1700000000000","seqId":501,"prevSeqId":500,"checksum":-123456}]}`)

	u, err := decodeFrame(orderbook.ExchangeOKXSpot, raw)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if u.FinalUpdateID != 501 || u.PrevUpdateID != 500 {
		t.Fatalf("got seqId=%d prevSeqId=%d, want 501/500", u.FinalUpdateID, u.PrevUpdateID)
	}
	if u.Checksum == nil || *u.Checksum != -123456 {
		t.Fatalf("checksum not decoded: %+v", u.Checksum)
	}
	if len(u.Bids) != 1 || u.Bids[0].Price.String() != "30000.1" {
		t.Fatalf("unexpected bids: %+v", u.Bids)
	}
}

func TestDecodeOKXBooks5PushIsSnapshot(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"bids":[["30000.1","1.5","0","2"]],"asks":[["30001.0","1.2","0","1"]],"ts":"1700000000000"}]}`)

	u, err := decodeFrame(orderbook.ExchangeOKXSpot, raw)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if !u.IsOKXSnapshot() {
		t.Fatalf("books5 push should decode as a snapshot, got %+v", u)
	}
	if u.FinalUpdateID != 1700000000000 {
		t.Fatalf("FinalUpdateID = %d, want the ts anchor", u.FinalUpdateID)
	}
}

func TestOKXChannelForDepth(t *testing.T) {
	cases := map[int]string{0: "books", 5: "books5", 3: "books5", 6: "books", 400: "books"}
	for depth, want := range cases {
		if got := okxChannelFor(depth); got != want {
			t.Errorf("okxChannelFor(%d) = %q, want %q", depth, got, want)
		}
	}
}

func TestOKXSubscribeFrameCarriesChannel(t *testing.T) {
	frame := string(okxSubscribeFrame("subscribe", "books5", "BTC-USDT"))
	want := `{"op":"subscribe","args":[{"channel":"books5","instId":"BTC-USDT"}]}`
	if frame != want {
		t.Fatalf("subscribe frame = %s, want %s", frame, want)
	}
}

func TestDecodeOKXSkipsNonDataEvents(t *testing.T) {
	raw := []byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"}}`)
	if _, err := decodeFrame(orderbook.ExchangeOKXSpot, raw); err != ErrSkipFrame {
		t.Fatalf("expected ErrSkipFrame for event ack, got %v", err)
	}
}

func TestDecodeOKXSkipsTextPong(t *testing.T) {
	if _, err := decodeFrame(orderbook.ExchangeOKXSpot, []byte("pong")); err != ErrSkipFrame {
		t.Fatalf("expected ErrSkipFrame for bare text pong, got %v", err)
	}
}

func TestDecodeBinanceRejectsMalformedFrame(t *testing.T) {
	if _, err := decodeFrame(orderbook.ExchangeBinanceSpot, []byte(`not json`)); err == nil {
		t.Fatal("expected decode error for malformed frame")
	}
}
