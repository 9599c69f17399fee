// decode.go turns one raw WS text frame into a canonical
// orderbook.Update, unmarshaling into typed frame structs rather than
// walking a map[string]any.
package manager

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sequex/marketdata-core/internal/bookutil"
	"github.com/sequex/marketdata-core/internal/normalizer"
	"github.com/sequex/marketdata-core/internal/orderbook"
)

// ErrSkipFrame signals a frame that decodeFrame recognized but that
// carries no book data (OKX event acks, pongs, subscribe confirmations).
// The caller should drop it silently rather than treat it as a decode
// failure.
var ErrSkipFrame = errors.New("manager: frame carries no book data")

// binanceDepthFrame matches the `depthUpdate` event fields shared by
// the spot and USD-M futures diff streams; `pu` is simply absent (zero
// value) on spot frames.
type binanceDepthFrame struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	FirstID   int64       `json:"U"`
	FinalID   int64       `json:"u"`
	PrevFinal int64       `json:"pu"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// combinedStreamEnvelope unwraps Binance's combined-stream wrapper
// ({"stream":"...","data":{...}}), used when multiple symbols share one
// connection.
type combinedStreamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func decodeBinance(raw []byte) (orderbook.Update, error) {
	payload := raw
	var env combinedStreamEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 && env.Stream != "" {
		payload = env.Data
	}

	var f binanceDepthFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return orderbook.Update{}, fmt.Errorf("decode binance frame: %w", err)
	}
	if f.EventType != "" && f.EventType != "depthUpdate" {
		return orderbook.Update{}, fmt.Errorf("decode binance frame: unexpected event type %q", f.EventType)
	}

	bids, err := normalizer.Levels(f.Bids)
	if err != nil {
		return orderbook.Update{}, fmt.Errorf("decode binance bids: %w", err)
	}
	asks, err := normalizer.Levels(f.Asks)
	if err != nil {
		return orderbook.Update{}, fmt.Errorf("decode binance asks: %w", err)
	}

	return orderbook.Update{
		FirstUpdateID: f.FirstID,
		FinalUpdateID: f.FinalID,
		PrevUpdateID:  f.PrevFinal,
		Bids:          bids,
		Asks:          asks,
		Timestamp:     f.EventTime,
	}, nil
}

// okxChannelArg identifies the subscribed channel/instrument a books
// message belongs to.
type okxChannelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// okxBooksRow is one element of an OKX `books` push's `data` array.
type okxBooksRow struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  *int32     `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

// okxPushMessage is the envelope OKX wraps every `books` channel push
// in: {"arg":{...},"action":"snapshot"|"update","data":[...]}.
type okxPushMessage struct {
	Arg    okxChannelArg `json:"arg"`
	Action string        `json:"action"`
	Event  string        `json:"event"`
	Data   []okxBooksRow `json:"data"`
}

func decodeOKX(raw []byte) (orderbook.Update, error) {
	var msg okxPushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return orderbook.Update{}, fmt.Errorf("decode okx frame: %w", err)
	}
	if msg.Event != "" {
		return orderbook.Update{}, ErrSkipFrame
	}
	if len(msg.Data) == 0 {
		return orderbook.Update{}, fmt.Errorf("decode okx frame: empty data array")
	}

	row := msg.Data[0]
	bids, err := okxLevels(row.Bids)
	if err != nil {
		return orderbook.Update{}, fmt.Errorf("decode okx bids: %w", err)
	}
	asks, err := okxLevels(row.Asks)
	if err != nil {
		return orderbook.Update{}, fmt.Errorf("decode okx asks: %w", err)
	}

	ts := parseMillis(row.Ts)
	action := msg.Action
	seqID := row.SeqID
	if msg.Arg.Channel == "books5" {
		// books5 carries no action or sequence fields; every push is a
		// full top-5 snapshot, anchored on its timestamp.
		action = string(orderbook.UpdateTypeSnapshot)
		if seqID == 0 {
			seqID = ts
		}
	}
	return orderbook.Update{
		FinalUpdateID: seqID,
		PrevUpdateID:  row.PrevSeqID,
		Action:        action,
		Bids:          bids,
		Asks:          asks,
		Timestamp:     ts,
		Checksum:      row.Checksum,
	}, nil
}

// okxLevels parses OKX's 4-tuple [price, qty, liquidated, orderCount]
// book rows, keeping only the first two fields.
func okxLevels(rows [][]string) ([]bookutil.PriceLevel, error) {
	out := make([]bookutil.PriceLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			return nil, fmt.Errorf("malformed okx book row: %v", r)
		}
		lvl, err := bookutil.ParsePriceLevel(r[0], r[1])
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

func parseMillis(s string) int64 {
	var ms int64
	_, _ = fmt.Sscanf(s, "%d", &ms)
	return ms
}

// decodeFrame dispatches to the exchange-specific decoder. OKX also
// sends bare {"event":"subscribe",...} and pong frames the caller
// should silently skip rather than treat as a parse error; ErrSkipFrame
// signals that.
func decodeFrame(exchange orderbook.Exchange, raw []byte) (orderbook.Update, error) {
	if exchange.IsOKX() {
		if len(raw) > 0 && raw[0] != '{' {
			return orderbook.Update{}, ErrSkipFrame // e.g. OKX's literal "pong" text frame
		}
		return decodeOKX(raw)
	}
	return decodeBinance(raw)
}
