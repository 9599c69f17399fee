package orderbook

import "github.com/sequex/marketdata-core/internal/bookutil"

// UpdateType distinguishes a full snapshot from an incremental delta in
// published and buffered records.
type UpdateType string

const (
	UpdateTypeSnapshot UpdateType = "snapshot"
	UpdateTypeUpdate   UpdateType = "update"
)

// Update is the canonical, already-normalized form of one incoming
// message, whatever its wire shape was. Binance fills FirstUpdateID (U),
// FinalUpdateID (u) and, for derivatives, PrevUpdateID (pu). OKX fills
// FinalUpdateID (seqId), PrevUpdateID (prevSeqId) and Action.
type Update struct {
	Key BookKey

	// Binance: U. OKX: unused (zero).
	FirstUpdateID int64
	// Binance: u. OKX: seqId.
	FinalUpdateID int64
	// Binance derivatives: pu. OKX: prevSeqId. Zero/unused for Binance spot.
	PrevUpdateID int64
	// OKX only: "snapshot" or "update". Empty for Binance, which has no
	// equivalent field — every Binance WS message is a diff.
	Action string

	Bids []bookutil.PriceLevel
	Asks []bookutil.PriceLevel

	Timestamp int64 // event time, ms

	// OKX only; nil when the exchange didn't send one.
	Checksum *int32
}

// IsOKXSnapshot reports whether this update should be treated as an OKX
// action=snapshot message. prevSeqId == -1 marks the first message of a
// fresh subscription and counts as a snapshot too.
func (u Update) IsOKXSnapshot() bool {
	return u.Action == string(UpdateTypeSnapshot) || u.PrevUpdateID == -1
}
