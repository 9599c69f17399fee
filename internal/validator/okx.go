package validator

import "github.com/sequex/marketdata-core/internal/orderbook"

// OKXValidator checks the books channel's seqId/prevSeqId chaining.
// Unlike Binance, OKX carries its own explicit snapshot marker
// (action=="snapshot"), so ValidateFirst does no continuity check: the
// FSM calls it only for the first buffered entry replayed after SYNCING,
// which it accepts unconditionally to record that entry's seqId, and
// calls ValidateNext for every other message.
type OKXValidator struct{}

func (OKXValidator) ValidateFirst(u orderbook.Update, _ int64) Result {
	return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
}

// ValidateNext implements:
//   - action=snapshot (or prevSeqId==-1): accept unconditionally.
//   - seqId < prevSeqId: maintenance reset; accept, last_seq_id := seqId.
//     Checked before the prevSeqId==last_seq_id rule below because a
//     reset can have prevSeqId equal to the last accepted seqId at the
//     same time seqId has dropped below it.
//   - prevSeqId == last_seq_id: accept (seqId==prevSeqId is a heartbeat).
//   - otherwise: invalid.
func (OKXValidator) ValidateNext(u orderbook.Update, _, lastSeqID, _ int64) Result {
	if u.IsOKXSnapshot() {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	if u.FinalUpdateID < u.PrevUpdateID {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID, MaintenanceReset: true}
	}
	if u.PrevUpdateID == lastSeqID {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	return Result{Reason: ReasonPrevMismatch}
}
