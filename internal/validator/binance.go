package validator

import "github.com/sequex/marketdata-core/internal/orderbook"

// BinanceSpotValidator checks the spot diff stream: the first accepted
// update after a snapshot S must satisfy U <= S+1 <= u; every
// subsequent one must satisfy U == last_update_id+1.
type BinanceSpotValidator struct{}

func (BinanceSpotValidator) ValidateFirst(u orderbook.Update, snapshotID int64) Result {
	if u.FirstUpdateID <= snapshotID+1 && snapshotID+1 <= u.FinalUpdateID {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	return Result{Reason: ReasonFirstOutOfRange}
}

func (BinanceSpotValidator) ValidateNext(u orderbook.Update, lastUpdateID, _, _ int64) Result {
	if u.FirstUpdateID == lastUpdateID+1 {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	if u.FinalUpdateID <= lastUpdateID {
		return Result{Reason: ReasonStale}
	}
	return Result{Reason: ReasonGap}
}

// BinanceDerivativesValidator checks the USD-M futures stream: the
// first accepted update must satisfy U <= S <= u against the snapshot's
// lastUpdateId S; every subsequent one must satisfy pu == last_update_id.
type BinanceDerivativesValidator struct{}

func (BinanceDerivativesValidator) ValidateFirst(u orderbook.Update, snapshotID int64) Result {
	if u.FirstUpdateID <= snapshotID && snapshotID <= u.FinalUpdateID {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	return Result{Reason: ReasonFirstOutOfRange}
}

func (BinanceDerivativesValidator) ValidateNext(u orderbook.Update, lastUpdateID, _, _ int64) Result {
	if u.PrevUpdateID == lastUpdateID {
		return Result{Valid: true, NextLastUpdateID: u.FinalUpdateID}
	}
	if u.FinalUpdateID <= lastUpdateID {
		return Result{Reason: ReasonStale}
	}
	return Result{Reason: ReasonPrevMismatch}
}
