// Package validator implements the per-exchange sequence-continuity
// rules for incremental depth updates: Binance spot's U/u range check,
// Binance derivatives' pu chaining, and OKX's seqId/prevSeqId rules.
// Exactly one validator per exchange; there are no alternative modes.
package validator

import "github.com/sequex/marketdata-core/internal/orderbook"

// Reason explains why ValidateFirst/ValidateNext rejected an update.
// Zero value means "accepted".
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonFirstOutOfRange Reason = "first_update_out_of_snapshot_range"
	ReasonGap             Reason = "update_id_gap"
	ReasonStale           Reason = "update_older_than_state"
	ReasonPrevMismatch    Reason = "prev_update_id_mismatch"
)

// Result is what ValidateFirst/ValidateNext return: whether the update
// is accepted and,
// if not, why. Validators never mutate their inputs; the caller stores
// NextLastUpdateID itself once it accepts the update, so sequence state
// only ever advances on the accepting side.
type Result struct {
	Valid  bool
	Reason Reason
	// NextLastUpdateID is the value the caller should store as
	// state.LastUpdateID if it accepts this update.
	NextLastUpdateID int64
	// MaintenanceReset is true for an OKX seqId < prevSeqId maintenance
	// event: accepted, but the caller should bump its maintenance-reset
	// counter instead of treating this as a gap.
	MaintenanceReset bool
}

// Validator decides, per exchange, whether an update continues the
// sequence the local book is tracking.
type Validator interface {
	// ValidateFirst checks the first update accepted right after a
	// snapshot with lastUpdateID snapshotID.
	ValidateFirst(u orderbook.Update, snapshotID int64) Result
	// ValidateNext checks a subsequent update against the last accepted
	// update's state.
	ValidateNext(u orderbook.Update, lastUpdateID, lastSeqID, lastPrevUpdateID int64) Result
}

// ForExchange returns the canonical validator for e.
func ForExchange(e orderbook.Exchange) Validator {
	switch e {
	case orderbook.ExchangeBinanceSpot:
		return BinanceSpotValidator{}
	case orderbook.ExchangeBinanceDerivatives:
		return BinanceDerivativesValidator{}
	case orderbook.ExchangeOKXSpot, orderbook.ExchangeOKXDerivatives:
		return OKXValidator{}
	default:
		return nil
	}
}
