package orderbook

// Exchange identifies one of the adapters this engine understands. It
// is never inferred from a symbol string (a "-SWAP" suffix is not a
// market-type signal); callers always carry it explicitly alongside
// MarketType.
type Exchange string

const (
	ExchangeBinanceSpot        Exchange = "binance_spot"
	ExchangeBinanceDerivatives Exchange = "binance_derivatives"
	ExchangeOKXSpot            Exchange = "okx_spot"
	ExchangeOKXDerivatives     Exchange = "okx_derivatives"
)

// MarketType is spot or perpetual (swap); it determines endpoint
// selection and validation rules and is always carried alongside the
// symbol rather than inferred from it.
type MarketType string

const (
	MarketSpot      MarketType = "spot"
	MarketPerpetual MarketType = "perpetual"
)

// IsBinance reports whether e is one of the two Binance adapters.
func (e Exchange) IsBinance() bool {
	return e == ExchangeBinanceSpot || e == ExchangeBinanceDerivatives
}

// IsOKX reports whether e is one of the two OKX adapters.
func (e Exchange) IsOKX() bool {
	return e == ExchangeOKXSpot || e == ExchangeOKXDerivatives
}

// IsDerivatives reports whether e trades perpetual swaps.
func (e Exchange) IsDerivatives() bool {
	return e == ExchangeBinanceDerivatives || e == ExchangeOKXDerivatives
}

// BookKey uniquely identifies one maintained order book. Every state map
// in this engine is keyed on BookKey, never on Symbol alone, so the same
// symbol traded spot and perpetual on the same exchange never collides.
type BookKey struct {
	Exchange   Exchange
	MarketType MarketType
	Symbol     string
}

func (k BookKey) String() string {
	return string(k.Exchange) + "." + string(k.MarketType) + "." + k.Symbol
}
