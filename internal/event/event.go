package event

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a frame that could not be parsed.
var ErrMalformed = errors.New("event: malformed message")

// TokenSupply is the fixed pump.fun supply used to derive market cap
// from unit price when the feed omits it.
const TokenSupply = 1_000_000_000

// Kind classifies an inbound frame.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindDiscarded
	KindCreate
	KindBuy
	KindSell
)

func (k Kind) String() string {
	switch k {
	case KindDiscarded:
		return "discarded"
	case KindCreate:
		return "create"
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	}
	return "unrecognized"
}

// IsTrade reports whether k is a buy or a sell.
func (k Kind) IsTrade() bool {
	return k == KindBuy || k == KindSell
}

// TokenCandidate is a newly created token seen on the feed.
type TokenCandidate struct {
	Mint         string          `json:"mint"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	Creator      string          `json:"creator"`
	BondingCurve string          `json:"bonding_curve,omitempty"`
	Pool         string          `json:"pool"`
	Signature    string          `json:"signature,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`  // SOL
	TokenReserve decimal.Decimal `json:"token_reserve"` // tokens
	UnitPrice    decimal.Decimal `json:"unit_price"`    // SOL per token
	MarketCapSOL decimal.Decimal `json:"market_cap_sol"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	Liquidity    decimal.Decimal `json:"liquidity"` // SOL in the curve
	InitialBuy   decimal.Decimal `json:"initial_buy"`

	// Filled lazily by the candidate filter.
	Holders      int  `json:"holders"`
	HoldersKnown bool `json:"holders_known"`
}

// TradeTick is one buy or sell on a subscribed mint or account.
type TradeTick struct {
	Mint         string          `json:"mint"`
	Trader       string          `json:"trader"`
	Kind         Kind            `json:"-"`
	Side         string          `json:"side"`
	BaseAmount   decimal.Decimal `json:"base_amount"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`
	TokenReserve decimal.Decimal `json:"token_reserve"`
	MarketCapSOL decimal.Decimal `json:"market_cap_sol"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	Signature    string          `json:"signature,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Event is the classifier's output. Exactly one of Candidate and Tick is
// set for create and trade kinds; neither is set otherwise.
type Event struct {
	Kind      Kind
	Candidate *TokenCandidate
	Tick      *TradeTick
}

// PriceScale is the number of decimal places kept when dividing prices.
// Bonding curve prices sit around 1e-8 SOL, well past decimal's default.
const PriceScale = 30

// UnitPrice is base/token, or zero when the token reserve is not positive.
func UnitPrice(baseReserve, tokenReserve decimal.Decimal) decimal.Decimal {
	if !tokenReserve.IsPositive() {
		return decimal.Zero
	}
	return baseReserve.DivRound(tokenReserve, PriceScale)
}

// MarketCap converts a base-asset market cap into the quote currency.
func MarketCap(baseMarketCap, rate decimal.Decimal) decimal.Decimal {
	return baseMarketCap.Mul(rate)
}
