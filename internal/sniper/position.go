package sniper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpening Status = "OPENING"
	StatusActive  Status = "ACTIVE"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

var hundred = decimal.NewFromInt(100)

// Position is one snipe on one mint.
type Position struct {
	ID     string `json:"id"`
	Mint   string `json:"mint"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`

	EntryPrice      decimal.Decimal `json:"entry_price"` // SOL per token
	EntryBase       decimal.Decimal `json:"entry_base"`  // SOL spent
	TokenAmount     decimal.Decimal `json:"token_amount"`
	TokensEstimated bool            `json:"tokens_estimated,omitempty"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	HighestPrice    decimal.Decimal `json:"highest_price"`
	PnL             decimal.Decimal `json:"pnl"` // SOL, unrealized while open
	PnLPct          decimal.Decimal `json:"pnl_pct"`

	// Captured at open.
	ProfitTarget   float64 `json:"profit_target"`
	StopLoss       float64 `json:"stop_loss"`
	MaxHoldMinutes int     `json:"max_hold_minutes,omitempty"`

	Status      Status     `json:"status"`
	OpenedAt    time.Time  `json:"opened_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason ExitReason `json:"close_reason,omitempty"`

	BuySignature  solana.Signature `json:"buy_signature,omitempty"`
	SellSignature solana.Signature `json:"sell_signature,omitempty"`
	Proceeds      decimal.Decimal  `json:"proceeds"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
}

// LastSignature is the most recent transaction on the position.
func (p *Position) LastSignature() solana.Signature {
	if p.SellSignature != "" {
		return p.SellSignature
	}
	return p.BuySignature
}

// SellAmount is the token amount to sell on close. Zero means the whole
// wallet balance, used when the held amount was only estimated.
func (p *Position) SellAmount() decimal.Decimal {
	if p.TokensEstimated {
		return decimal.Zero
	}
	return p.TokenAmount
}

// IsOpen reports whether the position still occupies its mint.
func (p *Position) IsOpen() bool {
	return p.Status != StatusClosed
}

// Age is the time since open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// markPrice sets the current price and recomputes unrealized P&L.
// The token amount is never touched here.
func (p *Position) markPrice(price decimal.Decimal, now time.Time) {
	p.CurrentPrice = price
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
	}
	p.PnL = price.Sub(p.EntryPrice).Mul(p.TokenAmount)
	p.PnLPct = PnLPercent(p.EntryPrice, price)
	p.UpdatedAt = now
}

// PnLPercent is (current/entry - 1) * 100, or zero without an entry price.
func PnLPercent(entry, current decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	return current.Div(entry).Sub(decimal.NewFromInt(1)).Mul(hundred)
}
