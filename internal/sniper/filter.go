package sniper

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/event"
)

// HolderCounter looks up the number of holders of a mint.
type HolderCounter interface {
	HolderCount(ctx context.Context, mint string) (int, error)
}

// Decision is the filter's verdict on one candidate.
type Decision struct {
	Passed             bool   `json:"passed"`
	Reason             string `json:"reason,omitempty"`
	HolderCount        int    `json:"holder_count"`
	HolderChecked      bool   `json:"holder_checked"`
	HolderLookupFailed bool   `json:"holder_lookup_failed"`
}

// Filter applies the numeric candidate thresholds.
type Filter struct {
	holders  HolderCounter
	failOpen bool
}

// NewFilter creates a filter. With failOpen, a failed holder lookup counts
// as zero holders and passes the holder check.
func NewFilter(holders HolderCounter, failOpen bool) *Filter {
	return &Filter{holders: holders, failOpen: failOpen}
}

// NeedsHolders reports whether Evaluate will do a holder lookup for s.
func NeedsHolders(s Settings) bool {
	return s.MinHolders > 0
}

// Precheck runs the checks that need no I/O.
func (f *Filter) Precheck(c *event.TokenCandidate, s Settings) Decision {
	minCap := decimal.NewFromFloat(s.MinMarketCap)
	maxCap := decimal.NewFromFloat(s.MaxMarketCap)
	minLiq := decimal.NewFromFloat(s.MinLiquidity)

	switch {
	case c.MarketCapUSD.LessThan(minCap):
		return Decision{Reason: fmt.Sprintf("market cap %s below min %s", c.MarketCapUSD.StringFixed(0), minCap)}
	case c.MarketCapUSD.GreaterThan(maxCap):
		return Decision{Reason: fmt.Sprintf("market cap %s above max %s", c.MarketCapUSD.StringFixed(0), maxCap)}
	case c.Liquidity.LessThan(minLiq):
		return Decision{Reason: fmt.Sprintf("liquidity %s SOL below min %s", c.Liquidity.StringFixed(2), minLiq)}
	}
	return Decision{Passed: true}
}

// CheckHolders runs the holder threshold. It assumes Precheck passed.
func (f *Filter) CheckHolders(ctx context.Context, c *event.TokenCandidate, s Settings) Decision {
	if !NeedsHolders(s) {
		return Decision{Passed: true}
	}
	if f.holders == nil {
		return f.lookupFailed(c, s, fmt.Errorf("no holder provider configured"))
	}

	count, err := f.holders.HolderCount(ctx, c.Mint)
	if err != nil {
		return f.lookupFailed(c, s, err)
	}

	d := Decision{HolderCount: count, HolderChecked: true}
	if count < s.MinHolders {
		d.Reason = fmt.Sprintf("holders %d below min %d", count, s.MinHolders)
		return d
	}
	d.Passed = true
	return d
}

func (f *Filter) lookupFailed(c *event.TokenCandidate, s Settings, err error) Decision {
	d := Decision{HolderChecked: true, HolderLookupFailed: true}
	if f.failOpen {
		log.Warn().Err(err).Str("mint", c.Mint).Int("min_holders", s.MinHolders).
			Msg("sniper: holder lookup failed, count unknown (treated as 0), passing fail-open")
		d.Passed = true
		return d
	}
	log.Warn().Err(err).Str("mint", c.Mint).Msg("sniper: holder lookup failed, rejecting fail-closed")
	d.Reason = "holder lookup failed"
	return d
}

// Evaluate runs every check. Holder lookup only happens once the numeric
// checks pass, so lowering MinHolders can never turn a pass into a fail.
func (f *Filter) Evaluate(ctx context.Context, c *event.TokenCandidate, s Settings) Decision {
	if d := f.Precheck(c, s); !d.Passed {
		return d
	}
	return f.CheckHolders(ctx, c, s)
}

// CanAutoBuy enforces the auto-buy toggle and the position ceiling.
// openCount includes opening and closing positions.
func CanAutoBuy(s Settings, openCount int) (bool, string) {
	if !s.AutoBuy {
		return false, "auto_buy disabled"
	}
	if openCount >= s.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", openCount, s.MaxPositions)
	}
	return true, ""
}
