package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// RateSource supplies the cached SOL/USD rate. It must not block.
type RateSource interface {
	Rate() decimal.Decimal
}

// Classifier turns raw feed frames into typed events.
type Classifier struct {
	pool  string
	rates RateSource
	now   func() time.Time
}

// NewClassifier creates a classifier for frames tagged with pool.
// rates may be nil, in which case USD market caps are zero.
func NewClassifier(pool string, rates RateSource) *Classifier {
	return &Classifier{pool: pool, rates: rates, now: time.Now}
}

// Classify parses one frame. Only unparseable frames and creation or trade
// frames without a mint return an error.
func (c *Classifier) Classify(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return Event{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	txType := root.Get("txType")
	if !txType.Exists() {
		// Subscription acks and venue error notices.
		return Event{Kind: KindUnrecognized}, nil
	}
	if root.Get("pool").String() != c.pool {
		return Event{Kind: KindDiscarded}, nil
	}

	var kind Kind
	switch txType.String() {
	case "create":
		kind = KindCreate
	case "buy":
		kind = KindBuy
	case "sell":
		kind = KindSell
	default:
		return Event{Kind: KindUnrecognized}, nil
	}

	mint := root.Get("mint").String()
	if mint == "" {
		return Event{}, fmt.Errorf("%w: %s frame without mint", ErrMalformed, kind)
	}

	base, token := reserves(root)
	price := UnitPrice(base, token)
	mcapSOL := marketCapSOL(root, price)
	mcapUSD := decimal.Zero
	if c.rates != nil {
		mcapUSD = MarketCap(mcapSOL, c.rates.Rate())
	}
	ts := c.timestamp(root)

	if kind == KindCreate {
		return Event{Kind: kind, Candidate: &TokenCandidate{
			Mint:         mint,
			Symbol:       root.Get("symbol").String(),
			Name:         root.Get("name").String(),
			Creator:      root.Get("traderPublicKey").String(),
			BondingCurve: root.Get("bondingCurveKey").String(),
			Pool:         c.pool,
			Signature:    root.Get("signature").String(),
			CreatedAt:    ts,
			BaseReserve:  base,
			TokenReserve: token,
			UnitPrice:    price,
			MarketCapSOL: mcapSOL,
			MarketCapUSD: mcapUSD,
			Liquidity:    base,
			InitialBuy:   number(root.Get("initialBuy")),
		}}, nil
	}

	return Event{Kind: kind, Tick: &TradeTick{
		Mint:         mint,
		Trader:       root.Get("traderPublicKey").String(),
		Kind:         kind,
		Side:         kind.String(),
		BaseAmount:   number(root.Get("solAmount")),
		TokenAmount:  number(root.Get("tokenAmount")),
		UnitPrice:    price,
		BaseReserve:  base,
		TokenReserve: token,
		MarketCapSOL: mcapSOL,
		MarketCapUSD: mcapUSD,
		Signature:    root.Get("signature").String(),
		Timestamp:    ts,
	}}, nil
}

// reserves prefers the virtual bonding-curve reserves and falls back to the
// legacy pool fields.
func reserves(root gjson.Result) (base, token decimal.Decimal) {
	vSol, vTok := root.Get("vSolInBondingCurve"), root.Get("vTokensInBondingCurve")
	if vSol.Exists() && vTok.Exists() {
		return number(vSol), number(vTok)
	}
	return number(root.Get("solInPool")), number(root.Get("tokensInPool"))
}

func marketCapSOL(root gjson.Result, price decimal.Decimal) decimal.Decimal {
	if r := root.Get("marketCapSol"); r.Exists() {
		return number(r)
	}
	return price.Mul(decimal.NewFromInt(TokenSupply))
}

func (c *Classifier) timestamp(root gjson.Result) time.Time {
	if r := root.Get("timestamp"); r.Exists() && r.Int() > 0 {
		return time.UnixMilli(r.Int())
	}
	return c.now()
}

// number reads a JSON number or numeric string without going through float64.
func number(r gjson.Result) decimal.Decimal {
	if !r.Exists() {
		return decimal.Zero
	}
	raw := r.Raw
	if r.Type == gjson.String {
		raw = r.Str
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
