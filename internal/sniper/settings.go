package sniper

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Settings are the runtime-tunable engine settings. Amounts are in SOL,
// market caps in USD, percentages as whole numbers (50 = 50%).
type Settings struct {
	SOLPerSnipe    float64 `yaml:"sol_per_snipe" json:"sol_per_snipe" default:"0.01" validate:"gt=0,lte=100"`
	MaxPositions   int     `yaml:"max_positions" json:"max_positions" default:"5" validate:"gte=1,lte=100"`
	ProfitTarget   float64 `yaml:"profit_target" json:"profit_target" default:"50" validate:"gt=0"`
	StopLoss       float64 `yaml:"stop_loss" json:"stop_loss" default:"20" validate:"gt=0,lte=100"`
	Slippage       float64 `yaml:"slippage" json:"slippage" default:"5" validate:"gte=0,lte=100"`
	MinMarketCap   float64 `yaml:"min_market_cap" json:"min_market_cap" default:"1000" validate:"gte=0"`
	MaxMarketCap   float64 `yaml:"max_market_cap" json:"max_market_cap" default:"100000" validate:"gtefield=MinMarketCap"`
	MinLiquidity   float64 `yaml:"min_liquidity" json:"min_liquidity" default:"10" validate:"gte=0"`
	MinHolders     int     `yaml:"min_holders" json:"min_holders" default:"10" validate:"gte=0"`
	AutoBuy        bool    `yaml:"auto_buy" json:"auto_buy" default:"false"`
	AutoSell       bool    `yaml:"auto_sell" json:"auto_sell" default:"true"`
	MaxHoldMinutes int     `yaml:"max_hold_minutes" json:"max_hold_minutes" default:"0" validate:"gte=0"`
}

// DefaultSettings returns the struct-tag defaults.
func DefaultSettings() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		panic(fmt.Sprintf("sniper: default settings: %v", err))
	}
	return s
}

// Validate checks field ranges.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("sniper: invalid settings: %w", err)
	}
	return nil
}

// SnipeAmount is SOLPerSnipe as a decimal.
func (s Settings) SnipeAmount() decimal.Decimal {
	return decimal.NewFromFloat(s.SOLPerSnipe)
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	SOLPerSnipe    *float64 `json:"sol_per_snipe,omitempty"`
	MaxPositions   *int     `json:"max_positions,omitempty"`
	ProfitTarget   *float64 `json:"profit_target,omitempty"`
	StopLoss       *float64 `json:"stop_loss,omitempty"`
	Slippage       *float64 `json:"slippage,omitempty"`
	MinMarketCap   *float64 `json:"min_market_cap,omitempty"`
	MaxMarketCap   *float64 `json:"max_market_cap,omitempty"`
	MinLiquidity   *float64 `json:"min_liquidity,omitempty"`
	MinHolders     *int     `json:"min_holders,omitempty"`
	AutoBuy        *bool    `json:"auto_buy,omitempty"`
	AutoSell       *bool    `json:"auto_sell,omitempty"`
	MaxHoldMinutes *int     `json:"max_hold_minutes,omitempty"`
}

// Apply returns s with the patch applied. An invalid result is rejected
// whole and s is returned unchanged.
func (s Settings) Apply(p SettingsPatch) (Settings, error) {
	next := s
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setI := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&next.SOLPerSnipe, p.SOLPerSnipe)
	setI(&next.MaxPositions, p.MaxPositions)
	setF(&next.ProfitTarget, p.ProfitTarget)
	setF(&next.StopLoss, p.StopLoss)
	setF(&next.Slippage, p.Slippage)
	setF(&next.MinMarketCap, p.MinMarketCap)
	setF(&next.MaxMarketCap, p.MaxMarketCap)
	setF(&next.MinLiquidity, p.MinLiquidity)
	setI(&next.MinHolders, p.MinHolders)
	setI(&next.MaxHoldMinutes, p.MaxHoldMinutes)
	if p.AutoBuy != nil {
		next.AutoBuy = *p.AutoBuy
	}
	if p.AutoSell != nil {
		next.AutoSell = *p.AutoSell
	}

	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}
