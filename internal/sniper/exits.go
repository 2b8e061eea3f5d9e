package sniper

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Exit logic: take profit, stop loss and time-based exit
// ---------------------------------------------------------------------------

// ExitReason says why a position was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitMaxHold    ExitReason = "MAX_HOLD"
	ExitManual     ExitReason = "MANUAL"
	ExitForceClose ExitReason = "FORCE_CLOSE"
)

// ExitDecision represents what the exit check wants to do.
type ExitDecision struct {
	ShouldSell bool
	Reason     ExitReason
}

// EvaluateExit checks the exit conditions of an active position in
// priority order: stop loss, take profit, max hold.
func EvaluateExit(pos *Position, now time.Time) ExitDecision {
	if pos.Status != StatusActive || !pos.EntryPrice.IsPositive() {
		return ExitDecision{}
	}
	if d := checkStopLoss(pos); d.ShouldSell {
		return d
	}
	if d := checkTakeProfit(pos); d.ShouldSell {
		return d
	}
	return checkMaxHold(pos, now)
}

func checkStopLoss(pos *Position) ExitDecision {
	if pos.StopLoss <= 0 {
		return ExitDecision{}
	}
	if pos.PnLPct.LessThanOrEqual(decimal.NewFromFloat(-pos.StopLoss)) {
		return ExitDecision{ShouldSell: true, Reason: ExitStopLoss}
	}
	return ExitDecision{}
}

func checkTakeProfit(pos *Position) ExitDecision {
	if pos.ProfitTarget <= 0 {
		return ExitDecision{}
	}
	if pos.PnLPct.GreaterThanOrEqual(decimal.NewFromFloat(pos.ProfitTarget)) {
		return ExitDecision{ShouldSell: true, Reason: ExitTakeProfit}
	}
	return ExitDecision{}
}

func checkMaxHold(pos *Position, now time.Time) ExitDecision {
	if pos.MaxHoldMinutes <= 0 {
		return ExitDecision{}
	}
	if pos.Age(now) >= time.Duration(pos.MaxHoldMinutes)*time.Minute {
		return ExitDecision{ShouldSell: true, Reason: ExitMaxHold}
	}
	return ExitDecision{}
}
