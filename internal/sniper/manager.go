package sniper

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/event"
	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// ---------------------------------------------------------------------------
// Position Manager: per-mint state machine
// opening -> active -> closing -> closed
// ---------------------------------------------------------------------------

// ErrInvariant marks a rejected state transition.
var ErrInvariant = errors.New("sniper: invariant violation")

const maxHistory = 500

// Fill is the confirmed result of a buy.
type Fill struct {
	EntryPrice  decimal.Decimal
	BaseAmount  decimal.Decimal
	TokenAmount decimal.Decimal
	Estimated   bool // TokenAmount derived from price, not read from chain
	Signature   solana.Signature
}

// TickOutcome is what ApplyTick did.
type TickOutcome struct {
	Position  *Position
	Exit      ExitDecision
	Triggered bool // moved to closing by this tick
}

// Manager holds the position table. It is not safe for concurrent use:
// the engine loop is its only caller.
type Manager struct {
	positions map[string]*Position // mint -> non-closed position
	history   []*Position
	now       func() time.Time

	opened      int64
	closed      int64
	wins        int64
	losses      int64
	realizedPnL decimal.Decimal
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		positions:   make(map[string]*Position),
		now:         time.Now,
		realizedPnL: decimal.Zero,
	}
}

// BeginOpen reserves mint with an opening position. Exit thresholds are
// captured from s.
func (m *Manager) BeginOpen(mint, symbol, name string, s Settings) (*Position, error) {
	if existing, ok := m.positions[mint]; ok {
		return nil, fmt.Errorf("%w: %s already has a %s position", ErrInvariant, mint, existing.Status)
	}
	now := m.now()
	pos := &Position{
		ID:             uuid.New().String()[:12],
		Mint:           mint,
		Symbol:         symbol,
		Name:           name,
		ProfitTarget:   s.ProfitTarget,
		StopLoss:       s.StopLoss,
		MaxHoldMinutes: s.MaxHoldMinutes,
		Status:         StatusOpening,
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	m.positions[mint] = pos
	return pos, nil
}

// CompleteOpen turns an opening position active with the buy fill.
func (m *Manager) CompleteOpen(mint string, fill Fill) (*Position, error) {
	pos, err := m.expect(mint, StatusOpening)
	if err != nil {
		return nil, err
	}
	now := m.now()
	pos.EntryPrice = fill.EntryPrice
	pos.EntryBase = fill.BaseAmount
	pos.TokenAmount = fill.TokenAmount
	pos.TokensEstimated = fill.Estimated
	pos.BuySignature = fill.Signature
	pos.HighestPrice = fill.EntryPrice
	pos.OpenedAt = now
	pos.markPrice(fill.EntryPrice, now)
	pos.Status = StatusActive
	m.opened++

	log.Info().
		Str("pos_id", pos.ID).
		Str("mint", mint).
		Str("entry", fill.EntryPrice.String()).
		Str("tokens", fill.TokenAmount.String()).
		Bool("estimated", fill.Estimated).
		Str("sol", fill.BaseAmount.String()).
		Msg("sniper: position opened")
	return pos, nil
}

// AbortOpen drops an opening position after a failed buy.
func (m *Manager) AbortOpen(mint string) error {
	if _, err := m.expect(mint, StatusOpening); err != nil {
		return err
	}
	delete(m.positions, mint)
	return nil
}

// ApplyTick marks the active position on tick.Mint to the tick price and
// evaluates exits. With autoSell a triggered exit moves it to closing.
// Positions that are not active ignore ticks.
func (m *Manager) ApplyTick(tick *event.TradeTick, autoSell bool) TickOutcome {
	pos, ok := m.positions[tick.Mint]
	if !ok || pos.Status != StatusActive || !tick.UnitPrice.IsPositive() {
		return TickOutcome{}
	}
	now := m.now()
	pos.markPrice(tick.UnitPrice, now)

	out := TickOutcome{Position: pos, Exit: EvaluateExit(pos, now)}
	if out.Exit.ShouldSell && autoSell {
		m.toClosing(pos, out.Exit.Reason)
		out.Triggered = true
	}
	return out
}

// Sweep checks time-based exits for positions that have not ticked.
// It returns the positions it moved to closing.
func (m *Manager) Sweep(autoSell bool) []*Position {
	if !autoSell {
		return nil
	}
	now := m.now()
	var out []*Position
	for _, pos := range m.positions {
		if pos.Status != StatusActive {
			continue
		}
		if d := checkMaxHold(pos, now); d.ShouldSell {
			m.toClosing(pos, d.Reason)
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// BeginClose moves an active position to closing for a manual or forced exit.
func (m *Manager) BeginClose(mint string, reason ExitReason) (*Position, error) {
	pos, err := m.expect(mint, StatusActive)
	if err != nil {
		return nil, err
	}
	m.toClosing(pos, reason)
	return pos, nil
}

func (m *Manager) toClosing(pos *Position, reason ExitReason) {
	pos.Status = StatusClosing
	pos.CloseReason = reason
	pos.UpdatedAt = m.now()
	log.Info().
		Str("pos_id", pos.ID).
		Str("mint", pos.Mint).
		Str("reason", string(reason)).
		Str("pnl_pct", pos.PnLPct.StringFixed(2)).
		Msg("sniper: closing position")
}

// CompleteClose records a confirmed sell. Realized P&L uses the actual
// proceeds; when they are unknown (zero) it falls back to the current
// price estimate.
func (m *Manager) CompleteClose(mint string, proceeds decimal.Decimal, sig solana.Signature) (*Position, error) {
	pos, err := m.expect(mint, StatusClosing)
	if err != nil {
		return nil, err
	}
	if !proceeds.IsPositive() {
		proceeds = pos.CurrentPrice.Mul(pos.TokenAmount)
	}
	now := m.now()
	pos.Proceeds = proceeds
	pos.RealizedPnL = proceeds.Sub(pos.EntryBase)
	pos.PnL = pos.RealizedPnL
	if pos.EntryBase.IsPositive() {
		pos.PnLPct = pos.RealizedPnL.Div(pos.EntryBase).Mul(hundred)
	}
	pos.SellSignature = sig
	pos.Status = StatusClosed
	pos.ClosedAt = &now
	pos.UpdatedAt = now

	delete(m.positions, mint)
	m.history = append(m.history, pos)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	m.closed++
	m.realizedPnL = m.realizedPnL.Add(pos.RealizedPnL)
	if pos.RealizedPnL.IsPositive() {
		m.wins++
	} else {
		m.losses++
	}

	log.Info().
		Str("pos_id", pos.ID).
		Str("mint", mint).
		Str("reason", string(pos.CloseReason)).
		Str("proceeds", proceeds.String()).
		Str("pnl", pos.RealizedPnL.String()).
		Msg("sniper: position closed")
	return pos, nil
}

// AbortClose returns a closing position to active after a failed sell.
func (m *Manager) AbortClose(mint string) (*Position, error) {
	pos, err := m.expect(mint, StatusClosing)
	if err != nil {
		return nil, err
	}
	pos.Status = StatusActive
	pos.CloseReason = ""
	pos.UpdatedAt = m.now()
	return pos, nil
}

func (m *Manager) expect(mint string, want Status) (*Position, error) {
	pos, ok := m.positions[mint]
	if !ok {
		return nil, fmt.Errorf("%w: no open position for %s", ErrInvariant, mint)
	}
	if pos.Status != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvariant, mint, pos.Status, want)
	}
	return pos, nil
}

// Get returns the non-closed position on mint.
func (m *Manager) Get(mint string) (*Position, bool) {
	pos, ok := m.positions[mint]
	return pos, ok
}

// OpenCount counts opening, active and closing positions.
func (m *Manager) OpenCount() int {
	return len(m.positions)
}

// Open returns copies of the non-closed positions, oldest first.
func (m *Manager) Open() []Position {
	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Closed returns copies of the most recent closed positions, oldest first.
func (m *Manager) Closed() []Position {
	out := make([]Position, 0, len(m.history))
	for _, pos := range m.history {
		out = append(out, *pos)
	}
	return out
}

// Mints returns the mints with a non-closed position.
func (m *Manager) Mints() []string {
	out := make([]string, 0, len(m.positions))
	for mint := range m.positions {
		out = append(out, mint)
	}
	sort.Strings(out)
	return out
}

// ManagerStats summarises the position table.
type ManagerStats struct {
	Open        int    `json:"open"`
	Opened      int64  `json:"opened"`
	Closed      int64  `json:"closed"`
	Wins        int64  `json:"wins"`
	Losses      int64  `json:"losses"`
	RealizedPnL string `json:"realized_pnl_sol"`
}

func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Open:        len(m.positions),
		Opened:      m.opened,
		Closed:      m.closed,
		Wins:        m.wins,
		Losses:      m.losses,
		RealizedPnL: m.realizedPnL.String(),
	}
}
