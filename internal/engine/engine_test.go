package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pumpsniper/internal/feed"
	"github.com/nexus-trading/pumpsniper/internal/sniper"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/trader"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type subCall struct {
	kind      feed.Kind
	keys      []string
	subscribe bool
}

type fakeFeed struct {
	mu          sync.Mutex
	handler     feed.Handler
	onErr       func(error)
	connectErr  error
	connectDown bool // Connect succeeds but the socket is gone right after
	connects    int
	calls       []subCall
	paused      bool
	connected   bool
}

func (f *fakeFeed) SetHandler(h feed.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeFeed) SetErrorHandler(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onErr = fn
}

func (f *fakeFeed) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = !f.connectDown
	return nil
}

// setConnected simulates a socket drop or a completed reconnect.
func (f *fakeFeed) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func (f *fakeFeed) record(kind feed.Kind, subscribe bool, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return feed.ErrNotConnected
	}
	f.calls = append(f.calls, subCall{kind: kind, keys: keys, subscribe: subscribe})
	return nil
}

func (f *fakeFeed) Subscribe(kind feed.Kind, keys ...string) error {
	return f.record(kind, true, keys)
}

func (f *fakeFeed) Unsubscribe(kind feed.Kind, keys ...string) error {
	return f.record(kind, false, keys)
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeFeed) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

func (f *fakeFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeFeed) Stats() feed.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return feed.Stats{Connected: f.connected, Paused: f.paused}
}

// send delivers a frame unless delivery is paused.
func (f *fakeFeed) send(frame string) {
	f.mu.Lock()
	h, paused := f.handler, f.paused
	f.mu.Unlock()
	if h != nil && !paused {
		h([]byte(frame))
	}
}

// sendRaw delivers even while paused, like a frame read just before Stop.
func (f *fakeFeed) sendRaw(frame string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h([]byte(frame))
}

// subscribed reports the last (un)subscribe state for key.
func (f *fakeFeed) subscribed(kind feed.Kind, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := false
	for _, c := range f.calls {
		if c.kind != kind {
			continue
		}
		if kind == feed.KindNewToken {
			state = c.subscribe
			continue
		}
		for _, k := range c.keys {
			if k == key {
				state = c.subscribe
			}
		}
	}
	return state
}

type tradeCall struct {
	side     trader.Side
	mint     string
	amount   decimal.Decimal
	slippage float64
}

type fakeExec struct {
	mu    sync.Mutex
	calls []tradeCall
	gate  chan struct{}

	buyTokens decimal.Decimal
	sellSOL   decimal.Decimal
	failBuys  bool
	failSells atomic.Int32
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		buyTokens: decimal.NewFromInt(100),
		sellSOL:   decimal.RequireFromString("0.015"),
	}
}

func (x *fakeExec) Wallet() solana.Pubkey { return "Wallet1111" }

func (x *fakeExec) trade(side trader.Side, mint string, amount decimal.Decimal, slippage float64) {
	x.mu.Lock()
	x.calls = append(x.calls, tradeCall{side: side, mint: mint, amount: amount, slippage: slippage})
	gate := x.gate
	x.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (x *fakeExec) Buy(_ context.Context, mint string, amount decimal.Decimal, slippage float64) trader.Result {
	x.trade(trader.SideBuy, mint, amount, slippage)
	if x.failBuys {
		return trader.Result{Side: trader.SideBuy, Mint: mint, Signature: "partial", Err: fmt.Errorf("%w: rpc down", trader.ErrSubmit)}
	}
	return trader.Result{OK: true, Side: trader.SideBuy, Mint: mint, Signature: "buy-sig", Amount: x.buyTokens, Spent: amount, Mode: trader.ModeStandard}
}

func (x *fakeExec) Sell(_ context.Context, mint string, tokens decimal.Decimal, slippage float64) trader.Result {
	x.trade(trader.SideSell, mint, tokens, slippage)
	if x.failSells.Load() > 0 {
		x.failSells.Add(-1)
		return trader.Result{Side: trader.SideSell, Mint: mint, Err: fmt.Errorf("%w: blockhash expired", trader.ErrSubmit)}
	}
	return trader.Result{OK: true, Side: trader.SideSell, Mint: mint, Signature: "sell-sig", Amount: x.sellSOL, Spent: tokens, Mode: trader.ModeStandard}
}

func (x *fakeExec) tradeCalls() []tradeCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]tradeCall(nil), x.calls...)
}

type fixedRate struct{ rate decimal.Decimal }

func (r fixedRate) Rate() decimal.Decimal         { return r.rate }
func (r fixedRate) Refresh(context.Context) error { return nil }

type holderStub struct {
	count int
	err   error
	block bool
	calls atomic.Int32
}

func (h *holderStub) HolderCount(ctx context.Context, _ string) (int, error) {
	h.calls.Add(1)
	if h.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return h.count, h.err
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	engine  *Engine
	feed    *fakeFeed
	exec    *fakeExec
	holders *holderStub
	cancel  context.CancelFunc
	done    chan error
}

func scenarioSettings() sniper.Settings {
	s := sniper.DefaultSettings()
	s.MinMarketCap = 1000
	s.MaxMarketCap = 100000
	s.MinLiquidity = 50
	s.MinHolders = 5
	s.AutoBuy = true
	s.SOLPerSnipe = 0.01
	s.ProfitTarget = 50
	s.StopLoss = 20
	return s
}

func newHarness(t *testing.T, settings sniper.Settings, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		feed:    &fakeFeed{},
		exec:    newFakeExec(),
		holders: &holderStub{count: 12},
	}
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	deps := Deps{
		Feed:     h.feed,
		Executor: h.exec,
		Holders:  h.holders,
		Rates:    fixedRate{rate: decimal.NewFromInt(100)},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	e, err := New(cfg, settings, deps)
	require.NoError(t, err)
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- e.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
}

func (h *harness) positions(t *testing.T) []sniper.Position {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := h.engine.Positions(ctx)
	require.NoError(t, err)
	return out
}

func (h *harness) activeOn(t *testing.T, mint string) sniper.Position {
	t.Helper()
	var found sniper.Position
	require.Eventually(t, func() bool {
		for _, p := range h.positions(t) {
			if p.Mint == mint && p.Status == sniper.StatusActive {
				found = p
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

// createFrame prices the token at vSol/vTokens with a USD mcap of
// marketCapSol * 100.
func createFrame(mint, marketCapSol, vSol, vTokens string) string {
	return fmt.Sprintf(`{"signature":"sig-%s","mint":%q,"traderPublicKey":"Dev111","txType":"create",`+
		`"initialBuy":1000,"bondingCurveKey":"Curve111","vTokensInBondingCurve":%s,"vSolInBondingCurve":%s,`+
		`"marketCapSol":%s,"name":"Alpha","symbol":"ALP","pool":"pump"}`,
		mint, mint, vTokens, vSol, marketCapSol)
}

func tradeFrame(mint, txType, vSol, vTokens string) string {
	return fmt.Sprintf(`{"signature":"t-%s","mint":%q,"traderPublicKey":"Trader111","txType":%q,`+
		`"tokenAmount":1000,"solAmount":0.1,"vTokensInBondingCurve":%s,"vSolInBondingCurve":%s,"pool":"pump"}`,
		mint, mint, txType, vTokens, vSol)
}

func drain(ch <-chan Event, quiet time.Duration) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(quiet):
			return out
		}
	}
}

func ofKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEngine_ScenarioA_AutoBuyAtEventPrice(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)
	assert.True(t, h.feed.subscribed(feed.KindNewToken, ""))

	// mcap 50 SOL * 100 = 5000 USD, liquidity 80 SOL, 12 holders.
	h.feed.send(createFrame("MintA", "50", "80", "800000000"))

	pos := h.activeOn(t, "MintA")
	calls := h.exec.tradeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, trader.SideBuy, calls[0].side)
	assert.Equal(t, "MintA", calls[0].mint)
	assert.True(t, calls[0].amount.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 5.0, calls[0].slippage)

	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("0.0000001")), pos.EntryPrice.String())
	assert.Equal(t, "100", pos.TokenAmount.String())
	assert.Equal(t, "buy-sig", string(pos.BuySignature))
	assert.Eventually(t, func() bool { return h.feed.subscribed(feed.KindTokenTrade, "MintA") }, time.Second, 5*time.Millisecond)

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.CandidatesSeen)
	assert.Equal(t, int64(1), stats.CandidatesPassed)
	assert.Equal(t, int64(1), stats.Buys)
}

func TestEngine_ScenarioB_TakeProfitSellsOnce(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)
	events, cancel := h.engine.Subscribe(1024)
	defer cancel()

	// Entry at 80 / 800000 = 0.0001.
	h.feed.send(createFrame("MintB", "50", "80", "800000"))
	pos := h.activeOn(t, "MintB")
	require.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("0.0001")))

	// 128 / 800000 = 0.00016, +60%.
	h.feed.send(tradeFrame("MintB", "buy", "128", "800000"))
	h.feed.send(tradeFrame("MintB", "buy", "140", "800000"))

	require.Eventually(t, func() bool {
		return len(h.positions(t)) == 0
	}, 2*time.Second, 5*time.Millisecond)

	calls := h.exec.tradeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, trader.SideSell, calls[1].side)
	assert.Equal(t, "100", calls[1].amount.String())

	history, err := h.engine.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sniper.ExitTakeProfit, history[0].CloseReason)
	assert.Equal(t, "0.005", history[0].RealizedPnL.String())
	assert.Equal(t, "sell-sig", string(history[0].SellSignature))
	assert.Eventually(t, func() bool { return !h.feed.subscribed(feed.KindTokenTrade, "MintB") }, time.Second, 5*time.Millisecond)

	// The price update is published before the position update it causes.
	all := drain(events, 50*time.Millisecond)
	priceAt, closingAt := -1, -1
	for i, ev := range all {
		if ev.Kind == EventPriceUpdate && priceAt < 0 {
			priceAt = i
		}
		if ev.Kind == EventPositionUpdate && ev.Position.Status == sniper.StatusClosing && closingAt < 0 {
			closingAt = i
		}
	}
	require.GreaterOrEqual(t, priceAt, 0)
	require.GreaterOrEqual(t, closingAt, 0)
	assert.Less(t, priceAt, closingAt)
	assert.Len(t, ofKind(all, EventTransaction), 2)
}

func TestEngine_StopLoss(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)
	h.feed.send(createFrame("MintS", "50", "80", "800000"))
	h.activeOn(t, "MintS")

	// 64 / 800000 = 0.00008, -20%.
	h.feed.send(tradeFrame("MintS", "sell", "64", "800000"))
	require.Eventually(t, func() bool { return len(h.positions(t)) == 0 }, 2*time.Second, 5*time.Millisecond)

	history, err := h.engine.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sniper.ExitStopLoss, history[0].CloseReason)
}

func TestEngine_DuplicateCreationIgnored(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)
	events, cancel := h.engine.Subscribe(256)
	defer cancel()

	frame := createFrame("MintD", "50", "80", "800000000")
	h.feed.send(frame)
	h.feed.send(frame)
	h.activeOn(t, "MintD")
	h.feed.send(frame)

	require.Eventually(t, func() bool { return h.engine.Stats().Duplicates == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.exec.tradeCalls(), 1)
	assert.Equal(t, int32(1), h.holders.calls.Load())
	assert.Len(t, ofKind(drain(events, 50*time.Millisecond), EventNewToken), 1)
}

func TestEngine_RejectedCandidate(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)
	events, cancel := h.engine.Subscribe(64)
	defer cancel()

	// 5 SOL * 100 = 500 USD, below the 1000 minimum.
	h.feed.send(createFrame("MintR", "5", "80", "800000000"))

	require.Eventually(t, func() bool { return h.engine.Stats().CandidatesRejected == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.exec.tradeCalls())
	assert.Zero(t, h.holders.calls.Load(), "holder lookup only after numeric checks pass")

	tokens := ofKind(drain(events, 50*time.Millisecond), EventNewToken)
	require.Len(t, tokens, 1)
	require.NotNil(t, tokens[0].Decision)
	assert.False(t, tokens[0].Decision.Passed)
	assert.Contains(t, tokens[0].Decision.Reason, "market cap")
}

func TestEngine_HolderLookupFailure(t *testing.T) {
	t.Run("fail closed rejects", func(t *testing.T) {
		h := newHarness(t, scenarioSettings(), func(c *Config, _ *Deps) { c.FailOpen = false })
		h.holders.err = errors.New("all providers down")
		h.start(t)

		h.feed.send(createFrame("MintF", "50", "80", "800000000"))
		require.Eventually(t, func() bool { return h.engine.Stats().CandidatesRejected == 1 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, h.exec.tradeCalls())
	})

	t.Run("fail open buys", func(t *testing.T) {
		h := newHarness(t, scenarioSettings(), nil)
		h.holders.err = errors.New("all providers down")
		h.start(t)

		h.feed.send(createFrame("MintO", "50", "80", "800000000"))
		h.activeOn(t, "MintO")
	})
}

func TestEngine_AutoBuyDisabled(t *testing.T) {
	s := scenarioSettings()
	s.AutoBuy = false
	h := newHarness(t, s, nil)
	h.start(t)

	h.feed.send(createFrame("MintX", "50", "80", "800000000"))
	require.Eventually(t, func() bool { return h.engine.Stats().CandidatesPassed == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.exec.tradeCalls())
	assert.Empty(t, h.positions(t))
}

func TestEngine_MaxPositions(t *testing.T) {
	s := scenarioSettings()
	s.MaxPositions = 1
	h := newHarness(t, s, nil)
	h.start(t)

	h.feed.send(createFrame("Mint1", "50", "80", "800000000"))
	h.activeOn(t, "Mint1")
	h.feed.send(createFrame("Mint2", "50", "80", "800000000"))

	require.Eventually(t, func() bool { return h.engine.Stats().CandidatesPassed == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.exec.tradeCalls(), 1)
}

func TestEngine_FailedBuyAbortsOpen(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.exec.failBuys = true
	h.start(t)
	events, cancel := h.engine.Subscribe(64)
	defer cancel()

	h.feed.send(createFrame("MintE", "50", "80", "800000000"))
	require.Eventually(t, func() bool { return h.engine.Stats().FailedTrades == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.positions(t))
	assert.False(t, h.feed.subscribed(feed.KindTokenTrade, "MintE"))

	all := drain(events, 50*time.Millisecond)
	txs := ofKind(all, EventTransaction)
	require.Len(t, txs, 1)
	assert.False(t, txs[0].Transaction.OK)
	assert.Equal(t, "partial", txs[0].Transaction.Signature)
	require.Len(t, ofKind(all, EventError), 1)
	assert.Contains(t, ofKind(all, EventError)[0].Error, "MintE")
}

func TestEngine_FailedSellReturnsToActive(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.exec.failSells.Store(1)
	h.start(t)

	h.feed.send(createFrame("MintF", "50", "80", "800000"))
	h.activeOn(t, "MintF")

	h.feed.send(tradeFrame("MintF", "buy", "128", "800000"))
	require.Eventually(t, func() bool { return h.engine.Stats().FailedTrades == 1 }, time.Second, 5*time.Millisecond)
	pos := h.activeOn(t, "MintF")
	assert.Empty(t, pos.CloseReason)

	// Eligible again on the next qualifying tick.
	h.feed.send(tradeFrame("MintF", "buy", "130", "800000"))
	require.Eventually(t, func() bool { return len(h.positions(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_StopDiscardsFramesAndPendingEvaluations(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.holders.block = true
	h.start(t)

	h.feed.send(createFrame("MintP", "50", "80", "800000000"))
	require.Eventually(t, func() bool { return h.engine.Stats().PendingEvaluations == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Stop(context.Background()))
	assert.False(t, h.engine.Running())

	// A frame read just before the pause.
	h.feed.sendRaw(createFrame("MintQ", "50", "80", "800000000"))

	require.Eventually(t, func() bool {
		s := h.engine.Stats()
		return s.PendingEvaluations == 0 && s.StaleDropped >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.exec.tradeCalls())
	assert.Empty(t, h.positions(t))

	// Restart resumes without reconnecting.
	h.start(t)
	assert.Equal(t, 1, h.feed.connects)
}

func TestEngine_InFlightTradeSurvivesStop(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.exec.gate = make(chan struct{})
	h.start(t)

	h.feed.send(createFrame("MintI", "50", "80", "800000000"))
	require.Eventually(t, func() bool { return len(h.exec.tradeCalls()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Stop(context.Background()))
	close(h.exec.gate)

	h.activeOn(t, "MintI")
}

func TestEngine_RunWaitsForInFlightTrades(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.exec.gate = make(chan struct{})
	h.start(t)

	h.feed.send(createFrame("MintW", "50", "80", "800000000"))
	require.Eventually(t, func() bool { return len(h.exec.tradeCalls()) == 1 }, time.Second, 5*time.Millisecond)

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("Run returned with a trade in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.exec.gate)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err // for cleanup
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.Buys)
	assert.Equal(t, 1, stats.Positions.Open)

	_, err := h.engine.Positions(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestEngine_StartFailsWhenFeedUnreachable(t *testing.T) {
	connErr := &feed.ConnectionError{URL: "wss://x", Attempts: 5, Err: errors.New("refused")}
	h := newHarness(t, scenarioSettings(), nil)
	h.feed.connectErr = connErr
	events, cancel := h.engine.Subscribe(8)
	defer cancel()

	err := h.engine.Start(context.Background())
	require.Error(t, err)
	var ce *feed.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 5, ce.Attempts)
	assert.False(t, h.engine.Running())
	assert.Len(t, ofKind(drain(events, 20*time.Millisecond), EventError), 1)
}

func TestEngine_UpdateSettings(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	ctx := context.Background()

	target := 80.0
	s, err := h.engine.UpdateSettings(ctx, sniper.SettingsPatch{ProfitTarget: &target})
	require.NoError(t, err)
	assert.Equal(t, 80.0, s.ProfitTarget)
	assert.Equal(t, 20.0, s.StopLoss, "absent fields unchanged")

	bad := 10.0
	stop := 30.0
	_, err = h.engine.UpdateSettings(ctx, sniper.SettingsPatch{MaxMarketCap: &bad, StopLoss: &stop})
	require.Error(t, err)

	cur, err := h.engine.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, cur.ProfitTarget)
	assert.Equal(t, 20.0, cur.StopLoss, "invalid patch rejected whole")
	assert.Equal(t, 100000.0, cur.MaxMarketCap)
}

func TestEngine_ManualBuyAndSell(t *testing.T) {
	s := scenarioSettings()
	s.AutoBuy = false
	h := newHarness(t, s, nil)
	h.start(t)
	ctx := context.Background()

	// Known candidate: entry is the candidate price.
	h.feed.send(createFrame("MintM", "50", "80", "800000"))
	require.Eventually(t, func() bool { return h.engine.Stats().CandidatesPassed == 1 }, time.Second, 5*time.Millisecond)

	pos, err := h.engine.ManualBuy(ctx, "MintM", decimal.RequireFromString("0.02"))
	require.NoError(t, err)
	assert.Equal(t, sniper.StatusOpening, pos.Status)
	active := h.activeOn(t, "MintM")
	assert.True(t, active.EntryPrice.Equal(decimal.RequireFromString("0.0001")))
	assert.Equal(t, "0.02", active.EntryBase.String())

	_, err = h.engine.ManualBuy(ctx, "MintM", decimal.Zero)
	assert.ErrorIs(t, err, sniper.ErrInvariant)

	// Unknown mint: entry is the fill price, default amount.
	_, err = h.engine.ManualBuy(ctx, "MintU", decimal.Zero)
	require.NoError(t, err)
	unknown := h.activeOn(t, "MintU")
	assert.Equal(t, "0.01", unknown.EntryBase.String())
	assert.True(t, unknown.EntryPrice.Equal(decimal.RequireFromString("0.0001")), unknown.EntryPrice.String())

	closing, err := h.engine.ManualSell(ctx, "MintM")
	require.NoError(t, err)
	assert.Equal(t, sniper.ExitManual, closing.CloseReason)
	require.Eventually(t, func() bool { return len(h.positions(t)) == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.engine.ManualSell(ctx, "missing")
	assert.ErrorIs(t, err, sniper.ErrInvariant)
}

func TestEngine_WatchAccountsSubscribedOnStart(t *testing.T) {
	h := newHarness(t, scenarioSettings(), func(c *Config, _ *Deps) {
		c.WatchAccounts = []string{"Whale111"}
	})
	h.start(t)
	assert.True(t, h.feed.subscribed(feed.KindAccountTrade, "Whale111"))
}

func TestEngine_MalformedAndForeignFrames(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	h.start(t)

	h.feed.send(`{not json`)
	h.feed.send(`{"message":"Successfully subscribed to keys."}`)
	h.feed.send(`{"txType":"create","mint":"Other","pool":"bonk"}`)

	require.Eventually(t, func() bool { return h.engine.Stats().Malformed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.engine.Stats().CandidatesSeen)
	assert.Empty(t, h.exec.tradeCalls())
}

func TestEngine_WalletBalanceChecked(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetBalance(decimal.RequireFromString("1.5"))
	h := newHarness(t, scenarioSettings(), func(_ *Config, d *Deps) { d.Balance = rpc })
	h.start(t)
	assert.Equal(t, "1.5", h.engine.Stats().WalletSOL)
	assert.Equal(t, "100.00", h.engine.Stats().SOLUSD)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), sniper.DefaultSettings(), Deps{})
	assert.Error(t, err)

	bad := sniper.DefaultSettings()
	bad.SOLPerSnipe = 0
	_, err = New(DefaultConfig(), bad, Deps{Feed: &fakeFeed{}, Executor: newFakeExec()})
	assert.Error(t, err)
}

func TestEngine_TradeSubscriptionRestoredAfterReconnect(t *testing.T) {
	h := newHarness(t, scenarioSettings(), func(c *Config, _ *Deps) {
		c.SweepInterval = 10 * time.Millisecond
	})
	h.start(t)
	h.exec.gate = make(chan struct{})

	h.feed.send(createFrame("MintW", "50", "80", "800000"))
	require.Eventually(t, func() bool { return len(h.exec.tradeCalls()) == 1 }, time.Second, 5*time.Millisecond)

	// The socket drops while the buy is confirming.
	h.feed.setConnected(false)
	close(h.exec.gate)
	h.activeOn(t, "MintW")
	assert.False(t, h.feed.subscribed(feed.KindTokenTrade, "MintW"))

	h.feed.setConnected(true)
	require.Eventually(t, func() bool { return h.feed.subscribed(feed.KindTokenTrade, "MintW") }, time.Second, 5*time.Millisecond)

	// Ticks reach the position again and the take profit fires.
	h.feed.send(tradeFrame("MintW", "buy", "128", "800000"))
	require.Eventually(t, func() bool { return len(h.positions(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	calls := h.exec.tradeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, trader.SideSell, calls[1].side)
}

func TestEngine_StartSubscriptionsRetriedWhenFeedReturns(t *testing.T) {
	h := newHarness(t, scenarioSettings(), func(c *Config, _ *Deps) {
		c.SweepInterval = 10 * time.Millisecond
		c.WatchAccounts = []string{"Whale111"}
	})
	h.feed.connectDown = true
	h.start(t)
	assert.False(t, h.feed.subscribed(feed.KindNewToken, ""))

	h.feed.setConnected(true)
	require.Eventually(t, func() bool {
		return h.feed.subscribed(feed.KindNewToken, "") && h.feed.subscribed(feed.KindAccountTrade, "Whale111")
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_EstimatedFillSellsWholeBalance(t *testing.T) {
	h := newHarness(t, scenarioSettings(), nil)
	// No balance change could be read for the buy.
	h.exec.buyTokens = decimal.Zero
	h.start(t)

	h.feed.send(createFrame("MintX", "50", "80", "800000"))
	pos := h.activeOn(t, "MintX")
	assert.True(t, pos.TokensEstimated)
	assert.Equal(t, "100", pos.TokenAmount.String())

	h.feed.send(tradeFrame("MintX", "buy", "128", "800000"))
	require.Eventually(t, func() bool { return len(h.positions(t)) == 0 }, 2*time.Second, 5*time.Millisecond)

	calls := h.exec.tradeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, trader.SideSell, calls[1].side)
	assert.True(t, calls[1].amount.IsZero(), "sell amount %s", calls[1].amount)
}

func TestEngine_DedupOutlivesCandidateCache(t *testing.T) {
	h := newHarness(t, scenarioSettings(), func(c *Config, _ *Deps) {
		c.MaxRecent = 2
	})
	h.start(t)

	for _, mint := range []string{"Old1", "Old2", "Old3", "Old1"} {
		h.feed.send(createFrame(mint, "5", "80", "800000000"))
	}

	require.Eventually(t, func() bool { return h.engine.Stats().Duplicates == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), h.engine.Stats().CandidatesSeen)
}
