// Package engine wires the feed, classifier, filter, position manager and
// executor into one event loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/dispatch"
	"github.com/nexus-trading/pumpsniper/internal/event"
	"github.com/nexus-trading/pumpsniper/internal/feed"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/sniper"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/trader"
)

// ---------------------------------------------------------------------------
// Engine Orchestrator
// feed read goroutine -> mailbox -> Run loop -> trade goroutines -> mailbox
// ---------------------------------------------------------------------------

// ErrShutdown is returned by commands once Run has finished.
var ErrShutdown = errors.New("engine: shut down")

// Feed is the venue event feed.
type Feed interface {
	SetHandler(h feed.Handler)
	SetErrorHandler(fn func(error))
	Connect(ctx context.Context) error
	Subscribe(kind feed.Kind, keys ...string) error
	Unsubscribe(kind feed.Kind, keys ...string) error
	Stop()
	Resume()
	Connected() bool
	Stats() feed.Stats
}

// Executor runs trades.
type Executor interface {
	Buy(ctx context.Context, mint string, amountSOL decimal.Decimal, slippagePct float64) trader.Result
	Sell(ctx context.Context, mint string, tokens decimal.Decimal, slippagePct float64) trader.Result
	Wallet() solana.Pubkey
}

// RateSource is the SOL/USD rate cache.
type RateSource interface {
	Rate() decimal.Decimal
	Refresh(ctx context.Context) error
}

// BalanceSource reads the wallet SOL balance.
type BalanceSource interface {
	GetBalance(ctx context.Context, owner solana.Pubkey) (decimal.Decimal, error)
}

// Config configures the engine.
type Config struct {
	Pool          string
	WatchAccounts []string
	FailOpen      bool
	TradeTimeout  time.Duration
	EvalTimeout   time.Duration
	SweepInterval time.Duration
	MaxRecent     int // candidates kept for manual buy hints
}

// DefaultConfig returns the pump pool with fail-open holder checks.
func DefaultConfig() Config {
	return Config{
		Pool:          "pump",
		FailOpen:      true,
		TradeTimeout:  90 * time.Second,
		EvalTimeout:   15 * time.Second,
		SweepInterval: 15 * time.Second,
		MaxRecent:     10_000,
	}
}

// Deps are the engine's collaborators. Feed and Executor are required.
type Deps struct {
	Feed     Feed
	Executor Executor
	Holders  sniper.HolderCounter
	Rates    RateSource
	Balance  BalanceSource
	Metrics  *observability.Metrics
}

type message struct {
	epoch uint64
	frame []byte
	eval  *evalResult
	trade *tradeResult
	sweep bool
	cmd   func()
}

// subscription is a feed subscription the engine still has to confirm.
type subscription struct {
	kind feed.Kind
	key  string
}

type evalResult struct {
	candidate *event.TokenCandidate
	decision  sniper.Decision
}

type tradeResult struct {
	side      trader.Side
	mint      string
	amount    decimal.Decimal // SOL for a buy, tokens for a sell
	entryHint decimal.Decimal
	res       trader.Result
}

// Engine is one sniper instance.
type Engine struct {
	config     Config
	feed       Feed
	exec       Executor
	rates      RateSource
	balance    BalanceSource
	filter     *sniper.Filter
	classifier *event.Classifier
	metrics    *observability.Metrics
	events     *Broadcaster
	mailbox    *dispatch.Mailbox[message]

	startMu   sync.Mutex
	connected bool
	running   atomic.Bool
	epoch     atomic.Uint64
	ran       atomic.Bool

	evalMu     sync.Mutex
	evalCtx    context.Context
	evalCancel context.CancelFunc

	trades sync.WaitGroup

	// Owned by the Run loop.
	baseCtx   context.Context
	closing   bool
	settings  sniper.Settings
	positions *sniper.Manager
	seen      map[string]struct{} // every mint created this session
	recent    map[string]*event.TokenCandidate
	ring      []string
	ringNext  int
	pending   map[string]struct{}
	unsynced  map[subscription]struct{}

	// Snapshots for Stats.
	settingsSnap atomic.Pointer[sniper.Settings]
	managerSnap  atomic.Pointer[sniper.ManagerStats]
	pendingCount atomic.Int64
	walletSOL    atomic.Pointer[decimal.Decimal]

	candidatesSeen     atomic.Int64
	candidatesPassed   atomic.Int64
	candidatesRejected atomic.Int64
	duplicates         atomic.Int64
	malformed          atomic.Int64
	staleDropped       atomic.Int64
	buys               atomic.Int64
	sells              atomic.Int64
	failedTrades       atomic.Int64
}

// New creates an engine and registers its frame handler on the feed.
func New(config Config, settings sniper.Settings, deps Deps) (*Engine, error) {
	if deps.Feed == nil || deps.Executor == nil {
		return nil, fmt.Errorf("engine: feed and executor are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if config.Pool == "" {
		config.Pool = def.Pool
	}
	if config.TradeTimeout <= 0 {
		config.TradeTimeout = def.TradeTimeout
	}
	if config.EvalTimeout <= 0 {
		config.EvalTimeout = def.EvalTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.MaxRecent <= 0 {
		config.MaxRecent = def.MaxRecent
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewDiscardMetrics()
	}

	var rates event.RateSource
	if deps.Rates != nil {
		rates = deps.Rates
	}

	e := &Engine{
		config:     config,
		feed:       deps.Feed,
		exec:       deps.Executor,
		rates:      deps.Rates,
		balance:    deps.Balance,
		filter:     sniper.NewFilter(deps.Holders, config.FailOpen),
		classifier: event.NewClassifier(config.Pool, rates),
		metrics:    metrics,
		events:     NewBroadcaster(metrics.EventsDropped.Inc),
		mailbox:    dispatch.NewMailbox[message](),
		baseCtx:    context.Background(),
		settings:   settings,
		positions:  sniper.NewManager(),
		seen:       make(map[string]struct{}),
		recent:     make(map[string]*event.TokenCandidate),
		ring:       make([]string, config.MaxRecent),
		pending:    make(map[string]struct{}),
		unsynced:   make(map[subscription]struct{}),
	}
	e.evalCtx, e.evalCancel = context.WithCancel(context.Background())
	e.settingsSnap.Store(&settings)
	e.snapshot()

	e.feed.SetHandler(e.onFrame)
	e.feed.SetErrorHandler(e.onFeedError)
	return e, nil
}

// Subscribe attaches an event stream. Slow subscribers lose events.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.Subscribe(buffer)
}

// onFrame runs on the feed read goroutine and only enqueues.
func (e *Engine) onFrame(frame []byte) {
	_ = e.mailbox.Push(message{epoch: e.epoch.Load(), frame: frame})
}

func (e *Engine) onFeedError(err error) {
	log.Error().Err(err).Msg("engine: feed unavailable")
	e.publishError(err)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start warms the rate cache, connects the feed on first use, subscribes
// to new tokens and resumes delivery. Only a failed initial connect is
// fatal; the engine then stays stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.running.Load() {
		return nil
	}

	if e.rates != nil {
		if err := e.rates.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("engine: SOL/USD warm-up failed, market caps use the last known rate")
		}
	}
	e.checkBalance(ctx)

	if !e.connected {
		if err := e.feed.Connect(ctx); err != nil {
			e.publishError(err)
			return fmt.Errorf("engine: start: %w", err)
		}
		e.connected = true
	}

	e.feed.Resume()
	e.running.Store(true)

	var retry []subscription
	if err := e.feed.Subscribe(feed.KindNewToken); err != nil {
		log.Warn().Err(err).Msg("engine: subscribeNewToken failed, retrying once the feed is back")
		retry = append(retry, subscription{kind: feed.KindNewToken})
	}
	if len(e.config.WatchAccounts) > 0 {
		if err := e.feed.Subscribe(feed.KindAccountTrade, e.config.WatchAccounts...); err != nil {
			log.Warn().Err(err).Msg("engine: subscribeAccountTrade failed, retrying once the feed is back")
			for _, acct := range e.config.WatchAccounts {
				retry = append(retry, subscription{kind: feed.KindAccountTrade, key: acct})
			}
		}
	}
	if len(retry) > 0 {
		_ = e.mailbox.Push(message{cmd: func() {
			for _, sub := range retry {
				e.unsynced[sub] = struct{}{}
			}
		}})
	}

	log.Info().
		Str("wallet", string(e.exec.Wallet())).
		Uint64("epoch", e.epoch.Load()).
		Int("watch_accounts", len(e.config.WatchAccounts)).
		Msg("engine: started")
	return nil
}

// Stop pauses the feed and discards queued frames and pending evaluations.
// In-flight trades finish and their results are applied.
func (e *Engine) Stop(_ context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if !e.running.Load() {
		return nil
	}
	e.feed.Stop()
	e.running.Store(false)
	epoch := e.epoch.Add(1)

	e.evalMu.Lock()
	e.evalCancel()
	e.evalCtx, e.evalCancel = context.WithCancel(context.Background())
	e.evalMu.Unlock()

	log.Info().Uint64("epoch", epoch).Msg("engine: stopped")
	return nil
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run is the engine loop. It returns once ctx is cancelled and every
// in-flight trade has reported.
func (e *Engine) Run(ctx context.Context) error {
	if !e.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: Run called twice")
	}
	e.baseCtx = ctx

	go e.sweepLoop(ctx)

	err := e.mailbox.Run(ctx, e.handle)

	// Drain: drop queued frames, let trades report, then finish.
	e.closing = true
	e.feed.Stop()
	e.running.Store(false)
	e.epoch.Add(1)
	e.evalMu.Lock()
	e.evalCancel()
	e.evalMu.Unlock()

	log.Info().Int64("open", int64(e.positions.OpenCount())).Msg("engine: draining in-flight trades")
	go func() {
		e.trades.Wait()
		e.mailbox.Close()
	}()
	e.mailbox.Run(context.Background(), e.handle)

	log.Info().
		Int64("buys", e.buys.Load()).
		Int64("sells", e.sells.Load()).
		Int("open_positions", e.positions.OpenCount()).
		Msg("engine: loop finished")

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.mailbox.Push(message{sweep: true}); err != nil {
				return
			}
		}
	}
}

func (e *Engine) handle(msg message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("engine: panic in loop recovered")
			e.publishError(fmt.Errorf("engine: internal error: %v", r))
		}
		if len(e.unsynced) > 0 {
			e.resync()
		}
		e.snapshot()
	}()

	switch {
	case msg.cmd != nil:
		msg.cmd()
	case msg.trade != nil:
		e.applyTrade(msg.trade)
	case msg.eval != nil:
		e.applyEval(msg.epoch, msg.eval)
	case msg.sweep:
		e.sweep()
	case msg.frame != nil:
		e.processFrame(msg)
	}
}

// ---------------------------------------------------------------------------
// Feed events
// ---------------------------------------------------------------------------

func (e *Engine) stale(epoch uint64) bool {
	if epoch != e.epoch.Load() || !e.running.Load() {
		e.staleDropped.Add(1)
		e.metrics.StaleDropped.Inc()
		return true
	}
	return false
}

func (e *Engine) processFrame(msg message) {
	if e.stale(msg.epoch) {
		return
	}

	ev, err := e.classifier.Classify(msg.frame)
	if err != nil {
		e.malformed.Add(1)
		e.metrics.MalformedTotal.Inc()
		log.Warn().Err(err).Int("len", len(msg.frame)).Msg("engine: frame discarded")
		return
	}
	e.metrics.FramesTotal.WithLabelValues(ev.Kind.String()).Inc()

	switch ev.Kind {
	case event.KindCreate:
		e.onCandidate(ev.Candidate)
	case event.KindBuy, event.KindSell:
		e.onTick(ev.Tick)
	case event.KindUnrecognized:
		log.Debug().Bytes("frame", truncate(msg.frame, 160)).Msg("engine: unrecognized frame")
	}
}

func (e *Engine) onCandidate(c *event.TokenCandidate) {
	if _, dup := e.seen[c.Mint]; dup {
		e.duplicates.Add(1)
		e.metrics.CandidatesTotal.WithLabelValues("duplicate").Inc()
		log.Debug().Str("mint", c.Mint).Msg("engine: duplicate creation ignored")
		return
	}
	e.remember(c)
	e.candidatesSeen.Add(1)

	log.Info().
		Str("mint", c.Mint).
		Str("symbol", c.Symbol).
		Str("mcap_usd", c.MarketCapUSD.StringFixed(0)).
		Str("liquidity_sol", c.Liquidity.StringFixed(2)).
		Str("price", c.UnitPrice.String()).
		Msg("engine: new token")

	d := e.filter.Precheck(c, e.settings)
	if !d.Passed || !sniper.NeedsHolders(e.settings) {
		e.decide(c, d)
		return
	}

	e.pending[c.Mint] = struct{}{}
	epoch := e.epoch.Load()
	settings := e.settings
	e.evalMu.Lock()
	ctx := e.evalCtx
	e.evalMu.Unlock()

	go func() {
		var d sniper.Decision
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("mint", c.Mint).Msg("engine: evaluation panic recovered")
				d = sniper.Decision{Reason: "evaluation failed"}
			}
			_ = e.mailbox.Push(message{epoch: epoch, eval: &evalResult{candidate: c, decision: d}})
		}()
		if ctx.Err() != nil {
			d = sniper.Decision{Reason: "cancelled"}
			return
		}
		cctx, cancel := context.WithTimeout(ctx, e.config.EvalTimeout)
		defer cancel()
		d = e.filter.CheckHolders(cctx, c, settings)
	}()
}

func (e *Engine) applyEval(epoch uint64, r *evalResult) {
	delete(e.pending, r.candidate.Mint)
	if e.stale(epoch) {
		return
	}
	e.decide(r.candidate, r.decision)
}

// decide records a filter verdict and auto-buys when allowed.
func (e *Engine) decide(c *event.TokenCandidate, d sniper.Decision) {
	if d.HolderChecked && !d.HolderLookupFailed {
		c.Holders = d.HolderCount
		c.HoldersKnown = true
	}
	if d.HolderLookupFailed {
		e.metrics.HolderLookupFailed.Inc()
	}

	ev := newEvent(EventNewToken)
	ev.Token = c
	ev.Decision = &d
	e.events.Publish(ev)

	if !d.Passed {
		e.candidatesRejected.Add(1)
		e.metrics.CandidatesTotal.WithLabelValues("rejected").Inc()
		log.Debug().Str("mint", c.Mint).Str("reason", d.Reason).Msg("engine: candidate rejected")
		return
	}
	e.candidatesPassed.Add(1)
	e.metrics.CandidatesTotal.WithLabelValues("passed").Inc()

	ok, reason := sniper.CanAutoBuy(e.settings, e.positions.OpenCount())
	if !ok {
		log.Info().Str("mint", c.Mint).Str("reason", reason).Msg("engine: candidate passed, not buying")
		return
	}
	if _, err := e.openPosition(c.Mint, c.Symbol, c.Name, e.settings.SnipeAmount(), c.UnitPrice); err != nil {
		log.Warn().Err(err).Str("mint", c.Mint).Msg("engine: auto-buy rejected")
	}
}

func (e *Engine) onTick(t *event.TradeTick) {
	ev := newEvent(EventPriceUpdate)
	ev.Tick = t
	e.events.Publish(ev)

	out := e.positions.ApplyTick(t, e.settings.AutoSell)
	if out.Position == nil {
		return
	}
	if out.Triggered {
		e.closePosition(out.Position)
		return
	}
	e.publishPosition(out.Position)
	if out.Exit.ShouldSell {
		log.Debug().Str("mint", t.Mint).Str("reason", string(out.Exit.Reason)).Msg("engine: exit signal, auto_sell disabled")
	}
}

func (e *Engine) sweep() {
	if !e.running.Load() {
		return
	}
	for _, pos := range e.positions.Sweep(e.settings.AutoSell) {
		e.closePosition(pos)
	}
}

// resync re-issues subscriptions that failed while the feed was down.
func (e *Engine) resync() {
	if !e.feed.Connected() {
		return
	}
	for sub := range e.unsynced {
		var err error
		if sub.kind == feed.KindNewToken {
			err = e.feed.Subscribe(sub.kind)
		} else {
			err = e.feed.Subscribe(sub.kind, sub.key)
		}
		if err != nil {
			log.Debug().Err(err).Str("kind", sub.kind.String()).Str("key", sub.key).Msg("engine: resubscribe failed")
			return
		}
		delete(e.unsynced, sub)
		log.Info().Str("kind", sub.kind.String()).Str("key", sub.key).Msg("engine: subscription restored")
	}
}

func (e *Engine) remember(c *event.TokenCandidate) {
	e.seen[c.Mint] = struct{}{}
	if old := e.ring[e.ringNext]; old != "" {
		delete(e.recent, old)
	}
	e.ring[e.ringNext] = c.Mint
	e.recent[c.Mint] = c
	e.ringNext = (e.ringNext + 1) % len(e.ring)
}

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

func (e *Engine) openPosition(mint, symbol, name string, amount, entryHint decimal.Decimal) (*sniper.Position, error) {
	if e.closing {
		return nil, ErrShutdown
	}
	pos, err := e.positions.BeginOpen(mint, symbol, name, e.settings)
	if err != nil {
		return nil, err
	}
	e.publishPosition(pos)

	slippage := e.settings.Slippage
	e.spawnTrade(&tradeResult{side: trader.SideBuy, mint: mint, amount: amount, entryHint: entryHint},
		func(ctx context.Context) trader.Result {
			return e.exec.Buy(ctx, mint, amount, slippage)
		})
	return pos, nil
}

func (e *Engine) closePosition(pos *sniper.Position) {
	e.metrics.ExitsTotal.WithLabelValues(string(pos.CloseReason)).Inc()
	if e.closing {
		if restored, err := e.positions.AbortClose(pos.Mint); err == nil {
			e.publishPosition(restored)
		}
		return
	}
	e.publishPosition(pos)

	mint, tokens, slippage := pos.Mint, pos.SellAmount(), e.settings.Slippage
	e.spawnTrade(&tradeResult{side: trader.SideSell, mint: mint, amount: tokens},
		func(ctx context.Context) trader.Result {
			return e.exec.Sell(ctx, mint, tokens, slippage)
		})
}

// spawnTrade runs fn detached from cancellation and posts the result back.
func (e *Engine) spawnTrade(t *tradeResult, fn func(ctx context.Context) trader.Result) {
	base := e.baseCtx
	e.trades.Add(1)
	go func() {
		defer e.trades.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(base), e.config.TradeTimeout)
		defer cancel()

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("mint", t.mint).Msg("engine: trade panic recovered")
					t.res = trader.Result{Side: t.side, Mint: t.mint, Err: fmt.Errorf("%w: panic: %v", trader.ErrSubmit, r)}
				}
			}()
			t.res = fn(ctx)
		}()

		if err := e.mailbox.Push(message{trade: t}); err != nil {
			log.Error().Err(err).Str("mint", t.mint).Str("sig", t.res.Signature.Short()).Msg("engine: trade result lost")
		}
	}()
}

func (e *Engine) applyTrade(t *tradeResult) {
	res := t.res
	result := "ok"
	if !res.OK {
		result = "failed"
	}
	e.metrics.TradesTotal.WithLabelValues(string(t.side), result).Inc()
	e.metrics.TradeDuration.WithLabelValues(string(t.side)).Observe(res.Duration.Seconds())

	ev := newEvent(EventTransaction)
	ev.Transaction = transactionOf(res)
	e.events.Publish(ev)

	if t.side == trader.SideBuy {
		e.applyBuy(t)
	} else {
		e.applySell(t)
	}
}

func (e *Engine) applyBuy(t *tradeResult) {
	res := t.res
	if !res.OK {
		e.failedTrades.Add(1)
		if err := e.positions.AbortOpen(t.mint); err != nil {
			log.Error().Err(err).Str("mint", t.mint).Msg("engine: abort open")
		}
		e.publishError(fmt.Errorf("buy %s: %w", t.mint, res.Err))
		return
	}
	e.buys.Add(1)

	tokens := res.Amount
	entry := t.entryHint
	estimated := false
	if !entry.IsPositive() && tokens.IsPositive() {
		entry = t.amount.DivRound(tokens, event.PriceScale)
	}
	if !tokens.IsPositive() && entry.IsPositive() {
		tokens = t.amount.DivRound(entry, event.PriceScale)
		estimated = true
	}

	pos, err := e.positions.CompleteOpen(t.mint, sniper.Fill{
		EntryPrice:  entry,
		BaseAmount:  t.amount,
		TokenAmount: tokens,
		Estimated:   estimated,
		Signature:   res.Signature,
	})
	if err != nil {
		log.Error().Err(err).Str("mint", t.mint).Msg("engine: complete open")
		e.publishError(err)
		return
	}
	e.publishPosition(pos)

	if err := e.feed.Subscribe(feed.KindTokenTrade, t.mint); err != nil {
		log.Warn().Err(err).Str("mint", t.mint).Msg("engine: token trade subscription failed, retrying once the feed is back")
		e.unsynced[subscription{kind: feed.KindTokenTrade, key: t.mint}] = struct{}{}
	}
}

func (e *Engine) applySell(t *tradeResult) {
	res := t.res
	if !res.OK {
		e.failedTrades.Add(1)
		if pos, err := e.positions.AbortClose(t.mint); err != nil {
			log.Error().Err(err).Str("mint", t.mint).Msg("engine: abort close")
		} else {
			e.publishPosition(pos)
		}
		e.publishError(fmt.Errorf("sell %s: %w", t.mint, res.Err))
		return
	}
	e.sells.Add(1)

	pos, err := e.positions.CompleteClose(t.mint, res.Amount, res.Signature)
	if err != nil {
		log.Error().Err(err).Str("mint", t.mint).Msg("engine: complete close")
		e.publishError(err)
		return
	}
	e.publishPosition(pos)

	delete(e.unsynced, subscription{kind: feed.KindTokenTrade, key: t.mint})
	if err := e.feed.Unsubscribe(feed.KindTokenTrade, t.mint); err != nil {
		log.Debug().Err(err).Str("mint", t.mint).Msg("engine: token trade unsubscribe failed")
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.mailbox.Push(message{cmd: func() {
		defer close(done)
		fn()
	}}); err != nil {
		return ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateSettings applies patch. An invalid patch changes nothing.
func (e *Engine) UpdateSettings(ctx context.Context, patch sniper.SettingsPatch) (sniper.Settings, error) {
	var (
		out sniper.Settings
		err error
	)
	if derr := e.do(ctx, func() {
		out, err = e.settings.Apply(patch)
		if err != nil {
			return
		}
		e.settings = out
		e.settingsSnap.Store(&out)
		log.Info().Interface("settings", out).Msg("engine: settings updated")
	}); derr != nil {
		return sniper.Settings{}, derr
	}
	return out, err
}

// ManualBuy opens a position on mint. A non-positive amount uses the
// configured per-snipe amount. The entry price is the last candidate price
// when known, otherwise the fill price.
func (e *Engine) ManualBuy(ctx context.Context, mint string, amountSOL decimal.Decimal) (sniper.Position, error) {
	if mint == "" {
		return sniper.Position{}, fmt.Errorf("engine: mint is required")
	}
	var (
		out sniper.Position
		err error
	)
	if derr := e.do(ctx, func() {
		amount := amountSOL
		if !amount.IsPositive() {
			amount = e.settings.SnipeAmount()
		}
		hint := decimal.Zero
		symbol, name := "", ""
		if c, ok := e.recent[mint]; ok {
			hint, symbol, name = c.UnitPrice, c.Symbol, c.Name
		}
		var pos *sniper.Position
		pos, err = e.openPosition(mint, symbol, name, amount, hint)
		if err == nil {
			out = *pos
			log.Info().Str("mint", mint).Str("sol", amount.String()).Msg("engine: manual buy")
		}
	}); derr != nil {
		return sniper.Position{}, derr
	}
	return out, err
}

// ManualSell closes the active position on mint.
func (e *Engine) ManualSell(ctx context.Context, mint string) (sniper.Position, error) {
	var (
		out sniper.Position
		err error
	)
	if derr := e.do(ctx, func() {
		if e.closing {
			err = ErrShutdown
			return
		}
		var pos *sniper.Position
		pos, err = e.positions.BeginClose(mint, sniper.ExitManual)
		if err != nil {
			return
		}
		out = *pos
		e.closePosition(pos)
		log.Info().Str("mint", mint).Msg("engine: manual sell")
	}); derr != nil {
		return sniper.Position{}, derr
	}
	return out, err
}

// Positions returns the non-closed positions.
func (e *Engine) Positions(ctx context.Context) ([]sniper.Position, error) {
	var out []sniper.Position
	if err := e.do(ctx, func() { out = e.positions.Open() }); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns recently closed positions.
func (e *Engine) History(ctx context.Context) ([]sniper.Position, error) {
	var out []sniper.Position
	if err := e.do(ctx, func() { out = e.positions.Closed() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Settings returns the current settings.
func (e *Engine) Settings(ctx context.Context) (sniper.Settings, error) {
	var out sniper.Settings
	if err := e.do(ctx, func() { out = e.settings }); err != nil {
		return sniper.Settings{}, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Events & stats
// ---------------------------------------------------------------------------

func (e *Engine) publishPosition(pos *sniper.Position) {
	cp := *pos
	ev := newEvent(EventPositionUpdate)
	ev.Position = &cp
	e.events.Publish(ev)
}

func (e *Engine) publishError(err error) {
	ev := newEvent(EventError)
	ev.Error = err.Error()
	e.events.Publish(ev)
}

func (e *Engine) checkBalance(ctx context.Context) {
	if e.balance == nil {
		return
	}
	bal, err := e.balance.GetBalance(ctx, e.exec.Wallet())
	if err != nil {
		log.Warn().Err(err).Msg("engine: wallet balance check failed")
		return
	}
	e.walletSOL.Store(&bal)
	f, _ := bal.Float64()
	e.metrics.WalletBalanceSOL.Set(f)

	need := e.settingsSnap.Load().SnipeAmount()
	if bal.LessThan(need) {
		log.Warn().Str("balance", bal.String()).Str("per_snipe", need.String()).
			Msg("engine: wallet balance below one snipe")
		return
	}
	log.Info().Str("balance", bal.String()).Msg("engine: wallet balance")
}

// snapshot refreshes the lock-free views read by Stats. Loop only.
func (e *Engine) snapshot() {
	ms := e.positions.Stats()
	e.managerSnap.Store(&ms)
	e.pendingCount.Store(int64(len(e.pending)))

	e.metrics.OpenPositions.Set(float64(ms.Open))
	if pnl, err := decimal.NewFromString(ms.RealizedPnL); err == nil {
		f, _ := pnl.Float64()
		e.metrics.RealizedPnLSOL.Set(f)
	}
	e.metrics.MailboxDepth.Set(float64(e.mailbox.Len()))
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Running            bool                `json:"running"`
	CandidatesSeen     int64               `json:"candidates_seen"`
	CandidatesPassed   int64               `json:"candidates_passed"`
	CandidatesRejected int64               `json:"candidates_rejected"`
	Duplicates         int64               `json:"duplicates"`
	Malformed          int64               `json:"malformed"`
	StaleDropped       int64               `json:"stale_dropped"`
	PendingEvaluations int64               `json:"pending_evaluations"`
	Buys               int64               `json:"buys"`
	Sells              int64               `json:"sells"`
	FailedTrades       int64               `json:"failed_trades"`
	Positions          sniper.ManagerStats `json:"positions"`
	MailboxDepth       int                 `json:"mailbox_depth"`
	EventsDropped      int64               `json:"events_dropped"`
	WalletSOL          string              `json:"wallet_sol,omitempty"`
	SOLUSD             string              `json:"sol_usd,omitempty"`
	Feed               feed.Stats          `json:"feed"`
}

// Stats never blocks on the loop.
func (e *Engine) Stats() Stats {
	s := Stats{
		Running:            e.running.Load(),
		CandidatesSeen:     e.candidatesSeen.Load(),
		CandidatesPassed:   e.candidatesPassed.Load(),
		CandidatesRejected: e.candidatesRejected.Load(),
		Duplicates:         e.duplicates.Load(),
		Malformed:          e.malformed.Load(),
		StaleDropped:       e.staleDropped.Load(),
		PendingEvaluations: e.pendingCount.Load(),
		Buys:               e.buys.Load(),
		Sells:              e.sells.Load(),
		FailedTrades:       e.failedTrades.Load(),
		MailboxDepth:       e.mailbox.Len(),
		EventsDropped:      e.events.Dropped(),
		Feed:               e.feed.Stats(),
	}
	if ms := e.managerSnap.Load(); ms != nil {
		s.Positions = *ms
	}
	if bal := e.walletSOL.Load(); bal != nil {
		s.WalletSOL = bal.String()
	}
	if e.rates != nil {
		rate := e.rates.Rate()
		s.SOLUSD = rate.StringFixed(2)
		f, _ := rate.Float64()
		e.metrics.SOLUSD.Set(f)
	}
	e.metrics.FeedConnected.Set(observability.BoolGauge(s.Feed.Connected))
	return s
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
