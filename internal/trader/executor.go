package trader

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// ---------------------------------------------------------------------------
// Trade Executor: build -> sign locally -> submit -> confirm
// ---------------------------------------------------------------------------

// Submission modes.
const (
	ModeStandard = "standard"
	ModeFast     = "fast" // skipPreflight
	ModeDryRun   = "dry_run"
)

// Config configures the executor.
type Config struct {
	Pool               string
	PriorityFeeSOL     decimal.Decimal
	DynamicPriorityFee bool
	Commitment         solana.Commitment
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
	FastMode           bool // fast is the primary mode, standard the fallback
	SendMaxRetries     int
	DryRun             bool
}

// DefaultConfig returns pump pool, 0.00005 SOL fee, confirmed commitment.
func DefaultConfig() Config {
	return Config{
		Pool:           "pump",
		PriorityFeeSOL: decimal.RequireFromString("0.00005"),
		Commitment:     solana.CommitmentConfirmed,
		ConfirmTimeout: 30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		SendMaxRetries: 3,
	}
}

// Builder returns an unsigned transaction for a request.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) ([]byte, error)
}

// FeeEstimator suggests a priority fee in SOL.
type FeeEstimator interface {
	EstimateSOL() decimal.Decimal
}

// Result is the outcome of one buy or sell. Failures are values, never panics.
type Result struct {
	OK        bool             `json:"ok"`
	Side      Side             `json:"side"`
	Mint      string           `json:"mint"`
	Signature solana.Signature `json:"signature,omitempty"`
	// Amount received: tokens for a buy, SOL for a sell. Zero when the
	// balance change could not be read.
	Amount   decimal.Decimal `json:"amount"`
	Spent    decimal.Decimal `json:"spent"` // SOL for a buy, tokens for a sell
	Mode     string          `json:"mode,omitempty"`
	Duration time.Duration   `json:"duration"`
	Err      error           `json:"-"`
}

// Executor runs trades for one wallet.
type Executor struct {
	config  Config
	builder Builder
	rpc     solana.RPCClient
	keypair *solana.Keypair
	fees    FeeEstimator

	buys      atomic.Int64
	sells     atomic.Int64
	failures  atomic.Int64
	fallbacks atomic.Int64
}

// NewExecutor creates an executor. fees may be nil.
func NewExecutor(config Config, builder Builder, rpc solana.RPCClient, keypair *solana.Keypair, fees FeeEstimator) *Executor {
	def := DefaultConfig()
	if config.Pool == "" {
		config.Pool = def.Pool
	}
	if config.Commitment == "" {
		config.Commitment = def.Commitment
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = def.ConfirmTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	return &Executor{
		config:  config,
		builder: builder,
		rpc:     rpc,
		keypair: keypair,
		fees:    fees,
	}
}

// Wallet is the signing public key.
func (e *Executor) Wallet() solana.Pubkey {
	return e.keypair.PublicKey()
}

// Buy spends amountSOL on mint.
func (e *Executor) Buy(ctx context.Context, mint string, amountSOL decimal.Decimal, slippagePct float64) Result {
	return e.execute(ctx, BuildRequest{
		PublicKey:        e.keypair.PublicKey(),
		Action:           SideBuy,
		Mint:             mint,
		Amount:           amountSOL.String(),
		DenominatedInSOL: true,
		SlippagePct:      slippagePct,
		Pool:             e.config.Pool,
	}, amountSOL)
}

// Sell sells tokens of mint. A zero amount sells the whole balance.
func (e *Executor) Sell(ctx context.Context, mint string, tokens decimal.Decimal, slippagePct float64) Result {
	amount := "100%"
	if tokens.IsPositive() {
		amount = tokens.String()
	}
	return e.execute(ctx, BuildRequest{
		PublicKey:        e.keypair.PublicKey(),
		Action:           SideSell,
		Mint:             mint,
		Amount:           amount,
		DenominatedInSOL: false,
		SlippagePct:      slippagePct,
		Pool:             e.config.Pool,
	}, tokens)
}

func (e *Executor) execute(ctx context.Context, req BuildRequest, spent decimal.Decimal) (res Result) {
	start := time.Now()
	res = Result{Side: req.Action, Mint: req.Mint, Spent: spent}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("mint", req.Mint).Msg("trader: panic recovered")
			res.OK = false
			res.Amount = decimal.Zero
			res.Err = fmt.Errorf("%w: panic: %v", ErrSubmit, r)
		}
		res.Duration = time.Since(start)
		e.record(res)
	}()

	if e.config.DryRun {
		res.OK = true
		res.Mode = ModeDryRun
		res.Signature = solana.Signature("DRYRUN-" + uuid.New().String()[:8])
		log.Info().Str("side", string(req.Action)).Str("mint", req.Mint).Str("amount", req.Amount).Msg("trader: DRY RUN trade")
		return res
	}

	req.PriorityFeeSOL = e.priorityFee()

	raw, err := e.builder.Build(ctx, req)
	if err != nil {
		res.Err = err
		return res
	}

	signed, sig, err := solana.SignTransaction(raw, e.keypair)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSign, err)
		return res
	}
	res.Signature = sig

	txBase64 := base64.StdEncoding.EncodeToString(signed)
	mode, sent, err := e.submit(ctx, txBase64)
	res.Mode = mode
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrSubmit, err)
		return res
	}
	if sent != "" {
		res.Signature = sent
	}

	if err := e.confirm(ctx, res.Signature); err != nil {
		res.Err = fmt.Errorf("%w: %s: %w", ErrSubmit, res.Signature.Short(), err)
		return res
	}

	res.OK = true
	res.Amount = e.received(ctx, req, res.Signature)
	return res
}

// submit sends in the primary mode and retries once in the other mode.
func (e *Executor) submit(ctx context.Context, txBase64 string) (string, solana.Signature, error) {
	primary, secondary := ModeStandard, ModeFast
	if e.config.FastMode {
		primary, secondary = ModeFast, ModeStandard
	}

	sig, err := e.rpc.SendTransaction(ctx, txBase64, e.sendOptions(primary))
	if err == nil {
		return primary, sig, nil
	}
	if ctx.Err() != nil {
		return primary, "", err
	}

	log.Warn().Err(err).Str("mode", primary).Str("fallback", secondary).Msg("trader: submission failed, retrying in other mode")
	e.fallbacks.Add(1)
	sig, err2 := e.rpc.SendTransaction(ctx, txBase64, e.sendOptions(secondary))
	if err2 != nil {
		return secondary, "", fmt.Errorf("%s: %v; %s: %w", primary, err, secondary, err2)
	}
	return secondary, sig, nil
}

func (e *Executor) sendOptions(mode string) solana.SendOptions {
	return solana.SendOptions{
		SkipPreflight:       mode == ModeFast,
		PreflightCommitment: e.config.Commitment,
		MaxRetries:          e.config.SendMaxRetries,
	}
}

// confirm polls the signature until the commitment is reached, the
// transaction fails, or ConfirmTimeout passes.
func (e *Executor) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	last := solana.TxPending
	for {
		status, err := e.rpc.GetTransactionStatus(ctx, sig)
		switch {
		case err != nil:
			log.Debug().Err(err).Str("sig", sig.Short()).Msg("trader: status poll failed")
		case status == solana.TxFailed:
			return fmt.Errorf("transaction failed on-chain")
		case e.config.Commitment.Satisfies(status):
			return nil
		default:
			last = status
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("not confirmed (last status %s): %w", last, ctx.Err())
		case <-ticker.C:
		}
	}
}

// received reads the confirmed balance change. A failed lookup returns zero
// and the caller estimates.
func (e *Executor) received(ctx context.Context, req BuildRequest, sig solana.Signature) decimal.Decimal {
	change, err := e.rpc.GetBalanceChange(ctx, sig, e.keypair.PublicKey(), solana.Pubkey(req.Mint))
	if err != nil {
		log.Warn().Err(err).Str("sig", sig.Short()).Msg("trader: balance change unavailable, amount will be estimated")
		return decimal.Zero
	}
	if req.Action == SideBuy {
		return decimal.Max(change.TokenDelta, decimal.Zero)
	}
	return decimal.Max(change.SOLDelta, decimal.Zero)
}

func (e *Executor) priorityFee() decimal.Decimal {
	fee := e.config.PriorityFeeSOL
	if e.config.DynamicPriorityFee && e.fees != nil {
		if est := e.fees.EstimateSOL(); est.GreaterThan(fee) {
			fee = est
		}
	}
	return fee
}

func (e *Executor) record(res Result) {
	if !res.OK {
		e.failures.Add(1)
		log.Warn().Err(res.Err).
			Str("side", string(res.Side)).
			Str("mint", res.Mint).
			Str("sig", res.Signature.Short()).
			Dur("took", res.Duration).
			Msg("trader: trade failed")
		return
	}
	if res.Side == SideBuy {
		e.buys.Add(1)
	} else {
		e.sells.Add(1)
	}
	log.Info().
		Str("side", string(res.Side)).
		Str("mint", res.Mint).
		Str("sig", res.Signature.Short()).
		Str("mode", res.Mode).
		Str("amount", res.Amount.String()).
		Dur("took", res.Duration).
		Msg("trader: trade confirmed")
}

// ExecutorStats reports trade counters.
type ExecutorStats struct {
	Buys      int64 `json:"buys"`
	Sells     int64 `json:"sells"`
	Failures  int64 `json:"failures"`
	Fallbacks int64 `json:"fallbacks"`
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Buys:      e.buys.Load(),
		Sells:     e.sells.Load(),
		Failures:  e.failures.Load(),
		Fallbacks: e.fallbacks.Load(),
	}
}
