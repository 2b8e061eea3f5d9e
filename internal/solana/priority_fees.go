package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Dynamic Priority Fees: p75 of recent prioritization fees
// ---------------------------------------------------------------------------

const (
	// DefaultPriorityFeeMicroLamports is the fallback when no data is available.
	DefaultPriorityFeeMicroLamports = 10_000

	// DefaultComputeUnits approximates a pump.fun buy/sell instruction budget.
	DefaultComputeUnits = 200_000

	// FeeRefreshInterval is how often the estimator refreshes.
	FeeRefreshInterval = 15 * time.Second
)

// feeSource is the slice of RPCClient the estimator needs.
type feeSource interface {
	GetRecentPriorityFee(ctx context.Context) (uint64, error)
}

// PriorityFeeEstimator polls recent prioritization fees and converts the
// p75 unit price into a total SOL fee for the venue's priorityFee field.
type PriorityFeeEstimator struct {
	rpc          feeSource
	computeUnits uint64
	ceilingSOL   decimal.Decimal

	mu        sync.RWMutex
	feeP75    uint64 // micro-lamports per CU
	lastFetch time.Time
	failures  int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPriorityFeeEstimator creates an estimator. ceilingSOL caps EstimateSOL.
func NewPriorityFeeEstimator(rpc feeSource, ceilingSOL decimal.Decimal) *PriorityFeeEstimator {
	return &PriorityFeeEstimator{
		rpc:          rpc,
		computeUnits: DefaultComputeUnits,
		ceilingSOL:   ceilingSOL,
		stopCh:       make(chan struct{}),
	}
}

// Start begins periodic fee estimation. Blocks until ctx is cancelled or
// Stop is called.
func (e *PriorityFeeEstimator) Start(ctx context.Context) {
	e.refresh(ctx)

	ticker := time.NewTicker(FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// Stop terminates the estimator.
func (e *PriorityFeeEstimator) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// EstimateSOL returns the recommended total priority fee in SOL, or zero
// when no sample has been fetched yet.
func (e *PriorityFeeEstimator) EstimateSOL() decimal.Decimal {
	e.mu.RLock()
	p75 := e.feeP75
	e.mu.RUnlock()

	if p75 == 0 {
		return decimal.Zero
	}

	// micro-lamports/CU * CU / 1e6 = lamports
	lamports := decimal.NewFromInt(int64(p75)).
		Mul(decimal.NewFromInt(int64(e.computeUnits))).
		Div(decimal.NewFromInt(1_000_000))
	fee := lamports.Div(decimal.NewFromInt(LamportsPerSOL))

	if e.ceilingSOL.IsPositive() && fee.GreaterThan(e.ceilingSOL) {
		fee = e.ceilingSOL
	}
	return fee
}

// FeeStats returns current fee estimation stats.
type FeeStats struct {
	P75MicroLamports uint64    `json:"p75_micro_lamports"`
	EstimateSOL      string    `json:"estimate_sol"`
	Failures         int       `json:"failures"`
	LastFetch        time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	estimate := e.EstimateSOL()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		P75MicroLamports: e.feeP75,
		EstimateSOL:      estimate.String(),
		Failures:         e.failures,
		LastFetch:        e.lastFetch,
	}
}

func (e *PriorityFeeEstimator) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fee, err := e.rpc.GetRecentPriorityFee(fetchCtx)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failures++
		log.Debug().Err(err).Msg("priority_fees: failed to fetch recent fees")
		return
	}
	e.feeP75 = fee
	e.lastFetch = time.Now()
	log.Debug().Uint64("p75", fee).Msg("priority_fees: updated estimate")
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetRecentPriorityFee returns the p75 of non-zero recent prioritization
// fees, or the default when the network reports none.
func (c *LiveRPCClient) GetRecentPriorityFee(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return DefaultPriorityFeeMicroLamports, fmt.Errorf("rpc: getRecentPrioritizationFees: %w", err)
	}

	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return DefaultPriorityFeeMicroLamports, fmt.Errorf("rpc: parse prioritization fees: %w", err)
	}

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	if len(values) == 0 {
		return DefaultPriorityFeeMicroLamports, nil
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return percentile(values, 75), nil
}
