package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// SendTransaction submits a signed, base64-encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error)

	// GetTransactionStatus checks a signature's confirmation state.
	GetTransactionStatus(ctx context.Context, sig Signature) (TxStatus, error)

	// GetBalanceChange reads pre/post balances of a confirmed transaction
	// for one owner and one mint.
	GetBalanceChange(ctx context.Context, sig Signature, owner, mint Pubkey) (*BalanceChange, error)

	// GetBalance returns the SOL balance of a wallet.
	GetBalance(ctx context.Context, wallet Pubkey) (decimal.Decimal, error)

	// GetTokenHolderCount returns the number of token accounts for a mint
	// (DAS getTokenAccounts; requires a DAS-capable endpoint).
	GetTokenHolderCount(ctx context.Context, mint Pubkey) (int, error)

	// GetRecentPriorityFee returns the p75 recent prioritization fee in
	// micro-lamports per compute unit.
	GetRecentPriorityFee(ctx context.Context) (uint64, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // requests per second limit
}

// DefaultRPCConfig returns mainnet defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a mock RPC client for testing.
type StubRPCClient struct {
	mu          sync.RWMutex
	sent        []SentTx
	statuses    []TxStatus // consumed in order; last one repeats
	change      *BalanceChange
	holders     map[Pubkey]int
	balance     decimal.Decimal
	priorityFee uint64
	failSends   int
	failNext    bool
}

// SentTx records one SendTransaction call on the stub.
type SentTx struct {
	TxBase64 string
	Options  SendOptions
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		statuses:    []TxStatus{TxConfirmed},
		holders:     make(map[Pubkey]int),
		balance:     decimal.NewFromFloat(10.0),
		priorityFee: DefaultPriorityFeeMicroLamports,
	}
}

// SetStatuses sets the sequence GetTransactionStatus walks through.
func (s *StubRPCClient) SetStatuses(statuses ...TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
}

// SetBalanceChange sets the result of GetBalanceChange.
func (s *StubRPCClient) SetBalanceChange(change BalanceChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.change = &change
}

// SetHolderCount registers a holder count for a mint.
func (s *StubRPCClient) SetHolderCount(mint Pubkey, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = count
}

// SetBalance sets the stub wallet balance.
func (s *StubRPCClient) SetBalance(sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = sol
}

// SetFailSends makes the next n SendTransaction calls fail.
func (s *StubRPCClient) SetFailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Sent returns every transaction submitted so far.
func (s *StubRPCClient) Sent() []SentTx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SentTx, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentTx{TxBase64: txBase64, Options: opts})
	if s.failSends > 0 {
		s.failSends--
		return "", fmt.Errorf("stub: simulated send failure")
	}
	return Signature(fmt.Sprintf("stub-sig-%d", time.Now().UnixNano())), nil
}

func (s *StubRPCClient) GetTransactionStatus(_ context.Context, _ Signature) (TxStatus, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return TxPending, nil
	}
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return status, nil
}

func (s *StubRPCClient) GetBalanceChange(_ context.Context, _ Signature, _, _ Pubkey) (*BalanceChange, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.change == nil {
		return nil, fmt.Errorf("stub: no balance change registered")
	}
	change := *s.change
	return &change, nil
}

func (s *StubRPCClient) GetBalance(_ context.Context, _ Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

func (s *StubRPCClient) GetTokenHolderCount(_ context.Context, mint Pubkey) (int, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count, ok := s.holders[mint]
	if !ok {
		return 0, fmt.Errorf("stub: no holders for %s", mint)
	}
	return count, nil
}

func (s *StubRPCClient) GetRecentPriorityFee(_ context.Context) (uint64, error) {
	if s.shouldFail() {
		return DefaultPriorityFeeMicroLamports, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priorityFee, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}
