package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Live RPC Client: Solana JSON-RPC with rate limiting & retry
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	limiter *rate.Limiter

	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}

	burst := int(config.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &LiveRPCClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst),
	}
}

// Close releases idle connections.
func (c *LiveRPCClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// rpcRequest is a JSON-RPC 2.0 request. Params is either a positional
// array or, for DAS methods, a named-parameter object.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: circuit breaker open for %s (too many consecutive errors)", method)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", method, err)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc: %s rate limited (429)", method)
			c.errorCount.Add(1)
			// 429 does not count towards the circuit breaker.
			select {
			case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.resetErrors()
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("rpc: circuit breaker reset")
			}()
		}
	}
}

func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	cfg := map[string]any{
		"encoding":      "base64",
		"skipPreflight": opts.SkipPreflight,
	}
	if opts.PreflightCommitment != "" {
		cfg["preflightCommitment"] = string(opts.PreflightCommitment)
	}
	if opts.MaxRetries > 0 {
		cfg["maxRetries"] = opts.MaxRetries
	}

	result, err := c.call(ctx, "sendTransaction", []any{txBase64, cfg})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetTransactionStatus checks transaction confirmation status.
func (c *LiveRPCClient) GetTransactionStatus(ctx context.Context, sig Signature) (TxStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Value []*struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("rpc: parse status: %w", err)
	}

	if len(resp.Value) == 0 || resp.Value[0] == nil || resp.Value[0].ConfirmationStatus == "" {
		return TxPending, nil
	}
	if resp.Value[0].Err != nil {
		return TxFailed, nil
	}
	return TxStatus(resp.Value[0].ConfirmationStatus), nil
}

type tokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		UIAmountString string `json:"uiAmountString"`
	} `json:"uiTokenAmount"`
}

// GetBalanceChange reads a confirmed transaction and returns the SOL and
// token deltas for owner.
func (c *LiveRPCClient) GetBalanceChange(ctx context.Context, sig Signature, owner, mint Pubkey) (*BalanceChange, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("rpc: transaction %s not found", sig.Short())
	}

	var tx struct {
		Meta *struct {
			Fee               int64          `json:"fee"`
			PreBalances       []int64        `json:"preBalances"`
			PostBalances      []int64        `json:"postBalances"`
			PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
			PostTokenBalances []tokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []struct {
					Pubkey string `json:"pubkey"`
				} `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}
	if tx.Meta == nil {
		return nil, fmt.Errorf("rpc: transaction %s has no meta", sig.Short())
	}

	change := &BalanceChange{
		SOLDelta:   decimal.Zero,
		TokenDelta: decimal.Zero,
		FeeSOL:     LamportsToSOL(tx.Meta.Fee),
	}

	for i, key := range tx.Transaction.Message.AccountKeys {
		if key.Pubkey != string(owner) {
			continue
		}
		if i < len(tx.Meta.PreBalances) && i < len(tx.Meta.PostBalances) {
			change.SOLDelta = LamportsToSOL(tx.Meta.PostBalances[i] - tx.Meta.PreBalances[i])
		}
		break
	}

	sumFor := func(balances []tokenBalance) decimal.Decimal {
		total := decimal.Zero
		for _, b := range balances {
			if b.Owner != string(owner) || b.Mint != string(mint) {
				continue
			}
			amount, err := decimal.NewFromString(b.UITokenAmount.UIAmountString)
			if err == nil {
				total = total.Add(amount)
			}
		}
		return total
	}
	change.TokenDelta = sumFor(tx.Meta.PostTokenBalances).Sub(sumFor(tx.Meta.PreTokenBalances))

	return change, nil
}

// GetBalance fetches the SOL balance of a wallet.
func (c *LiveRPCClient) GetBalance(ctx context.Context, wallet Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getBalance", []any{string(wallet)})
	if err != nil {
		return decimal.Zero, err
	}

	var balResp struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(result, &balResp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return LamportsToSOL(balResp.Value), nil
}

// holderPageLimit bounds the DAS page size. Counts at or above this value
// mean "at least this many".
const holderPageLimit = 1000

// GetTokenHolderCount counts token accounts for a mint via the DAS
// getTokenAccounts method. Only the first page is read.
func (c *LiveRPCClient) GetTokenHolderCount(ctx context.Context, mint Pubkey) (int, error) {
	result, err := c.call(ctx, "getTokenAccounts", map[string]any{
		"mint":  string(mint),
		"limit": holderPageLimit,
		"page":  1,
	})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Total         *int              `json:"total"`
		TokenAccounts []json.RawMessage `json:"token_accounts"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("rpc: parse token accounts: %w", err)
	}
	if resp.Total != nil {
		return *resp.Total, nil
	}
	if resp.TokenAccounts == nil {
		return 0, fmt.Errorf("rpc: token accounts payload missing total")
	}
	return len(resp.TokenAccounts), nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
