package trader

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// ---------------------------------------------------------------------------
// PumpPortal trade-local client: builds unsigned transactions
// https://pumpportal.fun/local-trading-api/trading-api
// ---------------------------------------------------------------------------

// DefaultTradeURL is the PumpPortal local transaction endpoint.
const DefaultTradeURL = "https://pumpportal.fun/api/trade-local"

var (
	ErrBuild  = errors.New("trader: transaction build failed")
	ErrSign   = errors.New("trader: signing failed")
	ErrSubmit = errors.New("trader: submission failed")
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// BuildRequest is one trade-local request.
type BuildRequest struct {
	PublicKey        solana.Pubkey
	Action           Side
	Mint             string
	Amount           string // SOL or tokens, or "100%" to sell everything
	DenominatedInSOL bool
	SlippagePct      float64
	PriorityFeeSOL   decimal.Decimal
	Pool             string
}

func (r BuildRequest) form() url.Values {
	v := url.Values{}
	v.Set("publicKey", string(r.PublicKey))
	v.Set("action", string(r.Action))
	v.Set("mint", r.Mint)
	v.Set("amount", r.Amount)
	v.Set("denominatedInSol", fmt.Sprintf("%t", r.DenominatedInSOL))
	v.Set("slippage", decimal.NewFromFloat(r.SlippagePct).String())
	v.Set("priorityFee", r.PriorityFeeSOL.String())
	v.Set("pool", r.Pool)
	return v
}

// ClientConfig configures the trade-local client.
type ClientConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// Client calls trade-local.
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	requests atomic.Int64
	failures atomic.Int64
}

// NewClient creates a trade-local client.
func NewClient(config ClientConfig) *Client {
	if config.URL == "" {
		config.URL = DefaultTradeURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Backoff <= 0 {
		config.Backoff = 250 * time.Millisecond
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Build requests an unsigned transaction. Errors wrap ErrBuild.
func (c *Client) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	body := req.form().Encode()
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.Backoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrBuild, ctx.Err())
			}
		}

		tx, retry, err := c.do(ctx, body)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		c.failures.Add(1)
		if !retry {
			break
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Str("mint", req.Mint).Msg("trader: trade-local retry")
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, body string) (tx []byte, retry bool, err error) {
	c.requests.Add(1)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, strings.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: create request: %w", ErrBuild, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("%w: HTTP error: %w", ErrBuild, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read response: %w", ErrBuild, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("%w: HTTP %d: %s", ErrBuild, resp.StatusCode, errorText(data))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: HTTP %d: %s", ErrBuild, resp.StatusCode, errorText(data))
	}

	tx, err = decodeTransaction(data)
	return tx, false, err
}

// decodeTransaction accepts a JSON body (error, or a "transaction" field),
// base58 text, or raw transaction bytes.
func decodeTransaction(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrBuild)
	}

	if (trimmed[0] == '{' || trimmed[0] == '[') && gjson.ValidBytes(trimmed) {
		if tx := gjson.GetBytes(trimmed, "transaction"); tx.Type == gjson.String {
			return decodeText(tx.Str)
		}
		return nil, fmt.Errorf("%w: %s", ErrBuild, errorText(trimmed))
	}

	if isBase58(trimmed) {
		return decodeText(string(trimmed))
	}
	return data, nil
}

func decodeText(s string) ([]byte, error) {
	if raw, err := base58.Decode(s); err == nil && len(raw) > 0 {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) > 0 {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: undecodable transaction text", ErrBuild)
}

func isBase58(b []byte) bool {
	for _, c := range b {
		if !strings.ContainsRune("123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz", rune(c)) {
			return false
		}
	}
	return true
}

// errorText pulls a readable message from an error body.
func errorText(data []byte) string {
	if gjson.ValidBytes(data) {
		for _, key := range []string{"error", "message", "errors"} {
			if r := gjson.GetBytes(data, key); r.Exists() {
				return r.String()
			}
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
