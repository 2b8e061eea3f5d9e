// Package holders looks up token holder counts from an ordered chain of
// data services.
package holders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/nexus-trading/pumpsniper/internal/provider"
	"github.com/nexus-trading/pumpsniper/internal/solana"
)

// ErrLookupFailed means every provider failed for a mint.
var ErrLookupFailed = errors.New("holders: lookup failed")

// DefaultSolanaTrackerURL is the public SolanaTracker data API.
const DefaultSolanaTrackerURL = "https://data.solanatracker.io"

// Provider returns the number of holders of a mint.
type Provider interface {
	Name() string
	HolderCount(ctx context.Context, mint string) (int, error)
}

// Config configures the lookup chain.
type Config struct {
	SolanaTrackerURL    string        `yaml:"solanatracker_url"`
	SolanaTrackerAPIKey string        `yaml:"solanatracker_api_key"`
	Timeout             time.Duration `yaml:"timeout"`
	FailOpen            bool          `yaml:"fail_open"`
}

// DefaultConfig fails open with a 5s per-provider timeout.
func DefaultConfig() Config {
	return Config{
		SolanaTrackerURL: DefaultSolanaTrackerURL,
		Timeout:          5 * time.Second,
		FailOpen:         true,
	}
}

// ---------------------------------------------------------------------------
// SolanaTracker
// ---------------------------------------------------------------------------

// SolanaTrackerProvider reads GET {base}/tokens/{mint}/holders.
type SolanaTrackerProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSolanaTrackerProvider creates the primary provider.
func NewSolanaTrackerProvider(baseURL, apiKey string, timeout time.Duration) *SolanaTrackerProvider {
	if baseURL == "" {
		baseURL = DefaultSolanaTrackerURL
	}
	return &SolanaTrackerProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *SolanaTrackerProvider) Name() string { return "solanatracker" }

func (p *SolanaTrackerProvider) HolderCount(ctx context.Context, mint string) (int, error) {
	target := fmt.Sprintf("%s/tokens/%s/holders", p.baseURL, url.PathEscape(mint))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("x-api-key", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return parseHolderCount(body)
}

// parseHolderCount reads "total", or else the length of the holders or
// accounts array.
func parseHolderCount(body []byte) (int, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("malformed payload")
	}
	root := gjson.ParseBytes(body)
	if total := root.Get("total"); total.Type == gjson.Number {
		if total.Int() < 0 {
			return 0, fmt.Errorf("negative total %d", total.Int())
		}
		return int(total.Int()), nil
	}
	for _, key := range []string{"holders", "accounts"} {
		if arr := root.Get(key); arr.IsArray() {
			return len(arr.Array()), nil
		}
	}
	return 0, fmt.Errorf("payload has no holder count")
}

// ---------------------------------------------------------------------------
// RPC (Helius DAS getTokenAccounts)
// ---------------------------------------------------------------------------

// RPCProvider asks a DAS-capable RPC endpoint.
type RPCProvider struct {
	rpc solana.RPCClient
}

// NewRPCProvider wraps rpc as a holder provider.
func NewRPCProvider(rpc solana.RPCClient) *RPCProvider {
	return &RPCProvider{rpc: rpc}
}

func (p *RPCProvider) Name() string { return "helius_das" }

func (p *RPCProvider) HolderCount(ctx context.Context, mint string) (int, error) {
	return p.rpc.GetTokenHolderCount(ctx, solana.Pubkey(mint))
}

// ---------------------------------------------------------------------------
// Lookup chain
// ---------------------------------------------------------------------------

// Lookup tries providers in order, each under its own timeout.
type Lookup struct {
	providers []Provider
	timeout   time.Duration
}

// NewLookup creates a chain. Order matters: primary first.
func NewLookup(timeout time.Duration, providers ...Provider) *Lookup {
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Lookup{providers: providers, timeout: timeout}
}

// HolderCount returns the first successful count. When every provider fails
// the error wraps ErrLookupFailed.
func (l *Lookup) HolderCount(ctx context.Context, mint string) (int, error) {
	attempts := make([]provider.Attempt[int], 0, len(l.providers))
	for _, p := range l.providers {
		p := p
		attempts = append(attempts, provider.Attempt[int]{
			Name: p.Name(),
			Fetch: func(ctx context.Context) (int, error) {
				ctx, cancel := context.WithTimeout(ctx, l.timeout)
				defer cancel()
				return p.HolderCount(ctx, mint)
			},
		})
	}

	count, source, err := provider.First(ctx, attempts...)
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrLookupFailed, mint, err)
	}
	log.Debug().Str("mint", mint).Int("holders", count).Str("source", source).Msg("holders: count fetched")
	return count, nil
}
