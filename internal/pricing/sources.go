package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/nexus-trading/pumpsniper/internal/solana"
)

const (
	DefaultJupiterURL   = "https://api.jup.ag/price/v2"
	DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"
)

// Source fetches the SOL/USD rate from one service.
type Source interface {
	Name() string
	FetchSOLUSD(ctx context.Context) (decimal.Decimal, error)
}

// JupiterSource reads the SOL price from the Jupiter price API.
type JupiterSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewJupiterSource creates a Jupiter source. An empty baseURL uses the public endpoint.
func NewJupiterSource(baseURL string, timeout time.Duration) *JupiterSource {
	if baseURL == "" {
		baseURL = DefaultJupiterURL
	}
	return &JupiterSource{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (s *JupiterSource) Name() string { return "jupiter" }

func (s *JupiterSource) FetchSOLUSD(ctx context.Context) (decimal.Decimal, error) {
	queryURL, err := url.Parse(s.baseURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", string(solana.SOLMint))
	queryURL.RawQuery = q.Encode()

	body, err := getJSON(ctx, s.httpClient, queryURL.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: %w", err)
	}

	// data.<mint>.price is a string in v2 and a number in v6.
	price := gjson.GetBytes(body, "data."+escapeKey(string(solana.SOLMint))+".price")
	return positive("jupiter", price)
}

// CoinGeckoSource reads the SOL price from the CoinGecko simple price API.
type CoinGeckoSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoSource creates a CoinGecko source. An empty baseURL uses the public endpoint.
func NewCoinGeckoSource(baseURL string, timeout time.Duration) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGeckoSource{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

func (s *CoinGeckoSource) FetchSOLUSD(ctx context.Context) (decimal.Decimal, error) {
	queryURL, err := url.Parse(s.baseURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", "solana")
	q.Set("vs_currencies", "usd")
	queryURL.RawQuery = q.Encode()

	body, err := getJSON(ctx, s.httpClient, queryURL.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: %w", err)
	}
	return positive("coingecko", gjson.GetBytes(body, "solana.usd"))
}

func getJSON(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return body, nil
}

func positive(source string, r gjson.Result) (decimal.Decimal, error) {
	if !r.Exists() {
		return decimal.Zero, fmt.Errorf("%s: price missing from response", source)
	}
	raw := r.Raw
	if r.Type == gjson.String {
		raw = r.Str
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: parse price %q: %w", source, raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: zero/negative price", source)
	}
	return price, nil
}

// escapeKey escapes gjson path metacharacters in a map key.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', '\\':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
