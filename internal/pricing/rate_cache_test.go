package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	mu    sync.Mutex
	rate  decimal.Decimal
	err   error
	calls atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) FetchSOLUSD(context.Context) (decimal.Decimal, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate, s.err
}

func (s *stubSource) set(rate string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate != "" {
		s.rate = decimal.RequireFromString(rate)
	}
	s.err = err
}

func TestRateCache_RefreshFallsBack(t *testing.T) {
	primary := &stubSource{name: "jupiter", err: errors.New("HTTP 503")}
	secondary := &stubSource{name: "coingecko", rate: decimal.NewFromInt(142)}
	cache := NewRateCache(DefaultConfig(), primary, secondary)

	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, "142", cache.Current().String())
	assert.Equal(t, "coingecko", cache.Stats().Source)
}

func TestRateCache_KeepsPreviousRateOnFailure(t *testing.T) {
	src := &stubSource{name: "jupiter", rate: decimal.NewFromInt(150)}
	cache := NewRateCache(DefaultConfig(), src)
	require.NoError(t, cache.Refresh(context.Background()))

	src.set("", errors.New("down"))
	assert.Error(t, cache.Refresh(context.Background()))
	assert.Equal(t, "150", cache.Current().String())
	assert.Equal(t, int64(1), cache.Stats().Failures)
}

func TestRateCache_RateRefreshesAtMostOncePerTTL(t *testing.T) {
	src := &stubSource{name: "jupiter", rate: decimal.NewFromInt(150)}
	cfg := DefaultConfig()
	cfg.InitialRate = decimal.NewFromInt(100)
	cache := NewRateCache(cfg, src)

	now := time.Unix(1700000000, 0)
	var clock sync.Mutex
	cache.now = func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clock.Lock()
		now = now.Add(d)
		clock.Unlock()
	}

	// First read returns the seed immediately and starts a refresh.
	assert.Equal(t, "100", cache.Rate().String())
	assert.Eventually(t, func() bool { return cache.Current().Equal(decimal.NewFromInt(150)) }, time.Second, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		cache.Rate()
	}
	advance(4 * time.Minute)
	cache.Rate()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())

	src.set("160", nil)
	advance(2 * time.Minute)
	cache.Rate()
	assert.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return cache.Current().Equal(decimal.NewFromInt(160)) }, time.Second, 5*time.Millisecond)
}

func TestRateCache_FailedAttemptAlsoGatesRefresh(t *testing.T) {
	src := &stubSource{name: "jupiter", err: errors.New("down")}
	cfg := DefaultConfig()
	cfg.InitialRate = decimal.NewFromInt(100)
	cache := NewRateCache(cfg, src)

	cache.Rate()
	assert.Eventually(t, func() bool { return cache.Stats().Failures == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 5; i++ {
		assert.Equal(t, "100", cache.Rate().String())
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestJupiterSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "So11111111111111111111111111111111111111112", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"data":{"So11111111111111111111111111111111111111112":{"id":"So11111111111111111111111111111111111111112","type":"derivedPrice","price":"171.25"}},"timeTaken":0.003}`))
	}))
	defer server.Close()

	rate, err := NewJupiterSource(server.URL, time.Second).FetchSOLUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "171.25", rate.String())
}

func TestCoinGeckoSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "solana", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		w.Write([]byte(`{"solana":{"usd":168.4}}`))
	}))
	defer server.Close()

	rate, err := NewCoinGeckoSource(server.URL, time.Second).FetchSOLUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "168.4", rate.String())
}

func TestSources_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"status", http.StatusTooManyRequests, `{}`},
		{"missing", http.StatusOK, `{"data":{}}`},
		{"zero", http.StatusOK, `{"solana":{"usd":0},"data":{"So11111111111111111111111111111111111111112":{"price":"0"}}}`},
		{"not json", http.StatusOK, `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewJupiterSource(server.URL, time.Second).FetchSOLUSD(context.Background())
			assert.Error(t, err)
			_, err = NewCoinGeckoSource(server.URL, time.Second).FetchSOLUSD(context.Background())
			assert.Error(t, err)
		})
	}
}
