package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/pumpsniper/internal/config"
	"github.com/nexus-trading/pumpsniper/internal/engine"
	"github.com/nexus-trading/pumpsniper/internal/feed"
	"github.com/nexus-trading/pumpsniper/internal/holders"
	"github.com/nexus-trading/pumpsniper/internal/observability"
	"github.com/nexus-trading/pumpsniper/internal/pricing"
	"github.com/nexus-trading/pumpsniper/internal/sniper"
	"github.com/nexus-trading/pumpsniper/internal/solana"
	"github.com/nexus-trading/pumpsniper/internal/trader"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	dryRunFlag := flag.Bool("dry-run", false, "Build trades but never send them")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *dryRunFlag {
		cfg.General.DryRun = true
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Str("pool", cfg.Venue.Pool).
		Float64("sol_per_snipe", cfg.Sniper.SOLPerSnipe).
		Int("max_positions", cfg.Sniper.MaxPositions).
		Float64("profit_target", cfg.Sniper.ProfitTarget).
		Float64("stop_loss", cfg.Sniper.StopLoss).
		Bool("auto_buy", cfg.Sniper.AutoBuy).
		Bool("auto_sell", cfg.Sniper.AutoSell).
		Msg("Configuration loaded")

	// 4. Solana RPC and wallet.
	rpc := solana.NewLiveRPCClient(solana.RPCConfig{
		Endpoint:     cfg.Solana.RPCEndpoint,
		Timeout:      10 * time.Second,
		MaxRetries:   cfg.Solana.MaxRetries,
		RateLimitRPS: cfg.Solana.RateLimitRPS,
	})
	defer rpc.Close()

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rpc.Health(healthCtx); err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.Solana.RPCEndpoint).
			Msg("Solana RPC health check failed (continuing, may be rate-limited)")
	}
	healthCancel()

	keypair, err := loadWallet(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Wallet key invalid")
	}
	log.Info().Str("wallet", string(keypair.PublicKey())).Msg("Wallet loaded")

	// 5. Pricing, holders and fees.
	rates := pricing.NewRateCache(pricing.Config{
		TTL:          config.Seconds(cfg.Pricing.RefreshIntervalS),
		FetchTimeout: 10 * time.Second,
		InitialRate:  decimal.NewFromFloat(cfg.Pricing.InitialSOLUSD),
	},
		pricing.NewJupiterSource(cfg.Pricing.JupiterURL, 10*time.Second),
		pricing.NewCoinGeckoSource(cfg.Pricing.CoinGeckoURL, 10*time.Second),
	)

	holderLookup := newHolderLookup(cfg, rpc)

	var fees *solana.PriorityFeeEstimator
	if cfg.Venue.DynamicPriorityFee {
		fees = solana.NewPriorityFeeEstimator(rpc, decimal.NewFromFloat(cfg.Venue.MaxPriorityFeeSOL))
	}

	// 6. Trade executor.
	client := trader.NewClient(trader.ClientConfig{
		URL:        cfg.Venue.TradeURL,
		APIKey:     cfg.Venue.APIKey,
		Timeout:    config.Seconds(cfg.Venue.TimeoutS),
		MaxRetries: cfg.Venue.MaxRetries,
	})
	execCfg := trader.DefaultConfig()
	execCfg.Pool = cfg.Venue.Pool
	execCfg.PriorityFeeSOL = decimal.NewFromFloat(cfg.Venue.PriorityFeeSOL)
	execCfg.DynamicPriorityFee = cfg.Venue.DynamicPriorityFee
	execCfg.Commitment = solana.Commitment(cfg.Solana.Commitment)
	execCfg.ConfirmTimeout = config.Seconds(cfg.Solana.ConfirmTimeoutS)
	execCfg.FastMode = cfg.Solana.FastMode
	execCfg.SendMaxRetries = cfg.Solana.MaxRetries
	execCfg.DryRun = cfg.General.DryRun

	var feeSource trader.FeeEstimator
	if fees != nil {
		feeSource = fees
	}
	executor := trader.NewExecutor(execCfg, client, rpc, keypair, feeSource)

	// 7. Feed and engine.
	feedCfg := feed.DefaultConfig()
	feedCfg.URL = cfg.Feed.URL
	feedCfg.MaxConnectAttempts = cfg.Feed.MaxConnectAttempts
	feedCfg.ConnectTimeout = config.Seconds(cfg.Feed.ConnectTimeoutS)
	feedCfg.ReconnectDelay = config.Seconds(cfg.Feed.ReconnectDelayS)
	feedCfg.PingInterval = config.Seconds(cfg.Feed.PingIntervalS)
	feedCfg.ReadTimeout = config.Seconds(cfg.Feed.ReadTimeoutS)
	feedManager := feed.NewManager(feedCfg)
	defer feedManager.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	engCfg := engine.DefaultConfig()
	engCfg.Pool = cfg.Venue.Pool
	engCfg.WatchAccounts = cfg.Feed.WatchAccounts
	engCfg.FailOpen = cfg.Holders.FailOpen
	engCfg.TradeTimeout = config.Seconds(cfg.Solana.ConfirmTimeoutS)*2 + config.Seconds(cfg.Venue.TimeoutS)

	eng, err := engine.New(engCfg, cfg.Sniper, engine.Deps{
		Feed:     feedManager,
		Executor: executor,
		Holders:  holderLookup,
		Rates:    rates,
		Balance:  rpc,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Engine init failed")
	}

	monitor := observability.NewHealthMonitor(5 * time.Second)
	monitor.Register("feed", observability.FeedCheck(feedManager.Connected))
	monitor.Register("solana_rpc", observability.PingCheck(rpc.Health))
	monitor.Register("sol_usd", observability.FreshnessCheck(func() time.Time {
		return rates.Stats().UpdatedAt
	}, 3*config.Seconds(cfg.Pricing.RefreshIntervalS)))

	// 8. Setup context.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })

	if fees != nil {
		g.Go(func() error {
			fees.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logEvents(gctx, eng)
		return nil
	})

	if cfg.General.AutoStart {
		if err := eng.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Engine start failed, staying stopped")
		}
	}

	// HTTP metrics/health/stats endpoint.
	if cfg.Metrics.Enabled {
		server := newServer(cfg.Metrics.Port, registry, monitor, eng, rpc, rates, fees)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			log.Info().Str("addr", server.Addr).Msg("HTTP server started (metrics + health + stats)")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	// Periodic stats logging.
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(eng.Stats(), rates, fees)
			}
		}
	})

	<-gctx.Done()
	log.Warn().Msg("Shutdown requested, waiting for in-flight trades")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Service error")
	}

	final := eng.Stats()
	log.Info().
		Int64("buys", final.Buys).
		Int64("sells", final.Sells).
		Int("open_positions", final.Positions.Open).
		Str("realized_pnl_sol", final.Positions.RealizedPnL).
		Msg("Final stats")
	log.Info().Msg("pump-sniper - Shutdown complete")
}

func loadWallet(cfg *config.Config) (*solana.Keypair, error) {
	if cfg.Solana.PrivateKey != "" {
		return solana.ParseKeypair(cfg.Solana.PrivateKey)
	}
	log.Warn().Msg("No private key configured, using a throwaway dry-run wallet")
	return solana.GenerateKeypair()
}

// newHolderLookup chains SolanaTracker (when keyed) in front of the DAS
// holder count on the Helius endpoint, or on the main RPC.
func newHolderLookup(cfg *config.Config, rpc solana.RPCClient) *holders.Lookup {
	var providers []holders.Provider
	timeout := config.Seconds(cfg.Holders.TimeoutS)
	if cfg.Holders.SolanaTrackerAPIKey != "" {
		providers = append(providers, holders.NewSolanaTrackerProvider(
			cfg.Holders.SolanaTrackerURL, cfg.Holders.SolanaTrackerAPIKey, timeout))
	}
	das := rpc
	if cfg.Holders.HeliusRPCEndpoint != "" {
		das = solana.NewLiveRPCClient(solana.RPCConfig{
			Endpoint:     cfg.Holders.HeliusRPCEndpoint,
			Timeout:      timeout,
			MaxRetries:   1,
			RateLimitRPS: cfg.Solana.RateLimitRPS,
		})
	}
	providers = append(providers, holders.NewRPCProvider(das))
	return holders.NewLookup(timeout, providers...)
}

func newServer(port int, registry *prometheus.Registry, monitor *observability.HealthMonitor,
	eng *engine.Engine, rpc *solana.LiveRPCClient, rates *pricing.RateCache, fees *solana.PriorityFeeEstimator) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := monitor.Check(r.Context())
		code := http.StatusOK
		if health.Status == observability.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{
			"engine":  eng.Stats(),
			"rpc":     rpc.Stats(),
			"sol_usd": rates.Stats(),
		}
		if fees != nil {
			body["priority_fee"] = fees.Stats()
		}
		writeJSON(w, http.StatusOK, body)
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// logEvents mirrors the engine stream into the log.
func logEvents(ctx context.Context, eng *engine.Engine) {
	events, cancel := eng.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case engine.EventTransaction:
				tx := ev.Transaction
				log.Info().
					Str("side", string(tx.Side)).
					Str("mint", tx.Mint).
					Bool("ok", tx.OK).
					Str("sig", tx.Signature).
					Str("amount", tx.Amount).
					Str("mode", tx.Mode).
					Str("error", tx.Error).
					Msg("Trade finished")
			case engine.EventPositionUpdate:
				if ev.Position.Status == sniper.StatusClosed {
					log.Info().
						Str("mint", ev.Position.Mint).
						Str("reason", string(ev.Position.CloseReason)).
						Str("pnl", ev.Position.RealizedPnL.String()).
						Msg("Position closed")
				}
			case engine.EventError:
				log.Warn().Str("error", ev.Error).Msg("Engine error")
			}
		}
	}
}

func logStats(s engine.Stats, rates *pricing.RateCache, fees *solana.PriorityFeeEstimator) {
	logEvt := log.Info().
		Bool("running", s.Running).
		Bool("feed_connected", s.Feed.Connected).
		Int64("frames", s.Feed.FramesRecv).
		Int64("reconnects", s.Feed.Reconnects).
		Int64("candidates", s.CandidatesSeen).
		Int64("passed", s.CandidatesPassed).
		Int64("rejected", s.CandidatesRejected).
		Int64("buys", s.Buys).
		Int64("sells", s.Sells).
		Int64("failed_trades", s.FailedTrades).
		Int("open_pos", s.Positions.Open).
		Int64("wins", s.Positions.Wins).
		Int64("losses", s.Positions.Losses).
		Str("realized_pnl", s.Positions.RealizedPnL).
		Int("mailbox", s.MailboxDepth).
		Str("sol_usd", rates.Current().StringFixed(2))
	if fees != nil {
		logEvt = logEvt.Str("fee_estimate_sol", fees.Stats().EstimateSOL)
	}
	logEvt.Msg("[STATS]")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "pump-sniper").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "pump-sniper").
			Str("instance", general.InstanceID).Logger()
	}
}
