package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/pumpsniper/internal/sniper"
)

// Config is the root configuration structure for the sniper.
type Config struct {
	General GeneralConfig   `yaml:"general"`
	Feed    FeedConfig      `yaml:"feed"`
	Venue   VenueConfig     `yaml:"venue"`
	Solana  SolanaConfig    `yaml:"solana"`
	Holders HoldersConfig   `yaml:"holders"`
	Pricing PricingConfig   `yaml:"pricing"`
	Sniper  sniper.Settings `yaml:"sniper"`
	Metrics MetricsConfig   `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id" default:"sniper-1"`
	Environment string `yaml:"environment" default:"development" validate:"oneof=production staging development"`
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level" default:"info"`
	LogFormat   string `yaml:"log_format" default:"json" validate:"oneof=json text"`
	AutoStart   bool   `yaml:"auto_start" default:"true"`
}

type FeedConfig struct {
	URL                string   `yaml:"url" default:"wss://pumpportal.fun/api/data" validate:"required,url"`
	MaxConnectAttempts int      `yaml:"max_connect_attempts" default:"5" validate:"gte=1"`
	ConnectTimeoutS    int      `yaml:"connect_timeout_s" default:"10" validate:"gte=1"`
	ReconnectDelayS    int      `yaml:"reconnect_delay_s" default:"5" validate:"gte=1"`
	PingIntervalS      int      `yaml:"ping_interval_s" default:"30" validate:"gte=1"`
	ReadTimeoutS       int      `yaml:"read_timeout_s" default:"60" validate:"gte=1"`
	WatchAccounts      []string `yaml:"watch_accounts"`
}

type VenueConfig struct {
	TradeURL           string  `yaml:"trade_url" default:"https://pumpportal.fun/api/trade-local" validate:"required,url"`
	APIKey             string  `yaml:"api_key"`
	Pool               string  `yaml:"pool" default:"pump" validate:"required"`
	PriorityFeeSOL     float64 `yaml:"priority_fee_sol" default:"0.00005" validate:"gte=0"`
	DynamicPriorityFee bool    `yaml:"dynamic_priority_fee"`
	MaxPriorityFeeSOL  float64 `yaml:"max_priority_fee_sol" default:"0.005" validate:"gte=0"`
	TimeoutS           int     `yaml:"timeout_s" default:"10" validate:"gte=1"`
	MaxRetries         int     `yaml:"max_retries" default:"3" validate:"gte=0"`
}

type SolanaConfig struct {
	RPCEndpoint     string  `yaml:"rpc_endpoint" default:"https://api.mainnet-beta.solana.com" validate:"required,url"`
	PrivateKey      string  `yaml:"private_key"`
	Commitment      string  `yaml:"commitment" default:"confirmed" validate:"oneof=processed confirmed finalized"`
	ConfirmTimeoutS int     `yaml:"confirm_timeout_s" default:"30" validate:"gte=1"`
	MaxRetries      int     `yaml:"max_retries" default:"3" validate:"gte=0"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" default:"10" validate:"gte=0"`
	FastMode        bool    `yaml:"fast_mode"`
}

type HoldersConfig struct {
	SolanaTrackerURL    string `yaml:"solanatracker_url" default:"https://data.solanatracker.io"`
	SolanaTrackerAPIKey string `yaml:"solanatracker_api_key"`
	HeliusRPCEndpoint   string `yaml:"helius_rpc_endpoint"`
	FailOpen            bool   `yaml:"fail_open" default:"true"`
	TimeoutS            int    `yaml:"timeout_s" default:"5" validate:"gte=1"`
}

type PricingConfig struct {
	JupiterURL       string  `yaml:"jupiter_url" default:"https://api.jup.ag/price/v2"`
	CoinGeckoURL     string  `yaml:"coingecko_url" default:"https://api.coingecko.com/api/v3/simple/price"`
	RefreshIntervalS int     `yaml:"refresh_interval_s" default:"300" validate:"gte=10"`
	InitialSOLUSD    float64 `yaml:"initial_sol_usd" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" default:"true"`
	Port    int  `yaml:"port" default:"9090" validate:"gte=1,lte=65535"`
}

// Seconds converts a *_s field.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load reads and parses a YAML configuration file. Defaults are applied
// first so explicit zero values in the file survive.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${ENV} references, applies defaults and decodes data.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = defaults.Set(cfg)
	return cfg
}

var validate = validator.New()

// Validate checks field constraints. A live (non dry-run) config also
// needs a wallet key.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.General.DryRun && c.Solana.PrivateKey == "" {
		return fmt.Errorf("invalid config: solana.private_key is required unless general.dry_run is set")
	}
	return nil
}
