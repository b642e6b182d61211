package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/michaelpento.lv/flasharb/utils"
)

type Config struct {
	// Chain and network settings
	ChainID                  uint64 `yaml:"chain_id"`
	RPCEndpoint              string `yaml:"rpc_endpoint"`
	RelayURL                 string `yaml:"relay_url"`
	FlashLoanContractAddress string `yaml:"flash_loan_contract_address"`
	NativeToken              string `yaml:"native_token"`

	// Timing
	BlockTime           time.Duration `yaml:"block_time"`
	TransactionTimeout  time.Duration `yaml:"transaction_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
	NetworkTimeout      time.Duration `yaml:"network_timeout"`

	Trading            TradingConfig    `yaml:"trading"`
	Gas                GasConfig        `yaml:"gas"`
	SupportedTokens    []TokenConfig    `yaml:"supported_tokens"`
	Dexes              []DexConfig      `yaml:"dexes"`
	FlashLoanProviders []ProviderConfig `yaml:"flash_loan_providers"`
	Oracle             OracleConfig     `yaml:"oracle"`

	Retry          utils.RetryPolicy `yaml:"retry"`
	RPCRateLimit   RateLimitConfig   `yaml:"rpc_rate_limit"`
	RelayRateLimit RateLimitConfig   `yaml:"relay_rate_limit"`

	Metrics MetricsConfig `yaml:"metrics"`
	LogFile string        `yaml:"log_file"`
}

// TradingConfig holds the profitability knobs
type TradingConfig struct {
	MinProfitBasisPoints  uint64 `yaml:"min_profit_basis_points"`
	FlashLoanFeeBps       uint64 `yaml:"flash_loan_fee_basis_points"`
	SlippageToleranceBps  uint64 `yaml:"slippage_tolerance_bps"`
	GasLimit              uint64 `yaml:"gas_limit"`
	GasPriceBufferPercent uint64 `yaml:"gas_price_buffer_percent"`
	// MaxTradeSize applies to tokens without their own limit, in whole tokens
	MaxTradeSize TokenAmount `yaml:"max_trade_size"`
}

// GasConfig bounds priority fees and sizes the gas-price window
type GasConfig struct {
	MinPriorityFee Wei           `yaml:"min_priority_fee"`
	MaxPriorityFee Wei           `yaml:"max_priority_fee"`
	WindowSize     int           `yaml:"window_size"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type TokenConfig struct {
	Symbol           string      `yaml:"symbol"`
	Address          string      `yaml:"address"`
	Decimals         uint8       `yaml:"decimals"`
	FlashLoanEnabled bool        `yaml:"flash_loan_enabled"`
	MaxTradeSize     TokenAmount `yaml:"max_trade_size"`
	// PriceInETH seeds the static oracle, empty means look it up
	PriceInETH string `yaml:"price_in_eth"`
}

type DexConfig struct {
	ID           uint8  `yaml:"id"`
	Name         string `yaml:"name"`
	Factory      string `yaml:"factory"`
	Router       string `yaml:"router"`
	InitCodeHash string `yaml:"init_code_hash"`
	FeeBps       uint64 `yaml:"fee_bps"`
}

type ProviderConfig struct {
	Type    string `yaml:"type"` // aave or balancer
	Address string `yaml:"address"`
}

type OracleConfig struct {
	ReferenceDex uint8         `yaml:"reference_dex"`
	PriceTTL     time.Duration `yaml:"price_ttl"`
	ReserveTTL   time.Duration `yaml:"reserve_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Namespace     string `yaml:"namespace"`
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errors []string

	// Chain and network settings
	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.RPCEndpoint == "" {
		errors = append(errors, "rpc_endpoint must be specified")
	}
	if c.RelayURL == "" {
		errors = append(errors, "relay_url must be specified")
	}
	if !common.IsHexAddress(c.FlashLoanContractAddress) {
		errors = append(errors, "flash_loan_contract_address must be a valid address")
	}
	if !common.IsHexAddress(c.NativeToken) {
		errors = append(errors, "native_token must be a valid address")
	}

	if c.BlockTime <= 0 {
		errors = append(errors, "block_time must be positive")
	}
	if c.TransactionTimeout <= 0 {
		errors = append(errors, "transaction_timeout must be positive")
	}
	if c.ReceiptPollInterval <= 0 {
		errors = append(errors, "receipt_poll_interval must be positive")
	}

	if err := c.Trading.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("trading config error: %v", err))
	}
	if err := c.Gas.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("gas config error: %v", err))
	}

	if len(c.SupportedTokens) == 0 {
		errors = append(errors, "supported_tokens must not be empty")
	}
	for i, t := range c.SupportedTokens {
		if err := t.Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("supported_tokens[%d] error: %v", i, err))
		}
	}

	seen := make(map[uint8]bool)
	for i, d := range c.Dexes {
		if err := d.Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("dexes[%d] error: %v", i, err))
		}
		if seen[d.ID] {
			errors = append(errors, fmt.Sprintf("dexes[%d] error: duplicate id %d", i, d.ID))
		}
		seen[d.ID] = true
	}

	for i, p := range c.FlashLoanProviders {
		if err := p.Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("flash_loan_providers[%d] error: %v", i, err))
		}
	}

	if err := c.Retry.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("retry error: %v", err))
	}
	if err := c.RPCRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("RPC rate limit error: %v", err))
	}
	if err := c.RelayRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("relay rate limit error: %v", err))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errors = append(errors, "metrics.listen_address must be specified when metrics are enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (t *TradingConfig) Validate() error {
	if t.MinProfitBasisPoints == 0 || t.MinProfitBasisPoints >= 10000 {
		return fmt.Errorf("min profit basis points must be between 1 and 9999")
	}
	if t.FlashLoanFeeBps >= 10000 {
		return fmt.Errorf("flash loan fee basis points must be below 10000")
	}
	if t.SlippageToleranceBps >= 10000 {
		return fmt.Errorf("slippage tolerance basis points must be below 10000")
	}
	if t.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}
	return nil
}

func (g *GasConfig) Validate() error {
	if g.MinPriorityFee.Int == nil || g.MinPriorityFee.Sign() <= 0 {
		return fmt.Errorf("min priority fee must be positive")
	}
	if g.MaxPriorityFee.Int == nil || g.MaxPriorityFee.Cmp(g.MinPriorityFee.Int) < 0 {
		return fmt.Errorf("max priority fee must not be below min priority fee")
	}
	if g.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if g.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive")
	}
	return nil
}

func (t *TokenConfig) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol must be specified")
	}
	if !common.IsHexAddress(t.Address) {
		return fmt.Errorf("address %q is not valid", t.Address)
	}
	if t.Decimals > 36 {
		return fmt.Errorf("decimals must not exceed 36")
	}
	if t.MaxTradeSize.IsSet() && !t.MaxTradeSize.IsPositive() {
		return fmt.Errorf("max trade size must be positive")
	}
	return nil
}

func (d *DexConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name must be specified")
	}
	if !common.IsHexAddress(d.Factory) {
		return fmt.Errorf("factory must be a valid address")
	}
	if d.Router != "" && !common.IsHexAddress(d.Router) {
		return fmt.Errorf("router must be a valid address")
	}
	if len(common.FromHex(d.InitCodeHash)) != common.HashLength {
		return fmt.Errorf("init code hash must be 32 bytes")
	}
	if d.FeeBps >= 10000 {
		return fmt.Errorf("fee basis points must be below 10000")
	}
	return nil
}

func (p *ProviderConfig) Validate() error {
	switch p.Type {
	case "aave", "balancer":
	default:
		return fmt.Errorf("unknown provider type %q", p.Type)
	}
	if !common.IsHexAddress(p.Address) {
		return fmt.Errorf("address must be a valid address")
	}
	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	return nil
}

// ContractAddress returns the arbitrage contract address
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.FlashLoanContractAddress)
}

// NativeTokenAddress returns the wrapped native token address
func (c *Config) NativeTokenAddress() common.Address {
	return common.HexToAddress(c.NativeToken)
}

// MaxTradeSizeFor returns the trade cap for a token in its smallest unit,
// falling back to the global cap.
func (c *Config) MaxTradeSizeFor(t TokenConfig) *big.Int {
	if t.MaxTradeSize.IsSet() {
		return t.MaxTradeSize.Units(t.Decimals)
	}
	if c.Trading.MaxTradeSize.IsSet() {
		return c.Trading.MaxTradeSize.Units(t.Decimals)
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig, applies environment
// overrides and validates the result.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".flasharb.yaml")
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML over the defaults without validating
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RPCEndpoint = GetEnvWithDefault(EnvRPCEndpoint, c.RPCEndpoint)
	c.RelayURL = GetEnvWithDefault(EnvRelayURL, c.RelayURL)
	c.FlashLoanContractAddress = GetEnvWithDefault(EnvContractAddress, c.FlashLoanContractAddress)
}

// DefaultConfig returns the defaults every loaded file is merged over
func DefaultConfig() *Config {
	return &Config{
		ChainID:             8453,
		RPCEndpoint:         "http://localhost:8545",
		RelayURL:            "https://relay.flashbots.net",
		BlockTime:           2 * time.Second,
		TransactionTimeout:  180 * time.Second,
		ReceiptPollInterval: 500 * time.Millisecond,
		NetworkTimeout:      5 * time.Second,
		Trading: TradingConfig{
			MinProfitBasisPoints:  200,
			FlashLoanFeeBps:       9,
			SlippageToleranceBps:  50,
			GasLimit:              500000,
			GasPriceBufferPercent: 20,
		},
		Gas: GasConfig{
			MinPriorityFee: NewWei(big.NewInt(100000000)),   // 0.1 gwei
			MaxPriorityFee: NewWei(big.NewInt(50000000000)), // 50 gwei
			WindowSize:     100,
			SampleInterval: 2 * time.Second,
		},
		Oracle: OracleConfig{
			PriceTTL:   30 * time.Second,
			ReserveTTL: 2 * time.Second,
		},
		Retry: utils.DefaultRetryPolicy(),
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 25,
			BurstSize:         50,
			WaitTimeout:       time.Second,
		},
		RelayRateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			BurstSize:         10,
			WaitTimeout:       time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Namespace:     "flasharb",
		},
	}
}
