package bot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/dex"
	"github.com/michaelpento.lv/flasharb/dex/uniswap"
	"github.com/michaelpento.lv/flasharb/flashbots"
	"github.com/michaelpento.lv/flasharb/flashloan"
	"github.com/michaelpento.lv/flasharb/flashloan/aave"
	"github.com/michaelpento.lv/flasharb/flashloan/balancer"
	"github.com/michaelpento.lv/flasharb/gas"
	"github.com/michaelpento.lv/flasharb/oracle"
	"github.com/michaelpento.lv/flasharb/simulator"
	"github.com/michaelpento.lv/flasharb/strategies/arbitrage"
	"github.com/michaelpento.lv/flasharb/tokens"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
	"github.com/michaelpento.lv/flasharb/utils/monitor"
)

const (
	systemSampleInterval = 5 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// ExecuteRequest describes one opportunity to execute
type ExecuteRequest struct {
	Token  common.Address
	Amount *big.Int
	Route  *types.Route
	// MinProfit is enforced by the contract, nil means the estimator's minimum
	MinProfit       *big.Int
	UsePrivateRelay bool
	Priority        types.PriorityLevel
}

// Deps are the external connections a Bot runs on
type Deps struct {
	Client chain.Client
	Wallet *chain.Wallet
	// Relay may be nil when only the public path is used
	Relay flashbots.Relay
	// Registry receives all metrics, nil means a fresh registry
	Registry *prometheus.Registry
}

// Bot validates and executes flash-loan arbitrage opportunities
type Bot struct {
	cfg    *config.Config
	client chain.Client
	wallet *chain.Wallet
	relay  flashbots.Relay

	tokens       *tokens.Registry
	dexes        *dex.Registry
	estimator    *flashloan.CostEstimator
	validator    *arbitrage.Validator
	quoter       *arbitrage.Quoter
	flashManager *flashloan.Manager
	builder      *flashloan.Builder
	risk         *gas.RiskAnalyzer
	sampler      *gas.Sampler
	orchestrator *flashbots.Orchestrator
	simulator    *simulator.Simulator
	monitor      *monitor.SystemMonitor

	registry *prometheus.Registry
	metrics  *metrics.Set
	server   *http.Server
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// New dials the node and the relay named in cfg and wires the pipeline
func New(ctx context.Context, cfg *config.Config, secrets *config.SecureConfig, logger *zap.Logger) (*Bot, error) {
	client, err := chain.Dial(ctx, cfg.RPCEndpoint, chain.Options{
		Retry:             cfg.Retry,
		RequestsPerSecond: cfg.RPCRateLimit.RequestsPerSecond,
		BurstSize:         cfg.RPCRateLimit.BurstSize,
		WaitTimeout:       cfg.RPCRateLimit.WaitTimeout,
		CallTimeout:       cfg.NetworkTimeout,
		PollInterval:      cfg.ReceiptPollInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	wallet, err := chain.NewWallet(secrets.PrivateKey, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		return nil, err
	}

	authKey, err := crypto.HexToECDSA(trimHex(secrets.FlashbotsAuthKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse flashbots auth key: %w", err)
	}

	registry := metrics.NewRegistry()
	set := metrics.NewSet(registry, cfg.Metrics.Namespace)
	relay, err := flashbots.NewClient(flashbots.ClientConfig{
		URL:       cfg.RelayURL,
		AuthKey:   authKey,
		Timeout:   cfg.NetworkTimeout,
		RateLimit: cfg.RelayRateLimit,
	}, set.Bundle, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client: %w", err)
	}

	return newBot(cfg, Deps{Client: client, Wallet: wallet, Relay: relay, Registry: registry}, set, logger)
}

// NewWithDeps wires the pipeline over existing connections
func NewWithDeps(cfg *config.Config, deps Deps, logger *zap.Logger) (*Bot, error) {
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry()
	}
	return newBot(cfg, deps, metrics.NewSet(deps.Registry, cfg.Metrics.Namespace), logger)
}

func newBot(cfg *config.Config, deps Deps, set *metrics.Set, logger *zap.Logger) (*Bot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Client == nil || deps.Wallet == nil {
		return nil, errors.New("chain client and wallet are required")
	}
	tokenRegistry, err := tokens.NewRegistry(cfg, deps.Client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token registry: %w", err)
	}

	dexes, err := uniswap.BuildRegistry(cfg, deps.Client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dex registry: %w", err)
	}

	priceOracle, err := buildOracle(cfg, dexes, tokenRegistry, logger)
	if err != nil {
		return nil, err
	}
	converter := oracle.NewConverter(priceOracle, tokenRegistry.Decimals)

	quoter, err := arbitrage.NewQuoter(dexes, cfg.Oracle.ReserveTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create quoter: %w", err)
	}

	flashManager := flashloan.NewManager(logger, set.FlashLoan)
	for _, pc := range cfg.FlashLoanProviders {
		provider, err := buildProvider(pc, deps.Client, tokenRegistry, cfg.Oracle.PriceTTL, logger)
		if err != nil {
			return nil, err
		}
		flashManager.AddProvider(provider)
	}

	nonces := chain.NewNonceAllocator(deps.Client, deps.Wallet.Address())
	builder, err := flashloan.NewBuilder(flashloan.BuilderConfig{
		ChainID:  new(big.Int).SetUint64(cfg.ChainID),
		Contract: cfg.ContractAddress(),
		From:     deps.Wallet.Address(),
		GasLimit: cfg.Trading.GasLimit,
	}, tokenRegistry, deps.Client, nonces, set.FlashLoan, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction builder: %w", err)
	}

	risk, err := gas.NewRiskAnalyzer(deps.Client, cfg.Gas, set.Gas, logger)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:          cfg,
		client:       deps.Client,
		wallet:       deps.Wallet,
		relay:        deps.Relay,
		tokens:       tokenRegistry,
		dexes:        dexes,
		estimator:    flashloan.NewCostEstimator(flashloan.EstimatorConfigFrom(cfg), tokenRegistry, converter, logger),
		validator:    arbitrage.NewValidator(converter),
		quoter:       quoter,
		flashManager: flashManager,
		builder:      builder,
		risk:         risk,
		sampler:      gas.NewSampler(risk, cfg.Gas.SampleInterval, logger),
		simulator:    simulator.NewSimulator(deps.Client, deps.Wallet, tokenRegistry, cfg.TransactionTimeout, set.Bundle, logger),
		monitor:      monitor.NewSystemMonitor(set.System, systemSampleInterval, logger),
		registry:     deps.Registry,
		metrics:      set,
		logger:       logger.Named("bot"),
	}

	if deps.Relay != nil {
		b.orchestrator, err = flashbots.NewOrchestrator(deps.Relay, deps.Client, tokenRegistry, flashbots.OrchestratorConfig{
			Retry:              cfg.Retry,
			TransactionTimeout: cfg.TransactionTimeout,
		}, set.Bundle, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create bundle orchestrator: %w", err)
		}
	}

	return b, nil
}

// buildOracle prefers configured prices and falls back to the reference dex
func buildOracle(cfg *config.Config, dexes *dex.Registry, tokenRegistry *tokens.Registry, logger *zap.Logger) (oracle.PriceOracle, error) {
	static, err := oracle.NewStaticOracle(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Dexes) == 0 {
		return static, nil
	}

	exchange, err := dexes.Get(cfg.Oracle.ReferenceDex)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle reference dex: %w", err)
	}
	dexOracle, err := oracle.NewDexOracle(exchange, cfg.NativeTokenAddress(), tokenRegistry.Decimals, cfg.Oracle.PriceTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dex oracle: %w", err)
	}
	return oracle.Chain{static, dexOracle}, nil
}

func buildProvider(pc config.ProviderConfig, client chain.Client, balances flashloan.BalanceReader, ttl time.Duration, logger *zap.Logger) (flashloan.Provider, error) {
	addr := common.HexToAddress(pc.Address)
	switch pc.Type {
	case "aave":
		return aave.NewProvider(client, balances, addr, ttl, logger)
	case "balancer":
		return balancer.NewProvider(client, balances, addr, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown flash loan provider type %q", pc.Type)
	}
}

// Start launches the gas sampler, the system monitor and, when enabled,
// the metrics endpoint
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Starting arbitrage bot",
		zap.Uint64("chain_id", b.cfg.ChainID),
		zap.String("wallet", b.wallet.Address().Hex()),
		zap.String("contract", b.cfg.ContractAddress().Hex()),
		zap.Strings("flash_loan_providers", b.flashManager.Providers()))

	b.sampler.Start(ctx)
	b.monitor.Start(ctx)

	if b.cfg.Metrics.Enabled {
		b.server = &http.Server{
			Addr:              b.cfg.Metrics.ListenAddress,
			Handler:           metrics.Handler(b.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		b.logger.Info("Serving metrics", zap.String("address", b.cfg.Metrics.ListenAddress))
	}

	return nil
}

// Stop shuts down everything Start launched and waits for it
func (b *Bot) Stop() {
	b.logger.Info("Stopping arbitrage bot...")

	b.sampler.Stop()
	b.monitor.Stop()

	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.server.Shutdown(ctx); err != nil {
			b.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	b.wg.Wait()
}

// VerifyDeployment checks that the arbitrage contract has code
func (b *Bot) VerifyDeployment(ctx context.Context) error {
	return chain.EnsureDeployed(ctx, b.client, b.cfg.ContractAddress())
}

// ValidateOpportunity prices route for amount. A nil expectedOutput is
// quoted from live reserves at the current block.
func (b *Bot) ValidateOpportunity(ctx context.Context, route *types.Route, amount, expectedOutput *big.Int) (*types.ValidationResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", types.ErrInvalidAmount)
	}
	if route == nil {
		return nil, fmt.Errorf("%w: route is required", types.ErrInvalidRoute)
	}

	if expectedOutput == nil {
		block, err := b.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get block number: %w", err)
		}
		expectedOutput, err = b.quoter.Quote(ctx, route, amount, block)
		if err != nil {
			return nil, fmt.Errorf("failed to quote route: %w", err)
		}
	}

	gasPrice, err := b.client.GasPrice(ctx)
	if err != nil {
		b.estimateFailed(err)
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	cost, err := b.estimator.Estimate(ctx, route.TokenIn(), amount, gasPrice)
	if err != nil {
		b.estimateFailed(err)
		return nil, err
	}

	result := b.validator.Validate(ctx, route, amount, expectedOutput, cost)
	b.recordValidation(result)

	b.logger.Debug("Validated opportunity",
		zap.String("route", route.String()),
		zap.String("amount", amount.String()),
		zap.String("expected_output", expectedOutput.String()),
		zap.String("net_profit", result.NetProfit.String()),
		zap.Bool("profitable", result.IsProfitable),
		zap.Strings("warnings", result.Warnings))

	return result, nil
}

func (b *Bot) recordValidation(result *types.ValidationResult) {
	m := b.metrics.Validation
	m.Validations.Inc()
	if result.IsProfitable {
		m.Profitable.Inc()
	} else {
		m.Unprofitable.Inc()
	}
	for _, w := range result.Warnings {
		m.Warnings.WithLabelValues(w).Inc()
	}
	m.NetProfit.Observe(result.ProfitMargin)
}

func (b *Bot) estimateFailed(err error) {
	b.metrics.Validation.EstimateErrors.WithLabelValues(estimateErrorReason(err)).Inc()
}

func estimateErrorReason(err error) string {
	switch {
	case errors.Is(err, types.ErrUnsupportedToken):
		return "unsupported_token"
	case errors.Is(err, types.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, types.ErrInfrastructureUnavailable):
		return "infrastructure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// ExecuteOpportunity builds the arbitrage transaction for req and submits
// it through the private relay or the public mempool. The returned result
// carries the terminal status; an error is returned alongside it only for
// infrastructure failures and cancellation.
func (b *Bot) ExecuteOpportunity(ctx context.Context, req ExecuteRequest) (*types.SubmissionResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", types.ErrInvalidAmount)
	}
	if req.Route == nil {
		return nil, fmt.Errorf("%w: route is required", types.ErrInvalidRoute)
	}
	if req.UsePrivateRelay && b.orchestrator == nil {
		return nil, errors.New("private relay is not configured")
	}
	logger := b.logger.With(
		zap.String("token", req.Token.Hex()),
		zap.String("amount", req.Amount.String()),
		zap.String("route", req.Route.String()),
		zap.Bool("private", req.UsePrivateRelay))

	if err := b.checkFunding(ctx, req.Token, req.Amount); err != nil {
		return nil, err
	}

	assessment, err := b.risk.AssessRisk(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to assess gas risk: %w", err)
	}
	settings := b.risk.RecommendGas(req.Priority, assessment)

	minProfit := req.MinProfit
	if minProfit == nil {
		cost, err := b.estimator.Estimate(ctx, req.Token, req.Amount, assessment.CurrentGasPrice)
		if err != nil {
			return nil, err
		}
		minProfit = cost.MinProfitRequired
	}

	prepared, err := b.builder.Prepare(ctx, flashloan.PrepareRequest{
		Token:     req.Token,
		Amount:    req.Amount,
		Route:     req.Route,
		MinProfit: minProfit,
		Gas:       &settings,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Executing opportunity",
		zap.Stringer("risk", assessment.Level),
		zap.Uint64s("target_blocks", assessment.TargetBlocks),
		zap.Uint64("nonce", prepared.Nonce),
		zap.String("min_profit", minProfit.String()))

	var res *types.SubmissionResult
	if req.UsePrivateRelay {
		res, err = b.submitPrivate(ctx, req, prepared, minProfit, assessment.TargetBlocks)
	} else {
		res, err = b.simulator.Execute(ctx, simulator.Request{
			Tx:             prepared,
			Token:          req.Token,
			ExpectedProfit: minProfit,
			Timeout:        b.cfg.TransactionTimeout,
			Decoder:        b.builder.DecodeProfit,
		})
	}

	// TxHash is only set once the transaction left this process
	if res == nil || res.TxHash == (common.Hash{}) {
		b.builder.ReleaseNonce(prepared)
	} else {
		b.builder.SettleNonce(prepared, res.Receipt != nil)
	}
	return res, err
}

// checkFunding makes sure a configured flash loan provider can lend amount
// at no more than the fee the estimator assumes
func (b *Bot) checkFunding(ctx context.Context, token common.Address, amount *big.Int) error {
	if len(b.flashManager.Providers()) == 0 {
		return nil
	}
	quote, err := b.flashManager.Quote(ctx, token, amount)
	if err != nil {
		return err
	}
	if assumed := b.estimator.Config().FeeBps; quote.FeeBps > assumed {
		return fmt.Errorf("%w: cheapest provider %s charges %d bps, estimate assumes %d",
			types.ErrNoFlashLoanProvider, quote.Provider, quote.FeeBps, assumed)
	}
	b.logger.Debug("Selected flash loan provider",
		zap.String("provider", quote.Provider),
		zap.Uint64("fee_bps", quote.FeeBps))
	return nil
}

func (b *Bot) submitPrivate(ctx context.Context, req ExecuteRequest, prepared *flashloan.PreparedTransaction, minProfit *big.Int, targets []uint64) (*types.SubmissionResult, error) {
	signed, err := b.wallet.SignTx(prepared.Transaction())
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	return b.orchestrator.Submit(ctx, flashbots.SubmitRequest{
		Transactions:     [][]byte{raw},
		TargetBlocks:     targets,
		Tokens:           []common.Address{req.Token},
		ExpectedProfit:   minProfit,
		TrackTx:          signed.Hash(),
		InclusionTimeout: time.Duration(len(targets)+1) * b.cfg.BlockTime,
		Decoder:          b.profitDecoder(req.Token, prepared.To),
	})
}

// profitDecoder reads the contract's profit from the last simulated
// transaction and credits it to the contract
func (b *Bot) profitDecoder(token, contract common.Address) flashbots.Decoder {
	return func(sim *types.SimulationResult) ([]types.BalanceChange, error) {
		if len(sim.Results) == 0 {
			return nil, errors.New("simulation returned no transaction results")
		}
		profit, err := b.builder.DecodeProfit(sim.Results[len(sim.Results)-1].ReturnData)
		if err != nil {
			return nil, err
		}
		return []types.BalanceChange{{Token: token, Account: contract, Delta: profit}}, nil
	}
}

// AssessRisk samples the gas market
func (b *Bot) AssessRisk(ctx context.Context) (*types.GasRiskAssessment, error) {
	return b.risk.AssessRisk(ctx)
}

// RelayStats returns the relay's view of the signing identity
func (b *Bot) RelayStats(ctx context.Context) (*flashbots.UserStats, error) {
	if b.relay == nil {
		return nil, errors.New("private relay is not configured")
	}
	block, err := b.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}
	return b.relay.UserStats(ctx, block)
}

// BundleStatus returns the last known status of a private submission
func (b *Bot) BundleStatus(bundleID string) (types.BundleStatus, bool) {
	if b.orchestrator == nil {
		return types.StatusPending, false
	}
	return b.orchestrator.Status(bundleID)
}

// Tokens exposes the token table for formatting
func (b *Bot) Tokens() *tokens.Registry {
	return b.tokens
}

func trimHex(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
