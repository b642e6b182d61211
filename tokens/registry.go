package tokens

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/types"
)

// ERC20ABI covers the read-only calls the pipeline makes on tokens
const ERC20ABI = `[
	{"inputs":[],"name":"symbol","outputs":[{"type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// Token is one row of the supported-token table
type Token struct {
	Address          common.Address
	Symbol           string
	Decimals         uint8
	FlashLoanEnabled bool
	// MaxTradeSize is in the token's smallest unit, nil means unlimited
	MaxTradeSize *big.Int
}

// Registry maps token addresses to metadata. Configured tokens are loaded at
// construction; unknown tokens are added after an on-chain lookup.
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
	client chain.Client
	erc20  abi.ABI
	logger *zap.Logger
}

// NewRegistry builds the table from configuration. client may be nil when
// lazy lookups are not needed.
func NewRegistry(cfg *config.Config, client chain.Client, logger *zap.Logger) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	r := &Registry{
		tokens: make(map[common.Address]Token, len(cfg.SupportedTokens)),
		client: client,
		erc20:  parsed,
		logger: logger.Named("tokens"),
	}

	for _, tc := range cfg.SupportedTokens {
		addr := common.HexToAddress(tc.Address)
		r.tokens[addr] = Token{
			Address:          addr,
			Symbol:           tc.Symbol,
			Decimals:         tc.Decimals,
			FlashLoanEnabled: tc.FlashLoanEnabled,
			MaxTradeSize:     cfg.MaxTradeSizeFor(tc),
		}
	}

	return r, nil
}

// Get returns a known token without touching the chain
func (r *Registry) Get(addr common.Address) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[addr]
	return t, ok
}

// Lookup returns the token, reading symbol and decimals from the chain the
// first time an unknown address is seen. Looked-up tokens are never
// flash-loan enabled.
func (r *Registry) Lookup(ctx context.Context, addr common.Address) (Token, error) {
	if t, ok := r.Get(addr); ok {
		return t, nil
	}
	if r.client == nil {
		return Token{}, fmt.Errorf("%w: %s is not registered", types.ErrUnsupportedToken, addr.Hex())
	}

	symbolOut, err := chain.CallMethod(ctx, r.client, addr, r.erc20, "symbol")
	if err != nil {
		return Token{}, fmt.Errorf("failed to read symbol of %s: %w", addr.Hex(), err)
	}
	decimalsOut, err := chain.CallMethod(ctx, r.client, addr, r.erc20, "decimals")
	if err != nil {
		return Token{}, fmt.Errorf("failed to read decimals of %s: %w", addr.Hex(), err)
	}

	symbol, _ := symbolOut[0].(string)
	decimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return Token{}, fmt.Errorf("unexpected decimals type %T from %s", decimalsOut[0], addr.Hex())
	}

	token := Token{Address: addr, Symbol: symbol, Decimals: decimals}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[addr]; ok {
		return existing, nil
	}
	r.tokens[addr] = token

	r.logger.Info("Registered token from chain",
		zap.String("address", addr.Hex()),
		zap.String("symbol", symbol),
		zap.Uint8("decimals", decimals))

	return token, nil
}

// Decimals returns the decimals of addr, looking the token up if needed
func (r *Registry) Decimals(ctx context.Context, addr common.Address) (uint8, error) {
	t, err := r.Lookup(ctx, addr)
	if err != nil {
		return 0, err
	}
	return t.Decimals, nil
}

// FlashLoanToken returns the token if it may be borrowed
func (r *Registry) FlashLoanToken(addr common.Address) (Token, error) {
	t, ok := r.Get(addr)
	if !ok || !t.FlashLoanEnabled {
		return Token{}, fmt.Errorf("%w: %s is not flash-loan enabled", types.ErrUnsupportedToken, addr.Hex())
	}
	return t, nil
}

// BalanceOf reads the ERC20 balance of account
func (r *Registry) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if r.client == nil {
		return nil, fmt.Errorf("no chain client configured")
	}
	out, err := chain.CallMethod(ctx, r.client, token, r.erc20, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", out[0])
	}
	return balance, nil
}

// All returns a snapshot of the table
func (r *Registry) All() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	return out
}

// Format renders amount in whole tokens with the symbol, e.g. "+0.02 WETH"
func (r *Registry) Format(addr common.Address, amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	t, ok := r.Get(addr)
	if !ok {
		return fmt.Sprintf("%+d units of %s", amount, addr.Hex())
	}
	d := decimal.NewFromBigInt(amount, -int32(t.Decimals))
	sign := ""
	if d.Sign() >= 0 {
		sign = "+"
	}
	return sign + d.String() + " " + t.Symbol
}
