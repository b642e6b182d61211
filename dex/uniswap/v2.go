package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/chain"
	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/dex"
	"github.com/michaelpento.lv/flasharb/utils"
)

// Default swap fees of the constant-product forks we trade on
var defaultFees = map[string]uint64{
	"uniswapv2":   30,
	"sushiswap":   30,
	"baseswap":    25,
	"pancakeswap": 25,
	"swapbased":   30,
}

// Fork describes one Uniswap V2 style deployment
type Fork struct {
	ID           uint8
	Name         string
	Factory      common.Address
	Router       common.Address
	InitCodeHash common.Hash
	FeeBps       uint64
}

// ForkFromConfig converts a dex entry, filling in the fee of well known forks
func ForkFromConfig(c config.DexConfig) Fork {
	fee := c.FeeBps
	if fee == 0 {
		fee = defaultFees[strings.ToLower(c.Name)]
	}
	if fee == 0 {
		fee = 30
	}
	return Fork{
		ID:           c.ID,
		Name:         c.Name,
		Factory:      common.HexToAddress(c.Factory),
		Router:       common.HexToAddress(c.Router),
		InitCodeHash: common.HexToHash(c.InitCodeHash),
		FeeBps:       fee,
	}
}

type pairReserves struct {
	reserve0  *big.Int
	reserve1  *big.Int
	timestamp uint32
}

// V2 implements dex.Exchange for every Uniswap V2 fork
type V2 struct {
	fork       Fork
	client     chain.Client
	pairABI    abi.ABI
	routerABI  abi.ABI
	reserves   *utils.Cache[uint64, pairReserves]
	reserveTTL time.Duration
	logger     *zap.Logger
}

var _ dex.Exchange = (*V2)(nil)

// NewV2 creates an exchange for fork. Reserves are cached for reserveTTL.
func NewV2(fork Fork, client chain.Client, reserveTTL time.Duration, logger *zap.Logger) (*V2, error) {
	pairABI, err := abi.JSON(strings.NewReader(pairABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pair ABI: %w", err)
	}
	routerABI, err := abi.JSON(strings.NewReader(routerABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse router ABI: %w", err)
	}
	cache, err := utils.NewCache[uint64, pairReserves](1024)
	if err != nil {
		return nil, err
	}

	return &V2{
		fork:       fork,
		client:     client,
		pairABI:    pairABI,
		routerABI:  routerABI,
		reserves:   cache,
		reserveTTL: reserveTTL,
		logger:     logger.Named(fork.Name),
	}, nil
}

func (u *V2) ID() uint8 {
	return u.fork.ID
}

func (u *V2) Name() string {
	return u.fork.Name
}

// PairAddress returns the pair for two tokens
func (u *V2) PairAddress(tokenA, tokenB common.Address) common.Address {
	return PairFor(u.fork.Factory, u.fork.InitCodeHash, tokenA, tokenB)
}

// GetReserves returns the reserves of a token pair
func (u *V2) GetReserves(ctx context.Context, tokenIn, tokenOut common.Address) (*dex.Reserves, error) {
	pair := u.PairAddress(tokenIn, tokenOut)
	key := xxhash.Sum64(pair.Bytes())

	state, ok := u.reserves.GetIfFresh(key, u.reserveTTL)
	if !ok {
		values, err := chain.CallMethod(ctx, u.client, pair, u.pairABI, "getReserves")
		if err != nil {
			return nil, fmt.Errorf("failed to get reserves of %s: %w", pair.Hex(), err)
		}
		if len(values) != 3 {
			return nil, fmt.Errorf("unexpected getReserves output of %s", pair.Hex())
		}

		r0, ok0 := values[0].(*big.Int)
		r1, ok1 := values[1].(*big.Int)
		ts, _ := values[2].(uint32)
		if !ok0 || !ok1 {
			return nil, fmt.Errorf("unexpected reserve types from %s", pair.Hex())
		}

		state = pairReserves{reserve0: r0, reserve1: r1, timestamp: ts}
		u.reserves.Upsert(key, state)
	}

	if state.reserve0.Sign() == 0 || state.reserve1.Sign() == 0 {
		return nil, fmt.Errorf("%w: pair %s on %s", dex.ErrNoLiquidity, pair.Hex(), u.fork.Name)
	}

	token0, _ := SortTokens(tokenIn, tokenOut)
	reserveIn, reserveOut := state.reserve0, state.reserve1
	if tokenIn != token0 {
		reserveIn, reserveOut = reserveOut, reserveIn
	}

	return &dex.Reserves{
		Pair:               pair,
		ReserveIn:          new(big.Int).Set(reserveIn),
		ReserveOut:         new(big.Int).Set(reserveOut),
		BlockTimestampLast: state.timestamp,
	}, nil
}

// GetAmountOut calculates output amount for an input amount
func (u *V2) GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	return GetAmountOut(amountIn, reserveIn, reserveOut, u.fork.FeeBps)
}

// BuildRegistry creates a V2 exchange for every configured dex
func BuildRegistry(cfg *config.Config, client chain.Client, logger *zap.Logger) (*dex.Registry, error) {
	exchanges := make([]dex.Exchange, 0, len(cfg.Dexes))
	for _, dc := range cfg.Dexes {
		ex, err := NewV2(ForkFromConfig(dc), client, cfg.Oracle.ReserveTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dc.Name, err)
		}
		exchanges = append(exchanges, ex)
	}
	return dex.NewRegistry(exchanges...)
}
