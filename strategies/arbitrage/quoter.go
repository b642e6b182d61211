package arbitrage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/dex"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils"
)

// Quoter recomputes the output of a route from live reserves
type Quoter struct {
	dexes  *dex.Registry
	quotes *utils.Cache[uint64, *big.Int]
	ttl    time.Duration
	logger *zap.Logger
}

// NewQuoter creates a quoter. Quotes are cached per route, amount and block
// for ttl.
func NewQuoter(dexes *dex.Registry, ttl time.Duration, logger *zap.Logger) (*Quoter, error) {
	cache, err := utils.NewCache[uint64, *big.Int](4096)
	if err != nil {
		return nil, err
	}
	return &Quoter{
		dexes:  dexes,
		quotes: cache,
		ttl:    ttl,
		logger: logger.Named("quoter"),
	}, nil
}

// Quote walks route hop by hop starting with amountIn and returns the final
// output amount
func (q *Quoter) Quote(ctx context.Context, route *types.Route, amountIn *big.Int, block uint64) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	if err := q.dexes.CheckRoute(route); err != nil {
		return nil, err
	}

	key := route.FingerprintWith(amountIn, block)
	if out, ok := q.quotes.GetIfFresh(key, q.ttl); ok {
		return new(big.Int).Set(out), nil
	}

	amount := new(big.Int).Set(amountIn)
	for i, hop := range route.Hops() {
		out, err := q.dexes.AmountOut(ctx, hop, amount)
		if err != nil {
			return nil, fmt.Errorf("failed to quote hop %d: %w", i, err)
		}
		if out.Sign() == 0 {
			return nil, fmt.Errorf("hop %d: %w", i, dex.ErrNoLiquidity)
		}
		amount = out
	}

	q.quotes.Upsert(key, new(big.Int).Set(amount))
	q.logger.Debug("Quoted route",
		zap.String("route", route.String()),
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", amount.String()),
		zap.Uint64("block", block))

	return amount, nil
}
