package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flasharb/dex"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils"
)

// DexOracle prices a token from its pool against the native token on a
// reference exchange
type DexOracle struct {
	exchange dex.Exchange
	native   common.Address
	decimals DecimalsFunc
	cache    *utils.Cache[common.Address, decimal.Decimal]
	ttl      time.Duration
	logger   *zap.Logger
}

var _ PriceOracle = (*DexOracle)(nil)

// NewDexOracle creates an oracle reading exchange's pools. Prices are
// cached for ttl.
func NewDexOracle(exchange dex.Exchange, native common.Address, decimals DecimalsFunc, ttl time.Duration, logger *zap.Logger) (*DexOracle, error) {
	cache, err := utils.NewCache[common.Address, decimal.Decimal](256)
	if err != nil {
		return nil, err
	}
	return &DexOracle{
		exchange: exchange,
		native:   native,
		decimals: decimals,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.Named("oracle"),
	}, nil
}

func (o *DexOracle) TokenPriceInETH(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	if token == o.native {
		return decimal.NewFromInt(1), nil
	}
	if price, ok := o.cache.GetIfFresh(token, o.ttl); ok {
		return price, nil
	}

	tokenDecimals, err := o.decimals(ctx, token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", types.ErrPriceUnavailable, err)
	}

	reserves, err := o.exchange.GetReserves(ctx, token, o.native)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s pool of %s: %w", types.ErrPriceUnavailable, o.exchange.Name(), token.Hex(), err)
	}

	tokenReserve := decimal.NewFromBigInt(reserves.ReserveIn, -int32(tokenDecimals))
	nativeReserve := decimal.NewFromBigInt(reserves.ReserveOut, -18)
	if tokenReserve.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: empty pool for %s", types.ErrPriceUnavailable, token.Hex())
	}

	price := nativeReserve.DivRound(tokenReserve, 36)
	o.cache.Upsert(token, price)

	o.logger.Debug("Refreshed token price",
		zap.String("token", token.Hex()),
		zap.String("exchange", o.exchange.Name()),
		zap.String("price_eth", price.String()))

	return price, nil
}
