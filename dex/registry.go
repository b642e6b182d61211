package dex

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/michaelpento.lv/flasharb/types"
)

// Registry resolves dex ids to exchanges. It is built once at startup and
// never changes afterwards.
type Registry struct {
	exchanges map[uint8]Exchange
}

// NewRegistry indexes exchanges by id
func NewRegistry(exchanges ...Exchange) (*Registry, error) {
	r := &Registry{exchanges: make(map[uint8]Exchange, len(exchanges))}
	for _, ex := range exchanges {
		if existing, ok := r.exchanges[ex.ID()]; ok {
			return nil, fmt.Errorf("dex id %d used by both %s and %s", ex.ID(), existing.Name(), ex.Name())
		}
		r.exchanges[ex.ID()] = ex
	}
	return r, nil
}

// Get returns the exchange registered under id
func (r *Registry) Get(id uint8) (Exchange, error) {
	ex, ok := r.exchanges[id]
	if !ok {
		return nil, fmt.Errorf("unknown dex id %d", id)
	}
	return ex, nil
}

// IDs returns the registered ids in ascending order
func (r *Registry) IDs() []uint8 {
	ids := make([]uint8, 0, len(r.exchanges))
	for id := range r.exchanges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CheckRoute fails if any hop names a dex that is not registered
func (r *Registry) CheckRoute(route *types.Route) error {
	for i, hop := range route.Hops() {
		if _, ok := r.exchanges[hop.DexID]; !ok {
			return fmt.Errorf("%w: hop %d uses unknown dex id %d", types.ErrInvalidRoute, i, hop.DexID)
		}
	}
	return nil
}

// AmountOut quotes a single hop against live reserves
func (r *Registry) AmountOut(ctx context.Context, hop types.Hop, amountIn *big.Int) (*big.Int, error) {
	ex, err := r.Get(hop.DexID)
	if err != nil {
		return nil, err
	}
	reserves, err := ex.GetReserves(ctx, hop.TokenIn, hop.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s reserves: %w", ex.Name(), err)
	}
	return ex.GetAmountOut(amountIn, reserves.ReserveIn, reserves.ReserveOut), nil
}
