package types

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// Hop is a single swap on one DEX inside a route
type Hop struct {
	DexID     uint8
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Route represents an ordered multi-hop trading route for arbitrage.
// A Route is immutable once constructed with NewRoute.
type Route struct {
	hops []Hop
}

// NewRoute builds a route and checks that consecutive hops connect
func NewRoute(hops ...Hop) (*Route, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("%w: route has no hops", ErrInvalidRoute)
	}

	copied := make([]Hop, len(hops))
	for i, h := range hops {
		if h.TokenIn == h.TokenOut {
			return nil, fmt.Errorf("%w: hop %d swaps %s into itself", ErrInvalidRoute, i, h.TokenIn.Hex())
		}
		if i > 0 && hops[i-1].TokenOut != h.TokenIn {
			return nil, fmt.Errorf("%w: hop %d starts with %s but hop %d ends with %s",
				ErrInvalidRoute, i, h.TokenIn.Hex(), i-1, hops[i-1].TokenOut.Hex())
		}
		copied[i] = Hop{
			DexID:     h.DexID,
			TokenIn:   h.TokenIn,
			TokenOut:  h.TokenOut,
			AmountIn:  copyInt(h.AmountIn),
			AmountOut: copyInt(h.AmountOut),
		}
	}

	return &Route{hops: copied}, nil
}

// Hops returns a copy of the hops
func (r *Route) Hops() []Hop {
	hops := make([]Hop, len(r.hops))
	for i, h := range r.hops {
		hops[i] = Hop{
			DexID:     h.DexID,
			TokenIn:   h.TokenIn,
			TokenOut:  h.TokenOut,
			AmountIn:  copyInt(h.AmountIn),
			AmountOut: copyInt(h.AmountOut),
		}
	}
	return hops
}

// Len returns the number of hops
func (r *Route) Len() int {
	return len(r.hops)
}

// TokenIn is the token the route starts with
func (r *Route) TokenIn() common.Address {
	return r.hops[0].TokenIn
}

// TokenOut is the token the route ends with
func (r *Route) TokenOut() common.Address {
	return r.hops[len(r.hops)-1].TokenOut
}

// IsCircular reports whether the route ends in the token it started with
func (r *Route) IsCircular() bool {
	return r.TokenIn() == r.TokenOut()
}

// Fingerprint returns a stable 64-bit hash of the hop sequence.
// Amounts are not part of the fingerprint.
func (r *Route) Fingerprint() uint64 {
	d := xxhash.New()
	for _, h := range r.hops {
		_, _ = d.Write([]byte{h.DexID})
		_, _ = d.Write(h.TokenIn.Bytes())
		_, _ = d.Write(h.TokenOut.Bytes())
	}
	return d.Sum64()
}

// FingerprintWith extends the route fingerprint with an amount and a block number
func (r *Route) FingerprintWith(amount *big.Int, block uint64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.Fingerprint())
	_, _ = d.Write(buf[:])
	if amount != nil {
		_, _ = d.Write(amount.Bytes())
	}
	binary.BigEndian.PutUint64(buf[:], block)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// String renders the route as token -> token hops
func (r *Route) String() string {
	s := r.hops[0].TokenIn.Hex()
	for _, h := range r.hops {
		s += fmt.Sprintf(" -[%d]-> %s", h.DexID, h.TokenOut.Hex())
	}
	return s
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
