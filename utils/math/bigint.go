package math

import (
	"math/big"
)

// BpsDenominator is the number of basis points in one whole
const BpsDenominator = 10000

var bpsDenominator = big.NewInt(BpsDenominator)

// MulBps returns amount * bps / 10000, rounded down
func MulBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return new(big.Int)
	}
	result := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return result.Quo(result, bpsDenominator)
}

// MulDiv returns x * num / den, rounded toward zero
func MulDiv(x *big.Int, num, den uint64) *big.Int {
	if x == nil || den == 0 {
		return new(big.Int)
	}
	result := new(big.Int).Mul(x, new(big.Int).SetUint64(num))
	return result.Quo(result, new(big.Int).SetUint64(den))
}

// ScalePercent returns x * (100 + percent) / 100
func ScalePercent(x *big.Int, percent uint64) *big.Int {
	return MulDiv(x, 100+percent, 100)
}

// Ratio returns num/den as a float64, zero when den is zero
func Ratio(num, den *big.Int) float64 {
	if num == nil || den == nil || den.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}

// Max returns the larger of a and b
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Min returns the smaller of a and b
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Clamp bounds x to [lo, hi]
func Clamp(x, lo, hi *big.Int) *big.Int {
	return new(big.Int).Set(Min(Max(x, lo), hi))
}

// OrZero returns x, or a fresh zero when x is nil
func OrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
