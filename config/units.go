package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var unitExponents = map[string]int32{
	"wei":   0,
	"gwei":  9,
	"ether": 18,
	"eth":   18,
}

// Wei is an amount of the native token. In YAML it is written either as
// an integer number of wei or as a decimal followed by a unit, e.g. "1.5 gwei".
type Wei struct {
	*big.Int
}

// NewWei wraps v
func NewWei(v *big.Int) Wei {
	return Wei{Int: v}
}

// ParseWei parses "1000", "2 gwei" or "0.01 ether"
func ParseWei(s string) (*big.Int, error) {
	fields := strings.Fields(strings.ReplaceAll(s, "_", ""))
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}

	exp := int32(0)
	if len(fields) == 2 {
		e, ok := unitExponents[strings.ToLower(fields[1])]
		if !ok {
			return nil, fmt.Errorf("unknown unit %q", fields[1])
		}
		exp = e
	}

	d, err := decimal.NewFromString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid wei amount %q: %w", s, err)
	}
	d = d.Shift(exp)
	if !d.IsInteger() {
		return nil, fmt.Errorf("amount %q has fractional wei", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	return d.BigInt(), nil
}

func (w *Wei) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseWei(s)
	if err != nil {
		return err
	}
	w.Int = v
	return nil
}

func (w Wei) MarshalYAML() (interface{}, error) {
	if w.Int == nil {
		return "0", nil
	}
	return w.Int.String(), nil
}

// TokenAmount is a human-readable token quantity such as "10" or "2500.5".
// It is converted to the smallest unit once the token's decimals are known.
type TokenAmount struct {
	value decimal.Decimal
	set   bool
}

// NewTokenAmount parses s as a decimal token quantity
func NewTokenAmount(s string) (TokenAmount, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if err != nil {
		return TokenAmount{}, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	return TokenAmount{value: d, set: true}, nil
}

func (a *TokenAmount) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := NewTokenAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a TokenAmount) MarshalYAML() (interface{}, error) {
	if !a.set {
		return nil, nil
	}
	return a.value.String(), nil
}

// IsSet reports whether a value was configured
func (a TokenAmount) IsSet() bool {
	return a.set
}

// IsPositive reports whether the amount is above zero
func (a TokenAmount) IsPositive() bool {
	return a.value.IsPositive()
}

// Units converts the amount into the token's smallest unit, rounding down
func (a TokenAmount) Units(decimals uint8) *big.Int {
	return a.value.Shift(int32(decimals)).Floor().BigInt()
}
