package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/michaelpento.lv/flasharb/cmd/bot"
	"github.com/michaelpento.lv/flasharb/tokens"
	"github.com/michaelpento.lv/flasharb/types"
)

// opportunityFile is the on-disk description of one opportunity. JSON files
// parse as well since YAML is a superset.
type opportunityFile struct {
	Token          string    `yaml:"token"`
	Amount         string    `yaml:"amount"`
	ExpectedOutput string    `yaml:"expected_output"`
	MinProfit      string    `yaml:"min_profit"`
	Private        bool      `yaml:"private"`
	Priority       string    `yaml:"priority"`
	Route          []hopFile `yaml:"route"`
}

type hopFile struct {
	Dex      uint8  `yaml:"dex"`
	TokenIn  string `yaml:"token_in"`
	TokenOut string `yaml:"token_out"`
}

// opportunity is an opportunityFile resolved against the token table.
// Amounts are in the smallest unit.
type opportunity struct {
	request        bot.ExecuteRequest
	expectedOutput *big.Int
}

type tokenTable interface {
	All() []tokens.Token
	Lookup(ctx context.Context, addr common.Address) (tokens.Token, error)
}

func readOpportunity(ctx context.Context, path string, table tokenTable) (*opportunity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read opportunity file: %w", err)
	}
	return parseOpportunity(ctx, data, table)
}

func parseOpportunity(ctx context.Context, data []byte, table tokenTable) (*opportunity, error) {
	var f opportunityFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode opportunity: %w", err)
	}
	if len(f.Route) == 0 {
		return nil, fmt.Errorf("%w: route is empty", types.ErrInvalidRoute)
	}

	hops := make([]types.Hop, len(f.Route))
	for i, h := range f.Route {
		in, err := resolveToken(ctx, table, h.TokenIn)
		if err != nil {
			return nil, fmt.Errorf("route hop %d: %w", i, err)
		}
		out, err := resolveToken(ctx, table, h.TokenOut)
		if err != nil {
			return nil, fmt.Errorf("route hop %d: %w", i, err)
		}
		hops[i] = types.Hop{DexID: h.Dex, TokenIn: in.Address, TokenOut: out.Address}
	}
	route, err := types.NewRoute(hops...)
	if err != nil {
		return nil, err
	}

	loan := route.TokenIn()
	if f.Token != "" {
		token, err := resolveToken(ctx, table, f.Token)
		if err != nil {
			return nil, err
		}
		loan = token.Address
	}
	loanToken, err := table.Lookup(ctx, loan)
	if err != nil {
		return nil, err
	}
	outToken, err := table.Lookup(ctx, route.TokenOut())
	if err != nil {
		return nil, err
	}

	amount, err := toUnits(f.Amount, loanToken.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", types.ErrInvalidAmount, f.Amount, err)
	}
	if amount == nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount %q must be positive", types.ErrInvalidAmount, f.Amount)
	}
	expected, err := toUnits(f.ExpectedOutput, outToken.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: expected_output %q: %v", types.ErrInvalidAmount, f.ExpectedOutput, err)
	}
	minProfit, err := toUnits(f.MinProfit, loanToken.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: min_profit %q: %v", types.ErrInvalidAmount, f.MinProfit, err)
	}

	return &opportunity{
		request: bot.ExecuteRequest{
			Token:           loan,
			Amount:          amount,
			Route:           route,
			MinProfit:       minProfit,
			UsePrivateRelay: f.Private,
			Priority:        types.ParsePriority(f.Priority),
		},
		expectedOutput: expected,
	}, nil
}

// resolveToken accepts an address or a configured symbol
func resolveToken(ctx context.Context, table tokenTable, s string) (tokens.Token, error) {
	if common.IsHexAddress(s) {
		return table.Lookup(ctx, common.HexToAddress(s))
	}
	for _, t := range table.All() {
		if strings.EqualFold(t.Symbol, s) {
			return t, nil
		}
	}
	return tokens.Token{}, fmt.Errorf("%w: %q", types.ErrUnsupportedToken, s)
}

// toUnits converts a whole-token decimal string. Empty means unset.
// Negative values and digits below one token unit are rejected.
func toUnits(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, errors.New("negative amount")
	}
	units := d.Shift(int32(decimals))
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("more than %d decimal places", decimals)
	}
	return units.BigInt(), nil
}
