package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/flasharb/utils"
)

// ErrReceiptTimeout is returned when no receipt shows up before the deadline
var ErrReceiptTimeout = errors.New("timed out waiting for receipt")

// Block is the subset of block data the pipeline reads
type Block struct {
	Number       uint64
	BaseFee      *big.Int
	GasUsed      uint64
	GasLimit     uint64
	Transactions []common.Hash
}

// Client is the view of an EVM node the pipeline depends on
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Block(ctx context.Context, number uint64) (*Block, error)
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
	Code(ctx context.Context, account common.Address) ([]byte, error)
}

// Backend is the part of *ethclient.Client that EthClient uses
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Options tune an EthClient
type Options struct {
	Retry             utils.RetryPolicy
	RequestsPerSecond float64
	BurstSize         int
	WaitTimeout       time.Duration
	CallTimeout       time.Duration
	PollInterval      time.Duration
}

// EthClient implements Client over a JSON-RPC node. Every call is rate
// limited and retried on transient failures.
type EthClient struct {
	backend Backend
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
}

// Dial connects to rawURL and wraps the connection
func Dial(ctx context.Context, rawURL string, opts Options, logger *zap.Logger) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rawURL, err)
	}
	return NewEthClient(client, opts, logger), nil
}

// NewEthClient wraps an existing backend
func NewEthClient(backend Backend, opts Options, logger *zap.Logger) *EthClient {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = utils.DefaultRetryPolicy()
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 25
	}
	if opts.BurstSize <= 0 {
		opts.BurstSize = 50
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	return &EthClient{
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.BurstSize),
		opts:    opts,
		logger:  logger.Named("chain"),
	}
}

// call rate limits and retries one RPC
func call[T any](ctx context.Context, c *EthClient, name string, fn func(context.Context) (T, error)) (T, error) {
	return utils.WithRetry(ctx, c.opts.Retry, c.logger, name, func(ctx context.Context) (T, error) {
		var zero T

		waitCtx, cancel := context.WithTimeout(ctx, c.opts.WaitTimeout)
		err := c.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			return zero, utils.MarkTransient(fmt.Errorf("rate limit wait: %w", err))
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "chain_id", c.backend.ChainID)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, "block_number", c.backend.BlockNumber)
}

func (c *EthClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "gas_price", c.backend.SuggestGasPrice)
}

func (c *EthClient) Block(ctx context.Context, number uint64) (*Block, error) {
	return call(ctx, c, "get_block", func(ctx context.Context) (*Block, error) {
		block, err := c.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, err
		}

		baseFee := new(big.Int)
		if block.BaseFee() != nil {
			baseFee.Set(block.BaseFee())
		}

		txs := block.Transactions()
		hashes := make([]common.Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash()
		}

		return &Block{
			Number:       block.NumberU64(),
			BaseFee:      baseFee,
			GasUsed:      block.GasUsed(),
			GasLimit:     block.GasLimit(),
			Transactions: hashes,
		}, nil
	})
}

func (c *EthClient) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, "get_transaction_count", func(ctx context.Context) (uint64, error) {
		return c.backend.PendingNonceAt(ctx, account)
	})
}

func (c *EthClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return call(ctx, c, "call_contract", func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, msg, nil)
	})
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return call(ctx, c, "estimate_gas", func(ctx context.Context) (uint64, error) {
		return c.backend.EstimateGas(ctx, msg)
	})
}

// SendTransaction broadcasts a signed transaction. Resending a transaction
// the node already knows is not an error.
func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	return call(ctx, c, "send_transaction", func(ctx context.Context) (common.Hash, error) {
		if err := c.backend.SendTransaction(ctx, tx); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already known") {
				return tx.Hash(), nil
			}
			return common.Hash{}, err
		}
		return tx.Hash(), nil
	})
}

func (c *EthClient) Code(ctx context.Context, account common.Address) ([]byte, error) {
	return call(ctx, c, "get_code", func(ctx context.Context) ([]byte, error) {
		return c.backend.CodeAt(ctx, account, nil)
	})
}

// WaitForReceipt polls until the transaction is mined or timeout elapses
func (c *EthClient) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case utils.IsTransient(err) && ctx.Err() == nil:
			c.logger.Debug("Receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		case ctx.Err() == nil:
			return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
