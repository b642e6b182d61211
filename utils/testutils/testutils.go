package testutils

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/michaelpento.lv/flasharb/chain"
)

// Ether parses a decimal ether amount such as "1.03" into wei
func Ether(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(18).BigInt()
}

// Gwei returns n gwei in wei
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// NewTestKey generates a throwaway key
func NewTestKey(t *testing.T) *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// CreateMockTransaction creates a signed EIP-1559 transaction for testing
func CreateMockTransaction(t *testing.T, nonce uint64) *types.Transaction {
	privateKey := NewTestKey(t)
	to := common.HexToAddress("0x1234567890123456789012345678901234567890")

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     nonce,
		To:        &to,
		Gas:       21000,
		GasTipCap: Gwei(1),
		GasFeeCap: Gwei(20),
		Value:     big.NewInt(0),
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(1)), privateKey)
	require.NoError(t, err)

	return signedTx
}

type callKey struct {
	to       common.Address
	selector [4]byte
}

// FakeChain is an in-memory chain.Client
type FakeChain struct {
	mu sync.Mutex

	chainID  *big.Int
	block    uint64
	gasPrice *big.Int
	baseFee  *big.Int
	blockTxs int

	nonces   map[common.Address]uint64
	codes    map[common.Address][]byte
	stubs    map[callKey][]byte
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	calls    map[string]int

	// AutoMine makes SendTransaction produce a receipt with this status
	AutoMine       bool
	AutoMineStatus uint64

	GasPriceErr    error
	BlockNumberErr error
	CallErr        error
	EstimateErr    error
	EstimateGasFn  func(msg ethereum.CallMsg) (uint64, error)
}

var _ chain.Client = (*FakeChain)(nil)

// NewFakeChain starts at block 1000 with a 20 gwei gas price
func NewFakeChain() *FakeChain {
	return &FakeChain{
		chainID:        big.NewInt(8453),
		block:          1000,
		gasPrice:       Gwei(20),
		baseFee:        Gwei(18),
		nonces:         make(map[common.Address]uint64),
		codes:          make(map[common.Address][]byte),
		stubs:          make(map[callKey][]byte),
		receipts:       make(map[common.Hash]*types.Receipt),
		calls:          make(map[string]int),
		AutoMineStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *FakeChain) record(name string) {
	f.calls[name]++
}

// Calls returns how often a method was invoked
func (f *FakeChain) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FakeChain) SetBlock(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = n
}

func (f *FakeChain) SetGasPrice(p *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gasPrice = new(big.Int).Set(p)
}

func (f *FakeChain) SetBaseFee(p *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseFee = new(big.Int).Set(p)
}

func (f *FakeChain) SetBlockTxCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTxs = n
}

func (f *FakeChain) SetNonce(account common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[account] = nonce
}

func (f *FakeChain) SetCode(account common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes[account] = code
}

func (f *FakeChain) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = receipt
}

// StubCall makes calls of method on to return the packed outputs
func (f *FakeChain) StubCall(t *testing.T, to common.Address, contractABI abi.ABI, method string, outputs ...interface{}) {
	m, ok := contractABI.Methods[method]
	require.True(t, ok, "unknown method %s", method)

	out, err := m.Outputs.Pack(outputs...)
	require.NoError(t, err)

	var selector [4]byte
	copy(selector[:], m.ID)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[callKey{to: to, selector: selector}] = out
}

// StubRaw makes calls with the given selector on to return out
func (f *FakeChain) StubRaw(to common.Address, selector []byte, out []byte) {
	var key callKey
	key.to = to
	copy(key.selector[:], selector)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stubs[key] = out
}

// Sent returns the transactions broadcast so far
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ChainID")
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BlockNumber")
	if f.BlockNumberErr != nil {
		return 0, f.BlockNumberErr
	}
	return f.block, nil
}

func (f *FakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GasPrice")
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *FakeChain) Block(ctx context.Context, number uint64) (*chain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Block")
	return &chain.Block{
		Number:       number,
		BaseFee:      new(big.Int).Set(f.baseFee),
		GasUsed:      15_000_000,
		GasLimit:     30_000_000,
		Transactions: make([]common.Hash, f.blockTxs),
	}, nil
}

func (f *FakeChain) TransactionCount(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TransactionCount")
	return f.nonces[account], nil
}

func (f *FakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CallContract")
	if f.CallErr != nil {
		return nil, f.CallErr
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("invalid call")
	}

	var key callKey
	key.to = *msg.To
	copy(key.selector[:], msg.Data[:4])
	out, ok := f.stubs[key]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func (f *FakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	fn, err := f.EstimateGasFn, f.EstimateErr
	f.record("EstimateGas")
	f.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if fn != nil {
		return fn(msg)
	}
	return 350000, nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SendTransaction")
	f.sent = append(f.sent, tx)
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil && tx.Nonce()+1 > f.nonces[from] {
		f.nonces[from] = tx.Nonce() + 1
	}
	if f.AutoMine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      f.AutoMineStatus,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(f.block + 1),
			GasUsed:     300000,
		}
	}
	return tx.Hash(), nil
}

func (f *FakeChain) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		f.mu.Lock()
		f.record("WaitForReceipt")
		receipt, ok := f.receipts[hash]
		f.mu.Unlock()
		if ok {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", chain.ErrReceiptTimeout, hash.Hex())
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *FakeChain) Code(ctx context.Context, account common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Code")
	return f.codes[account], nil
}
