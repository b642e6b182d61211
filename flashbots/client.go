package flashbots

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/flasharb/config"
	"github.com/michaelpento.lv/flasharb/types"
	"github.com/michaelpento.lv/flasharb/utils"
	"github.com/michaelpento.lv/flasharb/utils/metrics"
)

const (
	contentTypeJSON      = "application/json"
	flashbotsXHeader     = "X-Flashbots-Signature"
	methodCallBundle     = "eth_callBundle"
	methodSendBundle     = "eth_sendBundle"
	methodGetUserStatsV2 = "flashbots_getUserStatsV2"
)

// Relay is a private transaction relay that simulates and forwards bundles
type Relay interface {
	SimulateBundle(ctx context.Context, bundle *Bundle) (*types.SimulationResult, error)
	SendBundle(ctx context.Context, bundle *Bundle) (common.Hash, error)
	UserStats(ctx context.Context, blockNumber uint64) (*UserStats, error)
}

// Bundle is an ordered list of signed transactions targeting one block
type Bundle struct {
	Txs               [][]byte // RLP-encoded signed transactions
	BlockNumber       uint64
	MinTimestamp      uint64
	MaxTimestamp      uint64
	RevertingTxHashes []common.Hash
	ReplacementUUID   string
}

// UserStats is the relay's view of the signing identity
type UserStats struct {
	IsHighPriority           bool            `json:"isHighPriority"`
	AllTimeValidatorPayments decimal.Decimal `json:"allTimeValidatorPayments"`
	AllTimeGasSimulated      decimal.Decimal `json:"allTimeGasSimulated"`
	Last7dValidatorPayments  decimal.Decimal `json:"last7dValidatorPayments"`
	Last7dGasSimulated       decimal.Decimal `json:"last7dGasSimulated"`
	Last1dValidatorPayments  decimal.Decimal `json:"last1dValidatorPayments"`
	Last1dGasSimulated       decimal.Decimal `json:"last1dGasSimulated"`
}

// RPCError is an error object returned by the relay
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// ClientConfig configures a relay Client
type ClientConfig struct {
	URL       string
	AuthKey   *ecdsa.PrivateKey
	Timeout   time.Duration
	RateLimit config.RateLimitConfig
}

// Client talks JSON-RPC to a Flashbots-compatible relay. Every request is
// signed with the auth key and rate limited.
type Client struct {
	httpClient  *http.Client
	relayURL    string
	authSigner  *ecdsa.PrivateKey
	authAddress common.Address
	limiter     *rate.Limiter
	waitTimeout time.Duration
	metrics     *metrics.BundleMetrics
	logger      *zap.Logger
	nextID      atomic.Uint64
}

var _ Relay = (*Client)(nil)

// NewClient creates a relay client. m may be nil.
func NewClient(cfg ClientConfig, m *metrics.BundleMetrics, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url must be specified")
	}
	if cfg.AuthKey == nil {
		return nil, fmt.Errorf("relay auth key must be specified")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 10
	}
	if cfg.RateLimit.WaitTimeout <= 0 {
		cfg.RateLimit.WaitTimeout = time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		relayURL:    cfg.URL,
		authSigner:  cfg.AuthKey,
		authAddress: crypto.PubkeyToAddress(cfg.AuthKey.PublicKey),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		waitTimeout: cfg.RateLimit.WaitTimeout,
		metrics:     m,
		logger:      logger.Named("flashbots"),
	}, nil
}

// AuthAddress is the reputation identity the relay sees
func (c *Client) AuthAddress() common.Address {
	return c.authAddress
}

// Sign returns the X-Flashbots-Signature header value for body
func Sign(body []byte, key *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(
		accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body)))),
		key,
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return fmt.Sprintf("%s:%s",
		crypto.PubkeyToAddress(key.PublicKey).Hex(),
		hexutil.Encode(signature),
	), nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call posts one signed JSON-RPC request. Transport failures, 429 and 5xx
// responses are marked transient.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	defer func() {
		if err != nil && c.metrics != nil {
			c.metrics.RelayErrors.WithLabelValues(method).Inc()
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, c.waitTimeout)
	err = c.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return utils.MarkTransient(fmt.Errorf("rate limit wait: %w", err))
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  []interface{}{params},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", method, err)
	}

	header, err := Sign(payload, c.authSigner)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.relayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Content-Type", contentTypeJSON)
	req.Header.Add("Accept", contentTypeJSON)
	req.Header.Add(flashbotsXHeader, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return utils.MarkTransient(fmt.Errorf("failed to send %s: %w", method, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.MarkTransient(fmt.Errorf("failed to read %s response: %w", method, err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return utils.MarkTransient(fmt.Errorf("%s: relay returned %s", method, resp.Status))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: relay returned %s: %s", method, resp.Status, bytes.TrimSpace(body))
		}
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: relay returned %s", method, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

type callBundleParams struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      hexutil.Uint64  `json:"blockNumber"`
	StateBlockNumber string          `json:"stateBlockNumber"`
	Timestamp        uint64          `json:"timestamp,omitempty"`
}

type callBundleTx struct {
	TxHash  common.Hash   `json:"txHash"`
	GasUsed uint64        `json:"gasUsed"`
	Error   string        `json:"error"`
	Revert  string        `json:"revert"`
	Value   hexutil.Bytes `json:"value"`
}

type callBundleResult struct {
	BundleHash       common.Hash    `json:"bundleHash"`
	CoinbaseDiff     string         `json:"coinbaseDiff"`
	Results          []callBundleTx `json:"results"`
	StateBlockNumber uint64         `json:"stateBlockNumber"`
	TotalGasUsed     uint64         `json:"totalGasUsed"`
}

// SimulateBundle runs eth_callBundle against the latest state. The bundle
// succeeds only if no transaction errored or reverted.
func (c *Client) SimulateBundle(ctx context.Context, bundle *Bundle) (*types.SimulationResult, error) {
	params := callBundleParams{
		Txs:              toHexBytes(bundle.Txs),
		BlockNumber:      hexutil.Uint64(bundle.BlockNumber),
		StateBlockNumber: "latest",
		Timestamp:        bundle.MinTimestamp,
	}

	var result callBundleResult
	if err := c.call(ctx, methodCallBundle, params, &result); err != nil {
		return nil, err
	}

	sim := &types.SimulationResult{
		Success:      true,
		GasUsed:      result.TotalGasUsed,
		BundleHash:   result.BundleHash,
		CoinbaseDiff: new(big.Int),
		StateBlock:   result.StateBlockNumber,
		Results:      make([]types.TxSimulation, 0, len(result.Results)),
	}
	if diff, ok := new(big.Int).SetString(result.CoinbaseDiff, 10); ok {
		sim.CoinbaseDiff = diff
	}

	for _, tx := range result.Results {
		sim.Results = append(sim.Results, types.TxSimulation{
			TxHash:     tx.TxHash,
			GasUsed:    tx.GasUsed,
			Error:      tx.Error,
			Revert:     tx.Revert,
			ReturnData: tx.Value,
		})
		if sim.Success && (tx.Error != "" || tx.Revert != "") {
			sim.Success = false
			sim.RevertReason = tx.Revert
			if sim.RevertReason == "" {
				sim.RevertReason = tx.Error
			}
		}
	}

	c.logger.Debug("Simulated bundle",
		zap.Uint64("block", bundle.BlockNumber),
		zap.Bool("success", sim.Success),
		zap.Uint64("gas_used", sim.GasUsed),
		zap.String("bundle_hash", sim.BundleHash.Hex()),
	)
	return sim, nil
}

type sendBundleParams struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	MinTimestamp      uint64          `json:"minTimestamp,omitempty"`
	MaxTimestamp      uint64          `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
	ReplacementUUID   string          `json:"replacementUuid,omitempty"`
}

// SendBundle submits the bundle for its target block and returns the
// relay's bundle hash
func (c *Client) SendBundle(ctx context.Context, bundle *Bundle) (common.Hash, error) {
	params := sendBundleParams{
		Txs:               toHexBytes(bundle.Txs),
		BlockNumber:       hexutil.Uint64(bundle.BlockNumber),
		MinTimestamp:      bundle.MinTimestamp,
		MaxTimestamp:      bundle.MaxTimestamp,
		RevertingTxHashes: bundle.RevertingTxHashes,
		ReplacementUUID:   bundle.ReplacementUUID,
	}

	var result struct {
		BundleHash common.Hash `json:"bundleHash"`
	}
	if err := c.call(ctx, methodSendBundle, params, &result); err != nil {
		return common.Hash{}, err
	}
	return result.BundleHash, nil
}

// UserStats retrieves the reputation stats of the auth signer
func (c *Client) UserStats(ctx context.Context, blockNumber uint64) (*UserStats, error) {
	params := struct {
		BlockNumber hexutil.Uint64 `json:"blockNumber"`
	}{hexutil.Uint64(blockNumber)}

	var stats UserStats
	if err := c.call(ctx, methodGetUserStatsV2, params, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func toHexBytes(txs [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(txs))
	for i, tx := range txs {
		out[i] = tx
	}
	return out
}
