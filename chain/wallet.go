package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs transactions for one account
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewWallet parses a hex private key, with or without 0x
func NewWallet(hexKey string, chainID *big.Int) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewWalletFromKey(key, chainID), nil
}

// NewWalletFromKey wraps an existing key
func NewWalletFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// SignTx signs tx with the wallet key
func (w *Wallet) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, w.signer, w.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// SignAndSend signs tx and broadcasts it through c
func SignAndSend(ctx context.Context, c Client, w *Wallet, tx *types.Transaction) (*types.Transaction, error) {
	signed, err := w.SignTx(tx)
	if err != nil {
		return nil, err
	}
	if _, err := c.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction %s: %w", signed.Hash().Hex(), err)
	}
	return signed, nil
}
