package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reads the pending transaction count of an account
type NonceSource interface {
	TransactionCount(ctx context.Context, account common.Address) (uint64, error)
}

// NonceAllocator hands out nonces for one account. While reservations are
// outstanding the counter only moves forward; once every reservation is
// released or settled the next allocation re-seeds from the node, so a
// transaction that was never mined does not leave a gap.
type NonceAllocator struct {
	mu       sync.Mutex
	source   NonceSource
	account  common.Address
	next     uint64
	synced   bool
	inFlight map[uint64]struct{}
}

func NewNonceAllocator(source NonceSource, account common.Address) *NonceAllocator {
	return &NonceAllocator{
		source:   source,
		account:  account,
		inFlight: make(map[uint64]struct{}),
	}
}

// Next reserves the next nonce
func (n *NonceAllocator) Next(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	pending, err := n.source.TransactionCount(ctx, n.account)
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction count: %w", err)
	}

	if !n.synced || len(n.inFlight) == 0 || pending > n.next {
		n.next = pending
		n.synced = true
	}

	nonce := n.next
	n.next++
	n.inFlight[nonce] = struct{}{}
	return nonce, nil
}

// Release hands back a reservation whose transaction was never sent. The
// counter rolls back only when nonce was the last one handed out.
func (n *NonceAllocator) Release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.inFlight[nonce]; !ok {
		return
	}
	delete(n.inFlight, nonce)
	if nonce+1 == n.next {
		n.next = nonce
	}
}

// Settle ends a reservation whose transaction left the process
func (n *NonceAllocator) Settle(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inFlight, nonce)
}

// InFlight reports the number of outstanding reservations
func (n *NonceAllocator) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inFlight)
}

// Reset forgets the local counter, the next allocation starts from the node
func (n *NonceAllocator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.synced = false
}
