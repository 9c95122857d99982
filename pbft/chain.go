package pbft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

// Chain tracks the PBFT chain's head tuple and validates candidate
// blocks against it, grounded on
// original_source/libraries/core_libs/consensus/src/pbft/pbft_chain.cpp's
// PbftChain: a shared-lock-guarded head struct plus
// checkPbftBlockValidation's two invariants (period continuity, prev
// hash linkage). Head mutation itself is owned by the finalizer's
// atomic batch commit; Chain here is an in-memory read/validate cache
// refreshed from storage after every finalize.
type Chain struct {
	mu   sync.RWMutex
	head types.ChainHead
}

// NewChain constructs a Chain seeded from store's persisted head (or
// the genesis head if store has none yet).
func NewChain(store *storage.Store) (*Chain, error) {
	head, err := store.GetChainHead()
	if err != nil {
		return nil, errors.Wrap(err, "load chain head")
	}
	return &Chain{head: head}, nil
}

// Head returns the current chain head tuple.
func (c *Chain) Head() types.ChainHead {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Size returns the number of periods committed so far (original:
// getPbftChainSize).
func (c *Chain) Size() types.Period {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head.Size
}

// SetHead replaces the cached head, called after the finalizer commits
// a new period atomically.
func (c *Chain) SetHead(head types.ChainHead) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = head
}

// ValidateCandidate reports whether block may extend the chain
// (original: checkPbftBlockValidation): its period must be exactly
// Size()+1, and its PrevBlockHash must match the current
// LastPbftBlockHash.
func (c *Chain) ValidateCandidate(block *types.PbftBlock) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if block.Period != c.head.Size+1 {
		return errors.Wrapf(types.ErrConsensusError, "pbft block period %d does not extend chain size %d", block.Period, c.head.Size)
	}
	if block.PrevBlockHash != c.head.LastPbftBlockHash {
		return errors.Wrapf(types.ErrChainFork, "pbft block prev hash %s does not match chain head %s", block.PrevBlockHash, c.head.LastPbftBlockHash)
	}
	return nil
}
