// Package stateapi defines the collaborator contracts the consensus
// engine treats as black boxes: the state-transition executor (EVM-like
// executor, trie storage, DPoS accounting) and the transaction pool.
// Neither is implemented here; production wiring supplies a concrete
// StateAPI/TransactionPool, and tests use the fakes in
// stateapi/stateapitest.
package stateapi

import (
	"context"

	"github.com/luxfi/dagbft-core/types"
)

// TransitionResult is the response to a transition_state call: a
// per-transaction receipt set, the resulting state root, and the
// total gas used, or an error for a consensus-fatal failure (spec §4.4
// step 4: "a consensus error is fatal ... the node must refuse to
// advance").
type TransitionResult struct {
	Receipts  []Receipt
	StateRoot types.Hash
	GasUsed   uint64
}

// Receipt is a single transaction's execution outcome.
type Receipt struct {
	TxHash          types.Hash
	Status          uint64
	GasUsed         uint64
	ContractAddress *types.Address
}

// Account is the externally observable state of an address.
type Account struct {
	Balance *types.Hash // big-endian 256-bit value, reusing the fixed-size Hash layout
	Nonce   uint64
	Code    []byte
}

// StateAPI is the black-box state-transition engine (spec §1 "consumed
// as a black-box StateAPI").
type StateAPI interface {
	// TransitionState executes transactions on top of the state left by
	// the previous period, with pbftBlock as the block being applied,
	// returning receipts and the new state root. A returned error is
	// consensus-fatal.
	TransitionState(ctx context.Context, pbftBlock *types.PbftBlock, transactions []*types.Transaction) (*TransitionResult, error)

	// DposIsEligible reports whether addr may propose or vote at period.
	DposIsEligible(ctx context.Context, addr types.Address, period types.Period) (bool, error)

	// DposEligibleVoteCount returns a voter's weight at period, used as
	// the Vote.Weight value and in the 2t+1 threshold computation (spec
	// §4.3 "Eligibility & weight").
	DposEligibleVoteCount(ctx context.Context, voter types.Address, period types.Period) (uint64, error)

	// TotalEligibleVotes returns the sum of DposEligibleVoteCount over
	// every eligible voter at period, the denominator of the 2t+1
	// threshold.
	TotalEligibleVotes(ctx context.Context, period types.Period) (uint64, error)

	// GetAccount returns the account state at the given period's
	// finalized state.
	GetAccount(ctx context.Context, addr types.Address, period types.Period) (*Account, error)

	// Query runs an arbitrary read against finalized state, e.g. an
	// eth_call-style contract invocation.
	Query(ctx context.Context, period types.Period, call []byte) ([]byte, error)
}

// TransactionPool is the black-box mempool (spec §1 "Transaction pool
// internals beyond the admission interface").
type TransactionPool interface {
	// Verify checks a transaction's signature, nonce, and gas bounds
	// without inserting it.
	Verify(tx *types.Transaction) error

	// Insert admits a verified transaction into the pool.
	Insert(tx *types.Transaction) error

	// Pack returns up to limit transactions for block proposal, in the
	// pool's own priority order.
	Pack(limit uint32, gasLimit uint64) []*types.Transaction

	// IsKnown reports whether hash is already in the pool or finalized.
	IsKnown(hash types.Hash) bool

	// Get returns a pooled transaction by hash.
	Get(hash types.Hash) (*types.Transaction, bool)

	// Finalize removes transactions included in a finalized period and
	// advances the pool's per-sender nonce floor.
	Finalize(period types.Period, included []types.Hash) error
}
