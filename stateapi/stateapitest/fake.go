// Package stateapitest provides hand-rolled StateAPI/TransactionPool
// fakes for engine-level tests, in place of a generated mock: the
// collaborator surface is small enough that a real backing map is
// clearer than a gomock expectation script.
package stateapitest

import (
	"context"
	"sync"

	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/types"
)

// StateAPI is an in-memory stateapi.StateAPI double. Eligibility and
// vote weight are driven entirely by the Eligible/Weight maps so tests
// can script arbitrary committee membership.
type StateAPI struct {
	mu sync.Mutex

	Eligible map[types.Address]bool
	Weight   map[types.Address]uint64
	Accounts map[types.Address]*stateapi.Account

	// TransitionErr, if set, is returned by every TransitionState call.
	TransitionErr error
	// Transitions records every call for assertions.
	Transitions []*types.PbftBlock
}

// New returns an empty StateAPI fake.
func New() *StateAPI {
	return &StateAPI{
		Eligible: make(map[types.Address]bool),
		Weight:   make(map[types.Address]uint64),
		Accounts: make(map[types.Address]*stateapi.Account),
	}
}

func (s *StateAPI) TransitionState(_ context.Context, pbftBlock *types.PbftBlock, transactions []*types.Transaction) (*stateapi.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Transitions = append(s.Transitions, pbftBlock)
	if s.TransitionErr != nil {
		return nil, s.TransitionErr
	}
	receipts := make([]stateapi.Receipt, 0, len(transactions))
	for _, tx := range transactions {
		receipts = append(receipts, stateapi.Receipt{TxHash: tx.Hash(cryptoutil.Keccak256), Status: 1, GasUsed: tx.GasLimit})
	}
	return &stateapi.TransitionResult{Receipts: receipts}, nil
}

func (s *StateAPI) DposIsEligible(_ context.Context, addr types.Address, _ types.Period) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Eligible[addr], nil
}

func (s *StateAPI) DposEligibleVoteCount(_ context.Context, voter types.Address, _ types.Period) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Weight[voter], nil
}

func (s *StateAPI) TotalEligibleVotes(_ context.Context, _ types.Period) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, w := range s.Weight {
		total += w
	}
	return total, nil
}

func (s *StateAPI) GetAccount(_ context.Context, addr types.Address, _ types.Period) (*stateapi.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Accounts[addr], nil
}

func (s *StateAPI) Query(_ context.Context, _ types.Period, _ []byte) ([]byte, error) {
	return nil, nil
}

// TransactionPool is an in-memory stateapi.TransactionPool double.
type TransactionPool struct {
	mu       sync.Mutex
	byHash   map[types.Hash]*types.Transaction
	verifyFn func(*types.Transaction) error
}

// NewTransactionPool returns an empty TransactionPool fake.
func NewTransactionPool() *TransactionPool {
	return &TransactionPool{byHash: make(map[types.Hash]*types.Transaction)}
}

// SetVerifyFunc overrides Verify's behavior for error-path tests.
func (p *TransactionPool) SetVerifyFunc(fn func(*types.Transaction) error) {
	p.verifyFn = fn
}

func (p *TransactionPool) Verify(tx *types.Transaction) error {
	if p.verifyFn != nil {
		return p.verifyFn(tx)
	}
	return nil
}

func (p *TransactionPool) Insert(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHash[tx.Hash(cryptoutil.Keccak256)] = tx
	return nil
}

func (p *TransactionPool) Pack(limit uint32, gasLimit uint64) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*types.Transaction, 0, limit)
	var gas uint64
	for _, tx := range p.byHash {
		if uint32(len(out)) >= limit {
			break
		}
		if gas+tx.GasLimit > gasLimit {
			continue
		}
		gas += tx.GasLimit
		out = append(out, tx)
	}
	return out
}

func (p *TransactionPool) IsKnown(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

func (p *TransactionPool) Get(hash types.Hash) (*types.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.byHash[hash]
	return tx, ok
}

func (p *TransactionPool) Finalize(_ types.Period, included []types.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range included {
		delete(p.byHash, h)
	}
	return nil
}
