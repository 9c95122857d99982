package vote

import (
	"sync"

	"github.com/luxfi/dagbft-core/types"
)

// NextVotesManager tracks the bundle of next-votes (step StepNext) for
// the round currently being driven, used both to detect a round's
// 2t+1 next-vote outcome and to rebroadcast that bundle to peers
// requesting it (spec §4.3 round-advance rules; grounded on
// original_source/libraries/core_libs/consensus/include/vote_manager/vote_manager.hpp's
// NextVotesManager class).
type NextVotesManager struct {
	mu sync.RWMutex

	votes              map[types.Hash]*types.Vote
	weightByBlock      map[types.Hash]uint64
	votedValue         types.Hash
	haveVotedValue     bool
	enoughForNullBlock bool
}

// NewNextVotesManager constructs an empty NextVotesManager.
func NewNextVotesManager() *NextVotesManager {
	return &NextVotesManager{
		votes:         make(map[types.Hash]*types.Vote),
		weightByBlock: make(map[types.Hash]uint64),
	}
}

// Clear resets all state for a new round (vote_manager.hpp: clear()).
func (n *NextVotesManager) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.votes = make(map[types.Hash]*types.Vote)
	n.weightByBlock = make(map[types.Hash]uint64)
	n.votedValue = types.Hash{}
	n.haveVotedValue = false
	n.enoughForNullBlock = false
}

// Find reports whether voteHash is already present in the bundle
// (vote_manager.hpp: find(vote_hash)).
func (n *NextVotesManager) Find(voteHash types.Hash) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.votes[voteHash]
	return ok
}

// EnoughNextVotes reports whether either a concrete block or the null
// block has crossed 2t+1 (vote_manager.hpp: enoughNextVotes()).
func (n *NextVotesManager) EnoughNextVotes() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.haveVotedValue || n.enoughForNullBlock
}

// HaveEnoughVotesForNullBlockHash reports whether the null block hash
// specifically crossed 2t+1 (vote_manager.hpp:
// haveEnoughVotesForNullBlockHash()).
func (n *NextVotesManager) HaveEnoughVotesForNullBlockHash() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enoughForNullBlock
}

// GetVotedValue returns the concrete block hash that crossed 2t+1, if
// any (vote_manager.hpp: getVotedValue()).
func (n *NextVotesManager) GetVotedValue() (types.Hash, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.votedValue, n.haveVotedValue
}

// GetNextVotes returns every vote in the bundle (vote_manager.hpp:
// getNextVotes()).
func (n *NextVotesManager) GetNextVotes() []*types.Vote {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*types.Vote, 0, len(n.votes))
	for _, v := range n.votes {
		out = append(out, v)
	}
	return out
}

// GetNextVotesWeight returns the bundle's total weight (vote_manager.hpp:
// getNextVotesWeight()).
func (n *NextVotesManager) GetNextVotesWeight() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var total uint64
	for _, w := range n.weightByBlock {
		total += w
	}
	return total
}

// AddNextVotes merges votes into the bundle, updating per-block weight
// and the 2t+1 outcome flags once twoTPlusOne is crossed
// (vote_manager.hpp: addNextVotes(votes, pbft_2t_plus_1)).
func (n *NextVotesManager) AddNextVotes(votes []*types.Vote, hasher func([]byte) types.Hash, twoTPlusOne uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, v := range votes {
		if v.Step != types.StepNext {
			continue
		}
		h := v.Hash(hasher)
		if _, exists := n.votes[h]; exists {
			continue
		}
		n.votes[h] = v
		n.weightByBlock[v.BlockHash] += v.Weight
	}
	n.recomputeLocked(twoTPlusOne)
}

// UpdateNextVotes replaces the bundle with votes wholesale, the same
// merge semantics as AddNextVotes against a cleared bundle
// (vote_manager.hpp: updateNextVotes(votes, pbft_2t_plus_1)).
func (n *NextVotesManager) UpdateNextVotes(votes []*types.Vote, hasher func([]byte) types.Hash, twoTPlusOne uint64) {
	n.Clear()
	n.AddNextVotes(votes, hasher, twoTPlusOne)
}

// UpdateWithSyncedVotes merges a peer-synced next-votes bundle the same
// way as AddNextVotes (vote_manager.hpp: updateWithSyncedVotes(votes,
// pbft_2t_plus_1)); kept as a distinct method so callers can
// distinguish locally-verified additions from sync-sourced ones in
// logging.
func (n *NextVotesManager) UpdateWithSyncedVotes(votes []*types.Vote, hasher func([]byte) types.Hash, twoTPlusOne uint64) {
	n.AddNextVotes(votes, hasher, twoTPlusOne)
}

func (n *NextVotesManager) recomputeLocked(twoTPlusOne uint64) {
	n.haveVotedValue = false
	n.enoughForNullBlock = false
	for blockHash, weight := range n.weightByBlock {
		if weight < twoTPlusOne {
			continue
		}
		if blockHash.IsNull() {
			n.enoughForNullBlock = true
			continue
		}
		n.votedValue = blockHash
		n.haveVotedValue = true
	}
}
