// Package vote implements the PBFT vote manager: unverified/verified
// vote indexing, VRF-bound vote verification, 2t+1 threshold
// detection, double-vote surfacing, and reward-vote bookkeeping (spec
// §4.4 "Vote manager", grounded on
// original_source/libraries/core_libs/consensus/include/vote_manager/vote_manager.hpp's
// VoteManager class).
package vote

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

// DoubleVoteFunc is invoked when two distinct votes are observed from
// the same (voter, period, round, step) with different block hashes
// (spec §4.4: "surfaced to slashing").
type DoubleVoteFunc func(first, second *types.Vote)

// ThresholdFunc is invoked the first time a (round, step, block_hash)
// group crosses the 2t+1 weight threshold (spec §4.4: "triggers 2t+1
// soft/cert/next threshold callbacks").
type ThresholdFunc func(round types.Round, step types.Step, blockHash types.Hash, votes []*types.Vote)

type voteGroup struct {
	weight uint64
	votes  map[types.Hash]*types.Vote
	notified bool
}

type voterKey struct {
	voter  types.Address
	period types.Period
	round  types.Round
	step   types.Step
}

// Manager indexes unverified and verified votes and drives 2t+1
// threshold and double-vote detection (spec §4.4). Zero value is not
// usable; construct with New.
type Manager struct {
	mu sync.RWMutex

	store    *storage.Store
	stateAPI stateapi.StateAPI
	hasher   func([]byte) types.Hash
	metrics  metrics.Metrics

	onDoubleVote DoubleVoteFunc
	onThreshold  ThresholdFunc

	// unverified[round][vote_hash] -> vote, matching vote_manager.hpp's
	// unverified_votes_ shape.
	unverified map[types.Round]map[types.Hash]*types.Vote

	// verified[round][step][block_hash] -> aggregate weight + vote set,
	// matching vote_manager.hpp's verified_votes_ shape.
	verified map[types.Round]map[types.Step]map[types.Hash]*voteGroup

	// seenVoters tracks the one block hash each (voter, period, round,
	// step) has voted for, to detect double votes.
	seenVoters map[voterKey]*types.Vote

	// rewardVotes accumulates this period's cert votes for persistence
	// alongside the finalized PeriodData (spec §4.4 reward-vote
	// persistence).
	rewardVotes map[types.Hash]*types.Vote
}

// New constructs a vote Manager. m and the callbacks may be nil.
func New(store *storage.Store, stateAPI stateapi.StateAPI, hasher func([]byte) types.Hash, m metrics.Metrics, onDoubleVote DoubleVoteFunc, onThreshold ThresholdFunc) *Manager {
	return &Manager{
		store:        store,
		stateAPI:     stateAPI,
		hasher:       hasher,
		metrics:      m,
		onDoubleVote: onDoubleVote,
		onThreshold:  onThreshold,
		unverified:   make(map[types.Round]map[types.Hash]*types.Vote),
		verified:     make(map[types.Round]map[types.Step]map[types.Hash]*voteGroup),
		seenVoters:   make(map[voterKey]*types.Vote),
		rewardVotes:  make(map[types.Hash]*types.Vote),
	}
}

// AddUnverified stores v in the unverified index, keyed by round and
// vote hash, skipping votes already present (spec §4.4 add_unverified).
func (m *Manager) AddUnverified(v *types.Vote) {
	h := v.Hash(m.hasher)
	m.mu.Lock()
	defer m.mu.Unlock()
	byHash, ok := m.unverified[v.Round]
	if !ok {
		byHash = make(map[types.Hash]*types.Vote)
		m.unverified[v.Round] = byHash
	}
	if _, exists := byHash[h]; exists {
		return
	}
	byHash[h] = v
	if m.metrics != nil {
		m.metrics.VotesReceived().Inc()
	}
}

// Verify checks v's signature and VRF proof against (period, round,
// step, voter), assigns its weight from stateAPI, and, on success,
// promotes it from the unverified to the verified index, checking for
// double votes and threshold crossings along the way (spec §4.4
// verify(vote, period)).
//
// A signature or VRF failure is permanent: the vote is dropped and
// ErrInvalidSignature/ErrInvalidVRF is returned so the caller can
// demerit the sending peer. A DPoS lookup failure is returned as-is so
// the caller can retry in a later period (reorg tolerance); the vote
// stays in the unverified index for that case.
func (m *Manager) Verify(ctx context.Context, v *types.Vote, period types.Period) (bool, error) {
	unsigned, err := v.EncodeUnsignedRLP()
	if err != nil {
		return false, errors.Wrap(err, "encode unsigned vote")
	}
	digest := m.hasher(unsigned)
	voter, err := cryptoutil.RecoverAddress(digest, v.Signature)
	if err != nil {
		return false, errors.Wrap(types.ErrInvalidSignature, "recover voter")
	}

	input := cryptoutil.SortitionInput(periodBytes(period), roundBytes(v.Round), []byte{byte(v.Step.VrfInputStep())}, voter.Bytes())
	output := cryptoutil.Keccak256(v.VoterKey, v.VrfProof)
	if !cryptoutil.VrfVerify(input, v.VrfProof, voter, output) {
		return false, types.ErrInvalidVRF
	}

	weight, err := m.stateAPI.DposEligibleVoteCount(ctx, voter, period)
	if err != nil {
		return false, err
	}
	if weight == 0 {
		// Not eligible at this period; kept unverified for one period
		// of reorg tolerance (spec §4.4).
		return false, nil
	}
	v.Weight = weight
	v.SetVoter(voter)

	h := v.Hash(m.hasher)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := voterKey{voter: voter, period: period, round: v.Round, step: v.Step}
	if prior, ok := m.seenVoters[key]; ok && prior.BlockHash != v.BlockHash {
		if m.metrics != nil {
			m.metrics.VotesRejectedDoubleVote().Inc()
		}
		if m.onDoubleVote != nil {
			m.onDoubleVote(prior, v)
		}
		return false, types.ErrDoubleVote
	}
	m.seenVoters[key] = v

	if byHash, ok := m.unverified[v.Round]; ok {
		delete(byHash, h)
	}

	bySep := m.verified[v.Round]
	if bySep == nil {
		bySep = make(map[types.Step]map[types.Hash]*voteGroup)
		m.verified[v.Round] = bySep
	}
	byBlock := bySep[v.Step]
	if byBlock == nil {
		byBlock = make(map[types.Hash]*voteGroup)
		bySep[v.Step] = byBlock
	}
	grp := byBlock[v.BlockHash]
	if grp == nil {
		grp = &voteGroup{votes: make(map[types.Hash]*types.Vote)}
		byBlock[v.BlockHash] = grp
	}
	if _, exists := grp.votes[h]; !exists {
		grp.votes[h] = v
		grp.weight += weight
	}

	if v.Step == types.StepCert {
		m.rewardVotes[h] = v
	}

	if !grp.notified {
		total, err := m.stateAPI.TotalEligibleVotes(ctx, period)
		if err == nil && grp.weight >= TwoTPlusOne(total) {
			grp.notified = true
			if m.metrics != nil {
				m.metrics.CertifyThresholdReached().Inc()
			}
			if m.onThreshold != nil {
				votes := make([]*types.Vote, 0, len(grp.votes))
				for _, gv := range grp.votes {
					votes = append(votes, gv)
				}
				m.onThreshold(v.Round, v.Step, v.BlockHash, votes)
			}
		}
	}

	return true, nil
}

// TwoTPlusOne computes the 2t+1 Byzantine quorum threshold for a total
// eligible-vote weight (spec §4.3: "floor(2*total_eligible_votes/3)+1").
func TwoTPlusOne(totalEligibleVotes uint64) uint64 {
	return (2*totalEligibleVotes)/3 + 1
}

// VotesBundle returns the verified votes and aggregate weight for a
// (round, step, block_hash) group, or false if no votes have been
// verified for it.
func (m *Manager) VotesBundle(round types.Round, step types.Step, blockHash types.Hash) ([]*types.Vote, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grp, ok := m.verified[round][step][blockHash]
	if !ok {
		return nil, 0, false
	}
	votes := make([]*types.Vote, 0, len(grp.votes))
	for _, v := range grp.votes {
		votes = append(votes, v)
	}
	return votes, grp.weight, true
}

// CandidateValues returns every distinct block_hash carrying at least
// one verified vote for (round, step), letting a caller enumerate
// soft-step candidates the way spec §4.3's soft step does ("the lowest
// hash block among received propose votes").
func (m *Manager) CandidateValues(round types.Round, step types.Step) []types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byBlock, ok := m.verified[round][step]
	if !ok {
		return nil
	}
	out := make([]types.Hash, 0, len(byBlock))
	for h := range byBlock {
		out = append(out, h)
	}
	return out
}

// UnverifiedVotes returns the unverified votes queued for round.
func (m *Manager) UnverifiedVotes(round types.Round) []*types.Vote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byHash := m.unverified[round]
	out := make([]*types.Vote, 0, len(byHash))
	for _, v := range byHash {
		out = append(out, v)
	}
	return out
}

// Cleanup drops unverified and verified index entries for rounds older
// than currentRound, retaining the previous round so its next-votes
// bundle remains available for the round-change liveness path (spec
// §4.4 cleanup(current_round)). The known-double-voter set and reward
// votes are not touched here: the former is cleared on period change
// via ClearPeriod, the latter persists until period finalization reads
// it.
func (m *Manager) Cleanup(currentRound types.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if currentRound < 2 {
		return
	}
	keepFrom := currentRound - 1
	for r := range m.unverified {
		if r < keepFrom {
			delete(m.unverified, r)
		}
	}
	for r := range m.verified {
		if r < keepFrom {
			delete(m.verified, r)
		}
	}
}

// ClearPeriod resets the double-vote tracking set, drops the
// round-keyed unverified/verified indexes, and flushes accumulated
// reward votes to storage under period, called once a period finalizes
// (spec §4.4: "known-invalid-vote-hash set cleared on period change";
// reward-vote persistence). Round numbers reset to 1 on every period
// change (spec §4.3), so unverified/verified must be dropped here
// rather than left to Cleanup's round-window eviction, which only ever
// sees round numbers small enough to otherwise alias across periods.
// Next-votes continuity across the boundary is unaffected: that state
// lives in NextVotesManager, not this index.
func (m *Manager) ClearPeriod(period types.Period) error {
	m.mu.Lock()
	votes := make([]*types.Vote, 0, len(m.rewardVotes))
	for _, v := range m.rewardVotes {
		votes = append(votes, v)
	}
	m.rewardVotes = make(map[types.Hash]*types.Vote)
	for k := range m.seenVoters {
		if k.period <= period {
			delete(m.seenVoters, k)
		}
	}
	m.unverified = make(map[types.Round]map[types.Hash]*types.Vote)
	m.verified = make(map[types.Round]map[types.Step]map[types.Hash]*voteGroup)
	m.mu.Unlock()

	if m.store == nil || len(votes) == 0 {
		return nil
	}
	return m.store.PutRewardVotes(period, votes)
}

func periodBytes(p types.Period) []byte {
	return u64be(uint64(p))
}

func roundBytes(r types.Round) []byte {
	return u64be(uint64(r))
}

func u64be(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
