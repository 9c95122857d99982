// Package finalizer implements the PBFT period finalizer: the 7-step
// algorithm that turns a certified PbftBlock anchor into a durable,
// atomically-committed PeriodData record (spec §4.4 "Period
// finalizer").
package finalizer

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/rlp"
	"github.com/luxfi/math/set"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/dag"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/sortition"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
	"github.com/luxfi/dagbft-core/vote"
)

// RewardStats is the per-period reward accounting the finalizer
// derives while ordering a period's sub-DAG (spec §4.4 step 5,
// grounded on
// original_source/libraries/core_libs/consensus/include/final_chain/dag_stats.hpp's
// DagStats::BlocksStats/TransactionStats shapes).
type RewardStats struct {
	// ProposerBlockCounts is the number of sub-DAG blocks each proposer
	// contributed this period (dag_stats.hpp: proposers_blocks_count_).
	ProposerBlockCounts map[types.Address]uint32
	// TxProposer maps a transaction hash to the proposer whose block
	// included it first in commit order (dag_stats.hpp: proposer_).
	TxProposer map[types.Hash]types.Address
	// TxUncleProposers maps a transaction hash to every later proposer
	// that also included it (dag_stats.hpp: uncle_proposers_).
	TxUncleProposers map[types.Hash][]types.Address
	// VoterWeights is the cert-vote weight each voter contributed to
	// this period's certification.
	VoterWeights map[types.Address]uint64
}

func newRewardStats() *RewardStats {
	return &RewardStats{
		ProposerBlockCounts: make(map[types.Address]uint32),
		TxProposer:          make(map[types.Hash]types.Address),
		TxUncleProposers:    make(map[types.Hash][]types.Address),
		VoterWeights:        make(map[types.Address]uint64),
	}
}

// NotifyFunc is invoked after a period finalizes atomically, carrying
// the new PeriodData, its state-transition result, and reward stats
// (spec §4.4 step 7 "notify ... emit events for new head/finalized
// blocks/receipts").
type NotifyFunc func(period types.Period, pd *types.PeriodData, result *stateapi.TransitionResult, rewards *RewardStats)

// Finalizer executes spec §4.4's period-finalization algorithm: sub-DAG
// collection, transaction ordering, order_hash verification, state
// transition, reward accounting, atomic persistence, and notification.
// The zero value is not usable; construct with New.
type Finalizer struct {
	mu sync.Mutex

	store      *storage.Store
	dagMgr     *dag.Manager
	stateAPI   stateapi.StateAPI
	txPool     stateapi.TransactionPool
	voteMgr    *vote.Manager
	replay     *ReplayProtection
	sortitionC *sortition.Controller
	dagGasLimit uint64
	metrics    metrics.Metrics
	hasher     func([]byte) types.Hash
	onNotify   NotifyFunc
}

// New constructs a Finalizer. voteMgr, sortitionC and onNotify may be
// nil; sortitionC, when set, is fed every period's DAG-efficiency
// sample (unique transactions over dagCfg.GasLimit) so its rolling
// window tracks live finalization the way spec §9's supplemented
// dag_stats.cpp feed describes.
func New(store *storage.Store, dagMgr *dag.Manager, stateAPI stateapi.StateAPI, txPool stateapi.TransactionPool, voteMgr *vote.Manager, replayCfg config.ReplayProtectionParams, dagCfg config.DagParams, sortitionC *sortition.Controller, m metrics.Metrics, hasher func([]byte) types.Hash, onNotify NotifyFunc) *Finalizer {
	return &Finalizer{
		store:       store,
		dagMgr:      dagMgr,
		stateAPI:    stateAPI,
		txPool:      txPool,
		voteMgr:     voteMgr,
		replay:      NewReplayProtection(store, replayCfg.Range),
		sortitionC:  sortitionC,
		dagGasLimit: dagCfg.GasLimit,
		metrics:     m,
		hasher:      hasher,
		onNotify:    onNotify,
	}
}

// BuildOrderHash runs spec §4.4 steps 1-3 (sub-DAG collection,
// transaction ordering, order_hash computation) without executing or
// committing anything, so the PBFT state machine can compute the
// order_hash a candidate PbftBlock must carry before it is signed and
// cert-voted on. An empty anchor (null hash) yields the empty-period
// order_hash.
func (f *Finalizer) BuildOrderHash(anchor types.Hash) (types.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dagBlocks []*types.DagBlock
	if !anchor.IsNull() {
		var err error
		dagBlocks, err = f.collectSubDag(anchor)
		if err != nil {
			return types.Hash{}, err
		}
	}
	_, orderedHashes, _ := f.orderTransactions(dagBlocks)
	encoded, err := rlp.EncodeToBytes(orderedHashes)
	if err != nil {
		return types.Hash{}, errors.Wrap(err, "encode ordered transaction hashes")
	}
	return f.hasher(encoded), nil
}

// Finalize commits pbftBlock as period pbftBlock.Period's anchor.
// certVotes is the 2t+1 cert-vote set that certified it; it feeds this
// period's voter reward weights. The PeriodData's PreviousCertVotes are
// the previous period's cert votes, read from the reward_votes column.
func (f *Finalizer) Finalize(ctx context.Context, pbftBlock *types.PbftBlock, certVotes []*types.Vote) (*types.PeriodData, *stateapi.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dagBlocks []*types.DagBlock
	var err error
	if !pbftBlock.IsEmptyPeriod() {
		dagBlocks, err = f.collectSubDag(pbftBlock.AnchorHash)
		if err != nil {
			return nil, nil, err
		}
	}

	transactions, orderedHashes, rewards := f.orderTransactions(dagBlocks)

	encodedHashes, err := rlp.EncodeToBytes(orderedHashes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode ordered transaction hashes")
	}
	orderHash := f.hasher(encodedHashes)
	if orderHash != pbftBlock.OrderHash {
		if f.metrics != nil {
			f.metrics.OrderHashMismatches().Inc()
		}
		return nil, nil, errors.Wrapf(types.ErrOrderHashMismatch, "period %d: computed %s, anchor wants %s", pbftBlock.Period, orderHash, pbftBlock.OrderHash)
	}

	result, err := f.stateAPI.TransitionState(ctx, pbftBlock, transactions)
	if err != nil {
		// Spec §4.4 step 4: a consensus error is fatal, the node must
		// refuse to advance. The caller is expected to treat this error
		// as unrecoverable rather than retry finalization.
		return nil, nil, errors.Wrap(types.ErrConsensusError, err.Error())
	}

	for _, v := range certVotes {
		voter, ok := v.Voter()
		if !ok {
			continue
		}
		rewards.VoterWeights[voter] += v.Weight
	}

	var prevCertVotes []*types.Vote
	if pbftBlock.Period > 1 {
		prevCertVotes, err = f.store.GetRewardVotes(pbftBlock.Period - 1)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, nil, errors.Wrap(err, "load previous period cert votes")
		}
	}

	pd := &types.PeriodData{
		PbftBlock:         pbftBlock,
		DagBlocks:         dagBlocks,
		Transactions:      transactions,
		PreviousCertVotes: prevCertVotes,
	}
	if len(certVotes) > 0 {
		bonus := uint64(len(certVotes))
		pd.BonusVotesCount = &bonus
	}

	if err := f.commit(pbftBlock, pd, transactions, dagBlocks); err != nil {
		return nil, nil, err
	}

	if f.voteMgr != nil {
		if err := f.voteMgr.ClearPeriod(pbftBlock.Period); err != nil {
			return nil, nil, errors.Wrap(err, "clear vote manager period state")
		}
	}
	if f.sortitionC != nil && f.dagGasLimit > 0 {
		f.sortitionC.RecordPeriod(pbftBlock.Period, uint64(len(orderedHashes)), f.dagGasLimit)
	}
	if f.metrics != nil {
		f.metrics.PeriodsFinalized().Inc()
	}
	if f.onNotify != nil {
		f.onNotify(pbftBlock.Period, pd, result, rewards)
	}
	return pd, result, nil
}

// ApplySynced commits a PeriodData received from a peer's sync response
// (spec §6 on_period_data) without re-deriving 2t+1 cert votes locally:
// the wire record already carries its DagBlocks and Transactions, so
// catch-up only needs to check order_hash integrity, register any
// sub-DAG blocks this node hasn't seen yet, and replay the state
// transition before committing through the same atomic batch Finalize
// uses.
func (f *Finalizer) ApplySynced(ctx context.Context, pd *types.PeriodData) (*stateapi.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pbftBlock := pd.PbftBlock
	orderedHashes := make([]types.Hash, 0, len(pd.Transactions))
	for _, tx := range pd.Transactions {
		orderedHashes = append(orderedHashes, tx.Hash(f.hasher))
	}
	encoded, err := rlp.EncodeToBytes(orderedHashes)
	if err != nil {
		return nil, errors.Wrap(err, "encode synced transaction hashes")
	}
	if f.hasher(encoded) != pbftBlock.OrderHash {
		if f.metrics != nil {
			f.metrics.OrderHashMismatches().Inc()
		}
		return nil, errors.Wrapf(types.ErrOrderHashMismatch, "synced period %d: order_hash mismatch", pbftBlock.Period)
	}

	for _, blk := range pd.DagBlocks {
		if f.dagMgr.Status(blk.Hash(f.hasher)) == dag.StatusUnknown {
			f.dagMgr.InsertOwn(blk, f.hasher)
		}
	}

	result, err := f.stateAPI.TransitionState(ctx, pbftBlock, pd.Transactions)
	if err != nil {
		return nil, errors.Wrap(types.ErrConsensusError, err.Error())
	}

	if err := f.commit(pbftBlock, pd, pd.Transactions, pd.DagBlocks); err != nil {
		return nil, err
	}

	if f.voteMgr != nil {
		if err := f.voteMgr.ClearPeriod(pbftBlock.Period); err != nil {
			return nil, errors.Wrap(err, "clear vote manager period state")
		}
	}
	if f.sortitionC != nil && f.dagGasLimit > 0 {
		f.sortitionC.RecordPeriod(pbftBlock.Period, uint64(len(orderedHashes)), f.dagGasLimit)
	}
	if f.metrics != nil {
		f.metrics.PeriodsFinalized().Inc()
	}
	if f.onNotify != nil {
		f.onNotify(pbftBlock.Period, pd, result, newRewardStats())
	}
	return result, nil
}

// collectSubDag walks the non-finalized sub-DAG reachable from anchor
// via Pivot/Tips references, stopping at already-finalized blocks, and
// returns it ordered level-major/hash-minor (spec §4.4 step 1,
// grounded on dag_block_manager.cpp's finalization-time traversal
// pattern of walking ParentHashes until a finalized boundary).
func (f *Finalizer) collectSubDag(anchor types.Hash) ([]*types.DagBlock, error) {
	visited := set.Set[types.Hash]{}
	var collected []*types.DagBlock
	queue := []types.Hash{anchor}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h.IsNull() {
			continue
		}
		if visited.Contains(h) {
			continue
		}
		visited.Add(h)
		if f.dagMgr.Status(h) == dag.StatusFinalized {
			continue
		}
		blk, ok := f.dagMgr.Get(h)
		if !ok {
			return nil, errors.Wrapf(types.ErrMissingDependency, "sub-dag block %s unavailable", h)
		}
		collected = append(collected, blk)
		queue = append(queue, blk.ParentHashes()...)
	}

	sort.Slice(collected, func(i, j int) bool {
		if collected[i].Level != collected[j].Level {
			return collected[i].Level < collected[j].Level
		}
		hi := collected[i].Hash(f.hasher)
		hj := collected[j].Hash(f.hasher)
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	return collected, nil
}

// orderTransactions flattens the sub-DAG's transaction lists in commit
// order, deduplicating within the period and attributing reward stats
// per spec §4.4 step 2/step 5.
func (f *Finalizer) orderTransactions(dagBlocks []*types.DagBlock) ([]*types.Transaction, []types.Hash, *RewardStats) {
	rewards := newRewardStats()
	seen := set.Set[types.Hash]{}
	var transactions []*types.Transaction
	var hashes []types.Hash

	for _, blk := range dagBlocks {
		proposer, _ := blk.Sender()
		rewards.ProposerBlockCounts[proposer]++
		for _, txHash := range blk.Transactions {
			if seen.Contains(txHash) {
				rewards.TxUncleProposers[txHash] = append(rewards.TxUncleProposers[txHash], proposer)
				continue
			}
			seen.Add(txHash)
			rewards.TxProposer[txHash] = proposer
			hashes = append(hashes, txHash)

			if tx, ok := f.txPool.Get(txHash); ok {
				transactions = append(transactions, tx)
				continue
			}
			if f.store != nil {
				if tx, err := f.store.GetTransaction(txHash); err == nil {
					transactions = append(transactions, tx)
				}
			}
		}
	}
	return transactions, hashes, rewards
}

// commit applies every write spec §4.4 step 6 requires as a single
// atomic batch: PeriodData, re-homed DAG blocks, transaction
// locations, the advanced chain head, and the rolled-forward
// replay-protection window.
func (f *Finalizer) commit(pbftBlock *types.PbftBlock, pd *types.PeriodData, transactions []*types.Transaction, dagBlocks []*types.DagBlock) error {
	if f.store == nil {
		return nil
	}
	batch := f.store.NewBatch()

	pbftHash := pbftBlock.Hash(f.hasher)
	if err := batch.PutPbftBlock(pbftBlock, pbftHash); err != nil {
		return errors.Wrap(err, "put pbft block")
	}
	if err := batch.PutPeriodData(pbftBlock.Period, pd); err != nil {
		return errors.Wrap(err, "put period data")
	}

	dagHashes := make([]types.Hash, 0, len(dagBlocks))
	for _, blk := range dagBlocks {
		h := blk.Hash(f.hasher)
		dagHashes = append(dagHashes, h)
		if err := batch.PutDagBlock(blk, h); err != nil {
			return errors.Wrap(err, "put dag block")
		}
	}
	if err := batch.PutDagBlocksByPeriod(pbftBlock.Period, dagHashes); err != nil {
		return errors.Wrap(err, "put dag blocks by period")
	}

	for i, tx := range transactions {
		h := tx.Hash(f.hasher)
		if err := batch.PutTransaction(tx, h); err != nil {
			return errors.Wrap(err, "put transaction")
		}
		loc := storage.TxLocation{Period: pbftBlock.Period, Position: uint32(i)}
		if err := batch.PutTransactionLocation(h, loc); err != nil {
			return errors.Wrap(err, "put transaction location")
		}
	}

	head, err := f.store.GetChainHead()
	if err != nil {
		return errors.Wrap(err, "get chain head")
	}
	var anchorForHead types.Hash
	if !pbftBlock.IsEmptyPeriod() {
		anchorForHead = pbftBlock.AnchorHash
	}
	newHead := head.Advance(pbftBlock.Period, pbftHash, anchorForHead)
	if err := batch.PutChainHead(newHead); err != nil {
		return errors.Wrap(err, "put chain head")
	}

	if err := f.replay.Advance(batch, pbftBlock.Period, transactions); err != nil {
		return errors.Wrap(err, "advance replay protection window")
	}

	if err := batch.Write(); err != nil {
		return errors.Wrap(types.ErrPersistenceError, err.Error())
	}

	f.dagMgr.MarkFinalized(dagHashes)

	txHashes := make([]types.Hash, 0, len(transactions))
	for _, tx := range transactions {
		txHashes = append(txHashes, tx.Hash(f.hasher))
	}
	if err := f.txPool.Finalize(pbftBlock.Period, txHashes); err != nil {
		return errors.Wrap(err, "finalize transaction pool")
	}
	return nil
}
