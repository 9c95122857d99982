// Package engine wires the five consensus subsystems (DAG block
// manager/proposer, vote manager, PBFT state machine, period
// finalizer, sync queue/sortition controller) into a single
// centrally-owned component exposing the inbound on_*/outbound
// broadcast_*/request_* contract spec §6 defines toward the peer
// layer (grounded on taraxa_capability.cpp's TaraxaCapability, which
// plays the same "own every subsystem, expose packet handlers" role
// for the teacher's original).
package engine

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/dag"
	"github.com/luxfi/dagbft-core/finalizer"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/pbft"
	"github.com/luxfi/dagbft-core/sortition"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/syncqueue"
	"github.com/luxfi/dagbft-core/types"
	"github.com/luxfi/dagbft-core/vote"
)

// Outbound callback types (spec §6 "Outbound ... callbacks the peer
// layer subscribes to").
type (
	BroadcastDagBlockFunc     func(blk *types.DagBlock)
	BroadcastTransactionsFunc func(txs []*types.Transaction)
	BroadcastVoteFunc         func(v *types.Vote)
	BroadcastVotesBundleFunc  func(votes []*types.Vote)
	BroadcastPbftBlockFunc    func(b *types.PbftBlock)
	RequestDagSyncFunc        func(peerPeriod types.Period, knownHashes []types.Hash)
	RequestPeriodDataFunc     func(periods []types.Period)
	// OnDoubleVoteFunc is the supplemented slashing-evidence hook (spec
	// §9): invoked whenever the vote manager observes two distinct
	// votes from the same voter at the same (period, round, step).
	OnDoubleVoteFunc func(voter types.Address, first, second *types.Vote)
)

// PeerID identifies the remote peer an inbound message arrived from.
type PeerID = syncqueue.PeerID

// Callbacks bundles every outbound hook the peer layer supplies. Any
// field may be left nil.
type Callbacks struct {
	BroadcastDagBlock     BroadcastDagBlockFunc
	BroadcastTransactions BroadcastTransactionsFunc
	BroadcastVote         BroadcastVoteFunc
	BroadcastVotesBundle  BroadcastVotesBundleFunc
	BroadcastPbftBlock    BroadcastPbftBlockFunc
	RequestDagSync        RequestDagSyncFunc
	RequestPeriodData     RequestPeriodDataFunc
	OnDoubleVote          OnDoubleVoteFunc
}

// Engine is the centrally-owned wiring struct that replaces the
// teacher's per-chain TaraxaCapability: it owns every consensus
// subsystem, drives the PBFT state machine and DAG proposer loops, and
// exposes the inbound on_* handlers/outbound callbacks spec §6
// enumerates.
type Engine struct {
	cfg      config.Parameters
	store    *storage.Store
	stateAPI stateapi.StateAPI
	txPool   stateapi.TransactionPool
	metrics  metrics.Metrics
	log      log.Logger
	hasher   func([]byte) types.Hash
	priv     *ecdsa.PrivateKey
	addr     types.Address

	dagMgr     *dag.Manager
	proposer   *dag.Proposer
	voteMgr    *vote.Manager
	nextVotes  *vote.NextVotesManager
	chain      *pbft.Chain
	sm         *pbft.StateMachine
	finalizer  *finalizer.Finalizer
	sortitionC *sortition.Controller
	syncQ      *syncqueue.Queue

	cb Callbacks
}

// New assembles an Engine from its configuration and collaborators.
// genesisSortition seeds the sortition controller before any period
// has retuned it; genesisDag is the DAG pivot genesis block hash
// (spec §4.1).
func New(cfg config.Parameters, store *storage.Store, stateAPI stateapi.StateAPI, txPool stateapi.TransactionPool,
	m metrics.Metrics, logger log.Logger, priv *ecdsa.PrivateKey, hasher func([]byte) types.Hash,
	genesisSortition types.SortitionParams, genesisDag types.Hash, cb Callbacks) (*Engine, error) {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		stateAPI: stateAPI,
		txPool:   txPool,
		metrics:  m,
		log:      logger.With("component", "engine"),
		hasher:   hasher,
		priv:     priv,
		addr:     cryptoutil.AddressFromPrivateKey(priv),
		cb:       cb,
	}

	e.sortitionC = sortition.New(cfg.Sortition, genesisSortition, store)
	e.dagMgr = dag.New(store, m, txPool, stateAPI, e, cfg.Dag, hasher, genesisDag)
	e.proposer = dag.NewProposer(e.dagMgr, txPool, stateAPI, e, m, cfg, priv, hasher, e.broadcastOwnDagBlock)

	e.voteMgr = vote.New(store, stateAPI, hasher, m, e.handleDoubleVote, e.handleVoteThreshold)
	e.nextVotes = vote.NewNextVotesManager()

	chain, err := pbft.NewChain(store)
	if err != nil {
		return nil, errors.Wrap(err, "construct pbft chain")
	}
	e.chain = chain

	e.finalizer = finalizer.New(store, e.dagMgr, stateAPI, txPool, e.voteMgr, cfg.ReplayProtection, cfg.Dag, e.sortitionC, m, hasher, e.onPeriodFinalized)
	e.syncQ = syncqueue.New(m)

	clock := pbft.NewRoundClock()
	e.sm = pbft.New(cfg.Pbft, e.chain, e.voteMgr, e.nextVotes, stateAPI, clock, hasher, priv, m,
		e.selectAnchor, e.isBuildable, e.finalizer.BuildOrderHash, e.finalizePbftBlock,
		pbft.BroadcastVoteFunc(e.cb.BroadcastVote), pbft.BroadcastVotesBundleFunc(e.cb.BroadcastVotesBundle),
		pbft.BroadcastPbftBlockFunc(e.cb.BroadcastPbftBlock), e.requestNextVotesSync)

	return e, nil
}

// Run drives the PBFT state machine until ctx is cancelled. The DAG
// proposal loop is driven separately by RunProposer, mirroring the
// teacher's split between the consensus engine's main loop and its
// independent block-proposer thread.
func (e *Engine) Run(ctx context.Context) error {
	return e.sm.Run(ctx)
}

// RunProposer drives repeated DAG block-proposal attempts until ctx is
// cancelled, sleeping cfg.BlockProposer.MinProposalDelay between
// attempts that neither proposed a block nor cancelled a stale VDF
// computation (spec §4.2's propose-loop contract).
func (e *Engine) RunProposer(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if e.proposer.Attempt(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.BlockProposer.MinProposalDelay):
		}
	}
}

// RunAll drives the PBFT state machine, the DAG proposer loop, and the
// sync-queue catch-up drain together, cancelling all three the instant
// any one returns an error.
func (e *Engine) RunAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error { return e.RunProposer(ctx) })
	g.Go(func() error { return e.RunSync(ctx) })
	return g.Wait()
}

// RunSync drains PeriodData buffered by the sync queue and applies it
// through finalizer.ApplySynced as soon as it's the chain's next
// period, the catch-up path for periods this node didn't itself
// participate in voting on (spec §6 on_period_data → the PBFT state
// machine only finalizes anchors it certifies itself, so synced
// records need a separate apply path). After a successful apply the
// cached chain head is reloaded from storage. A popped entry whose
// period no longer matches the chain's next period (e.g. live consensus
// finalized past it meanwhile) is dropped; the sync protocol's own
// re-request on the next stall recovers it if still needed.
func (e *Engine) RunSync(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		pd, peer, ok := e.syncQ.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.BlockProposer.MinProposalDelay):
			}
			continue
		}
		if pd.PbftBlock.Period != e.chain.Size()+1 {
			e.log.Debug("dropping stale synced period data", "period", pd.PbftBlock.Period, "peer", peer)
			continue
		}
		if _, err := e.finalizer.ApplySynced(ctx, pd); err != nil {
			e.log.Warn("failed to apply synced period data", "period", pd.PbftBlock.Period, "peer", peer, "err", err)
			continue
		}
		head, err := e.store.GetChainHead()
		if err != nil {
			e.log.Warn("failed to reload chain head after synced period", "period", pd.PbftBlock.Period, "err", err)
			continue
		}
		e.chain.SetHead(head)
	}
}

// --- dag.PeriodOracle ---

// SortitionParams returns the VRF/VDF sortition parameters that were
// active for proposals targeting period, preferring the persisted
// per-period record and falling back to the controller's live value
// for the upcoming period (spec §4.5: retuned params take effect the
// period after they're computed).
func (e *Engine) SortitionParams(period types.Period) (types.SortitionParams, error) {
	params, err := e.store.GetSortitionParams(period)
	if err == nil {
		return params, nil
	}
	return e.sortitionC.Current(), nil
}

// BlockHashSalt returns the most recent non-null anchor hash, the
// salt mixed into DAG block proposal VRF inputs (spec §4.2 step 2).
func (e *Engine) BlockHashSalt(types.Period) (types.Hash, error) {
	return e.chain.Head().LastNonNullAnchorHash, nil
}

// CurrentPeriod returns the period a DAG block proposed right now
// would target: one past the last finalized period.
func (e *Engine) CurrentPeriod() types.Period {
	return e.chain.Size() + 1
}

// --- pbft.StateMachine collaborator funcs ---

// selectAnchor picks the PBFT round's propose-step candidate: the
// heaviest DAG block reachable from the current frontier (spec §4.3
// step "propose", grounded on the same ghost-path pivot selection
// dag.Proposer uses for its own block's parent).
func (e *Engine) selectAnchor(types.Period) (types.Hash, error) {
	frontier := e.dagMgr.Frontier(e.cfg.Pbft.GhostPathMoveBack)
	return frontier.Pivot, nil
}

// isBuildable reports whether anchor's sub-DAG is fully available
// locally, i.e. finalization could proceed without a sync round-trip.
func (e *Engine) isBuildable(anchor types.Hash) bool {
	if anchor.IsNull() {
		return true
	}
	_, ok := e.dagMgr.Get(anchor)
	return ok
}

// finalizePbftBlock adapts finalizer.Finalize's richer return shape to
// the pbft.FinalizeFunc contract the state machine drives.
func (e *Engine) finalizePbftBlock(ctx context.Context, pbftBlock *types.PbftBlock, certVotes []*types.Vote) error {
	_, _, err := e.finalizer.Finalize(ctx, pbftBlock, certVotes)
	return err
}

// requestNextVotesSync is the liveness guardrail's recovery path. It
// asks the peer layer for the period data of period through
// RequestPeriodData; Callbacks has no hook for requesting a next-vote
// bundle, so no next-vote bundle is requested and round is unused.
func (e *Engine) requestNextVotesSync(period types.Period, round types.Round) {
	if e.cb.RequestPeriodData != nil {
		e.cb.RequestPeriodData([]types.Period{period})
	}
}

// --- vote.Manager callbacks ---

func (e *Engine) handleDoubleVote(first, second *types.Vote) {
	voter, _ := first.Voter()
	e.log.Warn("double vote detected", "voter", voter, "round", first.Round, "step", first.Step)
	if e.metrics != nil {
		e.metrics.VotesRejectedDoubleVote().Inc()
	}
	if e.cb.OnDoubleVote != nil {
		e.cb.OnDoubleVote(voter, first, second)
	}
}

func (e *Engine) handleVoteThreshold(round types.Round, step types.Step, blockHash types.Hash, votes []*types.Vote) {
	if e.metrics != nil {
		e.metrics.CertifyThresholdReached().Inc()
	}
	e.sm.HandleThreshold(round, step, blockHash, votes)
}

// --- finalizer.NotifyFunc ---

// onPeriodFinalized runs finalizer's post-commit side effects.
// Gossiping the finalized PbftBlock itself is the state machine's own
// broadcastBlock callback's job (spec §6 broadcast_pbft_block fires
// once per certified block, immediately after sm.finalize succeeds),
// so this hook only drains state this engine owns.
func (e *Engine) onPeriodFinalized(period types.Period, pd *types.PeriodData, _ *stateapi.TransitionResult, _ *finalizer.RewardStats) {
	e.log.Info("period finalized", "period", period, "transactions", len(pd.Transactions), "dagBlocks", len(pd.DagBlocks))
	e.syncQ.Clear()
}

// broadcastOwnDagBlock is dag.Broadcaster: it fans a freshly proposed
// block out to peers immediately after insertion, mirroring
// block_proposer.cpp's proposeBlock() → net_->gossipDagBlock() call.
func (e *Engine) broadcastOwnDagBlock(blk *types.DagBlock) {
	if e.cb.BroadcastDagBlock != nil {
		e.cb.BroadcastDagBlock(blk)
	}
}
