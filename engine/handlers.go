package engine

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/math/set"

	"github.com/luxfi/dagbft-core/types"
)

// OnDagBlock admits an inbound DAG block (spec §6 on_dag_block). A
// permanent admission outcome (VDF/signature/eligibility/gas failure)
// is the caller's signal to demerit peer.
func (e *Engine) OnDagBlock(ctx context.Context, blk *types.DagBlock, peer PeerID) (types.AdmissionResult, error) {
	result, err := e.dagMgr.Admit(ctx, blk)
	if err != nil {
		e.log.Debug("dag block admission error", "peer", peer, "err", err)
		return result, err
	}
	if result != types.AdmissionInserted {
		if e.metrics != nil && result.IsPermanent() {
			e.metrics.DagBlocksRejected().Inc()
		}
		if (result == types.AdmissionMissingParent || result == types.AdmissionMissingTx) && e.cb.RequestDagSync != nil {
			e.cb.RequestDagSync(e.chain.Size(), nil)
		}
		return result, nil
	}
	if e.cb.BroadcastDagBlock != nil {
		e.cb.BroadcastDagBlock(blk)
	}
	return result, nil
}

// OnTransactions admits inbound transactions into the pool, dropping
// (rather than failing the whole batch on) individually invalid ones
// (spec §6 on_transactions).
func (e *Engine) OnTransactions(txs []*types.Transaction, peer PeerID) {
	accepted := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		h := tx.Hash(e.hasher)
		if e.txPool.IsKnown(h) {
			continue
		}
		if err := e.txPool.Verify(tx); err != nil {
			e.log.Debug("rejected transaction", "peer", peer, "hash", h, "err", err)
			continue
		}
		if stale, err := e.finalizer.IsStaleTransaction(tx); err != nil {
			e.log.Debug("replay protection lookup failed", "peer", peer, "hash", h, "err", err)
			continue
		} else if stale {
			e.log.Debug("rejected stale transaction", "peer", peer, "hash", h, "err", types.ErrStaleNonce)
			continue
		}
		if err := e.txPool.Insert(tx); err != nil {
			e.log.Debug("failed to insert transaction", "peer", peer, "hash", h, "err", err)
			continue
		}
		accepted = append(accepted, tx)
	}
	if len(accepted) > 0 && e.cb.BroadcastTransactions != nil {
		e.cb.BroadcastTransactions(accepted)
	}
}

// OnVote verifies and admits an inbound vote, optionally accompanied
// by the PBFT block it votes for (spec §6 on_vote). block, if given, is
// checked against the chain head with Chain.ValidateCandidate and a
// failure is logged; the block itself is not stored.
func (e *Engine) OnVote(ctx context.Context, v *types.Vote, block *types.PbftBlock, peer PeerID) error {
	ok, err := e.voteMgr.Verify(ctx, v, v.Period)
	if err != nil {
		e.log.Debug("vote verification failed", "peer", peer, "err", err)
		return err
	}
	if !ok {
		return nil
	}
	if block != nil {
		if err := e.chain.ValidateCandidate(block); err != nil {
			e.log.Debug("candidate pbft block rejected", "peer", peer, "err", err)
		}
	}
	return nil
}

// OnVotesBundle verifies a batch of next-votes synced from a peer,
// merging any that cross 2t+1 into the next-votes manager the state
// machine consults for round-advance (spec §6 on_votes_bundle).
func (e *Engine) OnVotesBundle(ctx context.Context, votes []*types.Vote, peer PeerID) {
	for _, v := range votes {
		if _, err := e.voteMgr.Verify(ctx, v, v.Period); err != nil {
			e.log.Debug("votes bundle entry rejected", "peer", peer, "err", err)
		}
	}
}

// OnPeriodData routes synced PeriodData into the sync queue ahead of
// RunSync applying it through finalizer.ApplySynced (spec §6
// on_period_data).
func (e *Engine) OnPeriodData(pd *types.PeriodData, peer PeerID) bool {
	if pd == nil || pd.PbftBlock == nil {
		return false
	}
	return e.syncQ.Push(pd.PbftBlock.Period, peer, pd, e.chain.Size())
}

// OnGetDagSync answers a peer's DAG-sync request: every locally known
// DAG block finalized from peerPeriod+1 onward whose hash is not in
// knownHashes, together with the transactions those blocks reference
// (spec §6 on_get_dag_sync). The peer layer is responsible for
// actually transmitting the result back to peer.
func (e *Engine) OnGetDagSync(peerPeriod types.Period, knownHashes []types.Hash) ([]*types.DagBlock, []*types.Transaction, error) {
	known := set.Of(knownHashes...)

	var blocks []*types.DagBlock
	txSeen := set.Set[types.Hash]{}
	var txs []*types.Transaction

	for period := peerPeriod + 1; period <= e.chain.Size(); period++ {
		hashes, err := e.store.GetDagBlocksByPeriod(period)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "list dag blocks for period %d", period)
		}
		for _, h := range hashes {
			if known.Contains(h) {
				continue
			}
			blk, err := e.store.GetDagBlock(h)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "load dag block %s", h)
			}
			blocks = append(blocks, blk)
			for _, txHash := range blk.Transactions {
				if txSeen.Contains(txHash) {
					continue
				}
				txSeen.Add(txHash)
				if tx, err := e.store.GetTransaction(txHash); err == nil {
					txs = append(txs, tx)
				}
			}
		}
	}
	return blocks, txs, nil
}

// OnGetPeriodData answers a peer's period-data sync request (spec §6
// on_get_period_data). Missing periods are skipped rather than failing
// the whole batch.
func (e *Engine) OnGetPeriodData(periods []types.Period) ([]*types.PeriodData, error) {
	out := make([]*types.PeriodData, 0, len(periods))
	for _, p := range periods {
		pd, err := e.store.GetPeriodData(p)
		if err != nil {
			continue
		}
		out = append(out, pd)
	}
	return out, nil
}
