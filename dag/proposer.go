package dag

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"time"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/types"
)

// Broadcaster is the outbound callback the proposer emits newly built
// blocks through (spec §6 "broadcast_dag_block").
type Broadcaster func(blk *types.DagBlock)

// Proposer runs the VDF/VRF sortition block-proposal loop (spec §4.2).
type Proposer struct {
	mgr      *Manager
	txPool   stateapi.TransactionPool
	stateAPI stateapi.StateAPI
	oracle   PeriodOracle
	metrics  metrics.Metrics
	cfg      config.Parameters
	priv     *ecdsa.PrivateKey
	vrfPub   []byte
	addr     types.Address
	hasher   func([]byte) types.Hash
	onBlock  Broadcaster

	lastFrontier Frontier
	tries        uint32
}

// NewProposer constructs a Proposer signing with priv.
func NewProposer(mgr *Manager, txPool stateapi.TransactionPool, stateAPI stateapi.StateAPI, oracle PeriodOracle, m metrics.Metrics, cfg config.Parameters, priv *ecdsa.PrivateKey, hasher func([]byte) types.Hash, onBlock Broadcaster) *Proposer {
	return &Proposer{
		mgr:      mgr,
		txPool:   txPool,
		stateAPI: stateAPI,
		oracle:   oracle,
		metrics:  m,
		cfg:      cfg,
		priv:     priv,
		vrfPub:   cryptoutil.PublicKeyBytes(priv),
		addr:     cryptoutil.AddressFromPrivateKey(priv),
		hasher:   hasher,
		onBlock:  onBlock,
	}
}

// Attempt runs one proposal attempt (spec §4.2 algorithm). It returns
// true if a block was proposed or a stale-VDF computation was
// cancelled (in either case the caller should retry immediately rather
// than sleeping min_proposal_delay, mirroring the teacher's
// propose()/start() loop contract).
func (p *Proposer) Attempt(ctx context.Context) bool {
	if p.metrics != nil {
		p.metrics.DagProposalAttempts().Inc()
	}

	if len(p.txPool.Pack(1, 1<<63)) == 0 {
		return false
	}

	frontier := p.mgr.Frontier(p.cfg.Pbft.GhostPathMoveBack)
	level := p.proposeLevel(frontier) + 1

	period, err := p.mgr.ProposalPeriodForLevel(level)
	if err != nil {
		return false
	}
	eligible, err := p.stateAPI.DposIsEligible(ctx, p.addr, period)
	if err != nil || !eligible {
		return false
	}

	params, err := p.oracle.SortitionParams(period)
	if err != nil {
		return false
	}
	salt, err := p.oracle.BlockHashSalt(period)
	if err != nil {
		return false
	}

	levelBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(levelBytes, uint64(level))
	vrfInput := cryptoutil.SortitionInput(levelBytes, salt.Bytes())
	vrfProof, vrfOutput, err := cryptoutil.VrfProve(vrfInput, p.priv)
	if err != nil {
		return false
	}
	threshold := cryptoutil.VrfThreshold(vrfOutput)
	difficulty, omit := params.ClassifyDifficulty(threshold)

	if !omit && params.IsStale(threshold) {
		if p.lastFrontier.Equal(frontier) {
			if p.tries < p.cfg.BlockProposer.MaxProposalTries {
				p.tries++
				return false
			}
		} else {
			p.lastFrontier = frontier
			p.tries = 0
			return false
		}
	}

	var solution *cryptoutil.VdfSolution
	if !omit {
		message := vdfMessage(frontier.Pivot, difficulty, params.Vdf.LambdaBound)
		cancel := func() bool {
			latest := p.mgr.Frontier(p.cfg.Pbft.GhostPathMoveBack)
			if latest.Equal(frontier) {
				return false
			}
			latestLevel := p.proposeLevel(latest) + 1
			return latestLevel > level
		}
		sol, ok := cryptoutil.Solve(message, difficulty, params.Vdf.LambdaBound, cancel)
		if !ok {
			p.lastFrontier = frontier
			p.tries = 0
			return true
		}
		solution = sol
	}

	p.lastFrontier = frontier
	p.tries = 0

	txs := p.shardedTransactions()
	if len(txs) == 0 {
		return false
	}

	blk := p.buildBlock(frontier, level, difficulty, vrfProof, solution, txs)
	p.mgr.InsertOwn(blk, p.hasher)
	if p.onBlock != nil {
		p.onBlock(blk)
	}
	return true
}

func (p *Proposer) proposeLevel(f Frontier) types.Level {
	p.mgr.mu.RLock()
	defer p.mgr.mu.RUnlock()
	max := p.mgr.levelOfLocked(f.Pivot)
	for _, t := range f.Tips {
		if lvl := p.mgr.levelOfLocked(t); lvl > max {
			max = lvl
		}
	}
	return max
}

// shardedTransactions packs and filters the pool's candidate
// transactions to this proposer's shard (spec §4.2 step 5(i)).
func (p *Proposer) shardedTransactions() []*types.Transaction {
	packed := p.txPool.Pack(p.cfg.BlockProposer.TransactionLimit, p.cfg.Dag.GasLimit)
	if p.cfg.BlockProposer.TotalShards <= 1 {
		return packed
	}
	out := make([]*types.Transaction, 0, len(packed))
	for _, tx := range packed {
		h := tx.Hash(p.hasher)
		shard := binary.BigEndian.Uint32(h[:4]) % p.cfg.BlockProposer.TotalShards
		if shard == p.cfg.BlockProposer.Shard {
			out = append(out, tx)
		}
	}
	return out
}

func (p *Proposer) buildBlock(frontier Frontier, level types.Level, difficulty uint16, vrfProof []byte, sol *cryptoutil.VdfSolution, txs []*types.Transaction) *types.DagBlock {
	hashes := make([]types.Hash, 0, len(txs))
	estimations := make([]uint64, 0, len(txs))
	var total uint64
	for _, tx := range txs {
		weight := tx.GasLimit
		if total+weight > p.cfg.Dag.GasLimit {
			break
		}
		total += weight
		hashes = append(hashes, tx.Hash(p.hasher))
		estimations = append(estimations, weight)
	}

	vdf := types.VdfSortition{
		ProposerVrfPk: p.vrfPub,
		VrfProof:      vrfProof,
		Difficulty:    difficulty,
	}
	if sol != nil {
		vdf.VdfSolution = sol.Y.Bytes()
		vdf.VdfProof = sol.Pi.Bytes()
	}

	blk := &types.DagBlock{
		Pivot:          frontier.Pivot,
		Tips:           frontier.Tips,
		Level:          level,
		Timestamp:      uint64(time.Now().Unix()),
		Vdf:            vdf,
		Transactions:   hashes,
		GasEstimations: estimations,
	}
	unsigned, err := blk.EncodeUnsignedRLP()
	if err == nil {
		digest := p.hasher(unsigned)
		sig, signErr := cryptoutil.Sign(digest, p.priv)
		if signErr == nil {
			blk.Signature = sig
		}
	}
	blk.SetSender(p.addr)
	return blk
}
