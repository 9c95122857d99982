// Package dag implements the permissionless block-DAG layer: block
// admission and level indexing (this file), frontier/pivot selection
// (frontier.go), and the VDF/VRF sortition proposer (proposer.go).
package dag

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/math/set"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/metrics"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

// PeriodOracle supplies the per-period context the DAG manager needs
// to verify sortition and map levels to periods: the sortition
// parameters active for a proposal period, and the block-hash salt
// (derived from the previous anchor) that seeds the VRF input (spec
// §4.1, §4.2 step 2-3).
type PeriodOracle interface {
	SortitionParams(period types.Period) (types.SortitionParams, error)
	BlockHashSalt(period types.Period) (types.Hash, error)
	CurrentPeriod() types.Period
}

// Manager owns the non-final DAG set, the level index, and the
// level→proposal-period mapping (spec §4.1).
type Manager struct {
	mu sync.RWMutex

	store    *storage.Store
	metrics  metrics.Metrics
	txPool   stateapi.TransactionPool
	stateAPI stateapi.StateAPI
	oracle   PeriodOracle
	cfg      config.DagParams
	hasher   func([]byte) types.Hash

	nonFinal map[types.Hash]*types.DagBlock
	status   map[types.Hash]Status
	byLevel  map[types.Level]set.Set[types.Hash]
	children map[types.Hash]set.Set[types.Hash]
	leaves   set.Set[types.Hash]
	maxLevel types.Level

	genesis    types.Hash
	boundaries []levelBoundary
}

// levelBoundary records that levels up to maxLevel map to period (spec
// §4.1 "proposal_period_for_level"): a monotonic, append-only mapping
// from DAG level ranges to the PBFT period permitted to finalize them.
type levelBoundary struct {
	maxLevel types.Level
	period   types.Period
}

// New constructs a Manager rooted at genesis (the null hash's
// synthetic level-0 ancestor).
func New(store *storage.Store, m metrics.Metrics, txPool stateapi.TransactionPool, stateAPI stateapi.StateAPI, oracle PeriodOracle, cfg config.DagParams, hasher func([]byte) types.Hash, genesis types.Hash) *Manager {
	mgr := &Manager{
		store:      store,
		metrics:    m,
		txPool:     txPool,
		stateAPI:   stateAPI,
		oracle:     oracle,
		cfg:        cfg,
		hasher:     hasher,
		nonFinal:   make(map[types.Hash]*types.DagBlock),
		status:     make(map[types.Hash]Status),
		byLevel:    make(map[types.Level]set.Set[types.Hash]),
		children:   make(map[types.Hash]set.Set[types.Hash]),
		leaves:     set.Set[types.Hash]{},
		genesis:    genesis,
		boundaries: []levelBoundary{{maxLevel: 0, period: 0}},
	}
	mgr.status[genesis] = StatusFinalized
	mgr.leaves.Add(genesis)
	return mgr
}

// Status returns the in-memory lifecycle status of hash, StatusUnknown
// if never seen.
func (m *Manager) Status(hash types.Hash) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[hash]
}

// Get returns a non-final block by hash.
func (m *Manager) Get(hash types.Hash) (*types.DagBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blk, ok := m.nonFinal[hash]
	return blk, ok
}

// Admit validates and, on success, inserts blk into the non-final set
// (spec §4.1 "admit"). The block is marked Seen before validation so
// concurrent admitters of the same block deduplicate immediately.
func (m *Manager) Admit(ctx context.Context, blk *types.DagBlock) (types.AdmissionResult, error) {
	hash := blk.Hash(m.hasher)

	m.mu.Lock()
	if _, ok := m.status[hash]; ok {
		m.mu.Unlock()
		return types.AdmissionAlreadyKnown, nil
	}
	m.status[hash] = StatusSeen
	m.mu.Unlock()

	result, err := m.verify(ctx, blk)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch result {
	case types.AdmissionInserted:
		m.status[hash] = StatusNonFinal
		m.nonFinal[hash] = blk
		m.indexLevel(hash, blk.Level)
		m.linkParents(hash, blk.ParentHashes())
		if blk.Level > m.maxLevel {
			m.maxLevel = blk.Level
		}
		if m.metrics != nil {
			m.metrics.DagBlocksReceived().Inc()
		}
	case types.AdmissionMissingParent, types.AdmissionMissingTx, types.AdmissionFuturePeriod:
		delete(m.status, hash)
	default:
		if result.IsPermanent() {
			m.status[hash] = StatusInvalid
			if m.metrics != nil {
				m.metrics.DagBlocksRejected().Inc()
			}
		} else {
			delete(m.status, hash)
		}
	}
	return result, err
}

func (m *Manager) verify(ctx context.Context, blk *types.DagBlock) (types.AdmissionResult, error) {
	if blk.HasDuplicateTips() || blk.HasDuplicateTransactions() {
		return types.AdmissionVdfInvalid, errors.New("duplicate tips or transactions")
	}
	if len(blk.Transactions) != len(blk.GasEstimations) {
		return types.AdmissionMismatchedEstimations, errors.New("transactions/gas_estimations length mismatch")
	}

	parents := blk.ParentHashes()
	parentLevel, ok := m.parentMaxLevel(parents)
	if !ok {
		return types.AdmissionMissingParent, nil
	}
	if blk.Level != parentLevel+1 {
		return types.AdmissionVdfInvalid, errors.New("level does not equal 1 + max(parent levels)")
	}

	for _, txHash := range blk.Transactions {
		if !m.txPool.IsKnown(txHash) {
			return types.AdmissionMissingTx, nil
		}
	}

	if blk.TotalGasEstimation() > m.cfg.GasLimit {
		return types.AdmissionGasOverLimit, nil
	}

	period, err := m.ProposalPeriodForLevel(blk.Level)
	if err != nil {
		return types.AdmissionFuturePeriod, nil
	}
	if period > m.oracle.CurrentPeriod()+1 {
		return types.AdmissionFuturePeriod, nil
	}
	if m.isExpiredLevel(blk.Level) {
		return types.AdmissionTooOld, nil
	}

	sender, ok := blk.Sender()
	if !ok {
		unsigned, err := blk.EncodeUnsignedRLP()
		if err != nil {
			return types.AdmissionNotEligible, errors.Wrap(types.ErrInvalidSignature, "encode unsigned block")
		}
		recovered, err := cryptoutil.RecoverAddress(m.hasher(unsigned), blk.Signature)
		if err != nil {
			return types.AdmissionNotEligible, errors.Wrap(types.ErrInvalidSignature, "recover sender")
		}
		blk.SetSender(recovered)
		sender = recovered
	}

	eligible, err := m.stateAPI.DposIsEligible(ctx, sender, period)
	if err != nil {
		return types.AdmissionNotEligible, err
	}
	if !eligible {
		return types.AdmissionNotEligible, nil
	}

	params, err := m.oracle.SortitionParams(period)
	if err != nil {
		return types.AdmissionFuturePeriod, nil
	}
	salt, err := m.oracle.BlockHashSalt(period)
	if err != nil {
		return types.AdmissionFuturePeriod, nil
	}
	ok, err = verifySortition(blk, sender, salt, params)
	if err != nil || !ok {
		return types.AdmissionVdfInvalid, err
	}

	return types.AdmissionInserted, nil
}

// isExpiredLevel reports whether level falls at or below the expiry
// boundary (dag_block_manager.cpp's dag_expiry_level_): a level too far
// behind the current max to land in any period still open for
// proposals (spec §4.1 "too_old").
func (m *Manager) isExpiredLevel(level types.Level) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg.ExpiryLimit == 0 || types.Level(m.cfg.ExpiryLimit) >= m.maxLevel {
		return false
	}
	return level <= m.maxLevel-types.Level(m.cfg.ExpiryLimit)
}

func (m *Manager) parentMaxLevel(parents []types.Hash) (types.Level, bool) {
	var max types.Level
	found := false
	for _, p := range parents {
		if p == m.genesis {
			found = true
			continue
		}
		m.mu.RLock()
		blk, ok := m.nonFinal[p]
		st := m.status[p]
		m.mu.RUnlock()
		if ok {
			if blk.Level > max {
				max = blk.Level
			}
			found = true
			continue
		}
		if st == StatusFinalized {
			lvl, err := m.finalizedLevel(p)
			if err != nil {
				return 0, false
			}
			if lvl > max {
				max = lvl
			}
			found = true
			continue
		}
		return 0, false
	}
	return max, found
}

func (m *Manager) finalizedLevel(hash types.Hash) (types.Level, error) {
	blk, err := m.store.GetDagBlock(hash)
	if err != nil {
		return 0, err
	}
	return blk.Level, nil
}

func (m *Manager) indexLevel(hash types.Hash, level types.Level) {
	bucket, ok := m.byLevel[level]
	if !ok {
		bucket = set.Set[types.Hash]{}
		m.byLevel[level] = bucket
	}
	bucket.Add(hash)
}

func (m *Manager) linkParents(hash types.Hash, parents []types.Hash) {
	for _, p := range parents {
		m.leaves.Remove(p)
		children, ok := m.children[p]
		if !ok {
			children = set.Set[types.Hash]{}
			m.children[p] = children
		}
		children.Add(hash)
	}
	m.leaves.Add(hash)
}

// ProposalPeriodForLevel maps a DAG level to the PBFT period whose
// sub-DAG may contain a block at that level (spec §4.1
// "proposal_period_for_level"). The mapping is monotonic: it returns
// the period of the first boundary whose maxLevel is >= level.
func (m *Manager) ProposalPeriodForLevel(level types.Level) (types.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.boundaries {
		if level <= b.maxLevel {
			return b.period, nil
		}
	}
	return 0, errors.Wrap(types.ErrFutureBlock, "level exceeds the current proposal-period mapping")
}

// RecordProposalPeriodBoundary appends a new level→period mapping
// entry once a period finalizes that advances max_level enough to
// cover max_levels_per_period additional levels (spec §4.1), and
// persists it for crash recovery.
func (m *Manager) RecordProposalPeriodBoundary(period types.Period, maxLevel types.Level) error {
	m.mu.Lock()
	m.boundaries = append(m.boundaries, levelBoundary{maxLevel: maxLevel, period: period})
	m.mu.Unlock()
	return m.store.PutProposalPeriodForLevel(maxLevel, period)
}

// InsertOwn inserts a block this node just proposed directly into the
// non-final set, skipping admission's sortition/eligibility re-checks
// since the proposer already satisfied them (spec §4.2 step 6, mirroring
// the original block_proposer's direct dag_mgr_->addDagBlock call).
func (m *Manager) InsertOwn(blk *types.DagBlock, hasher func([]byte) types.Hash) {
	hash := blk.Hash(hasher)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[hash] = StatusNonFinal
	m.nonFinal[hash] = blk
	m.indexLevel(hash, blk.Level)
	m.linkParents(hash, blk.ParentHashes())
	if blk.Level > m.maxLevel {
		m.maxLevel = blk.Level
	}
	if m.metrics != nil {
		m.metrics.DagBlocksReceived().Inc()
	}
}

// MarkFinalized removes hashes from the non-final set after a period
// commits their sub-DAG (spec §4.4 step 6).
func (m *Manager) MarkFinalized(hashes []types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		blk, ok := m.nonFinal[h]
		if !ok {
			continue
		}
		delete(m.nonFinal, h)
		if bucket, ok := m.byLevel[blk.Level]; ok {
			bucket.Remove(h)
		}
		m.status[h] = StatusFinalized
	}
}

// NonFinalCount returns the size of the in-memory non-final set.
func (m *Manager) NonFinalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nonFinal)
}

func verifySortition(blk *types.DagBlock, sender types.Address, salt types.Hash, params types.SortitionParams) (bool, error) {
	levelBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(levelBytes, uint64(blk.Level))
	input := cryptoutil.SortitionInput(levelBytes, salt.Bytes())

	output := cryptoutil.Keccak256(blk.Vdf.ProposerVrfPk, blk.Vdf.VrfProof)
	if !cryptoutil.VrfVerify(input, blk.Vdf.VrfProof, sender, output) {
		return false, nil
	}

	threshold := cryptoutil.VrfThreshold(output)
	wantDifficulty, omit := params.ClassifyDifficulty(threshold)
	if omit {
		return blk.Vdf.Difficulty == 0 && len(blk.Vdf.VdfSolution) == 0, nil
	}
	if blk.Vdf.Difficulty != wantDifficulty {
		return false, nil
	}

	message := vdfMessage(blk.Pivot, blk.Vdf.Difficulty, params.Vdf.LambdaBound)
	sol := &cryptoutil.VdfSolution{
		Y:  new(big.Int).SetBytes(blk.Vdf.VdfSolution),
		Pi: new(big.Int).SetBytes(blk.Vdf.VdfProof),
	}
	return cryptoutil.Verify(message, blk.Vdf.Difficulty, params.Vdf.LambdaBound, sol), nil
}

func vdfMessage(pivot types.Hash, difficulty uint16, lambdaBound uint64) []byte {
	buf := make([]byte, 32+2+8)
	copy(buf, pivot.Bytes())
	binary.BigEndian.PutUint16(buf[32:], difficulty)
	binary.BigEndian.PutUint64(buf[34:], lambdaBound)
	return buf
}
