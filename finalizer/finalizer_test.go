package finalizer

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/rlp"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/dag"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/stateapi/stateapitest"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

var errTransition = errors.New("transition failed")

type fakeOracle struct {
	params types.SortitionParams
}

func (o *fakeOracle) SortitionParams(types.Period) (types.SortitionParams, error) { return o.params, nil }
func (o *fakeOracle) BlockHashSalt(types.Period) (types.Hash, error)              { return types.Hash{}, nil }
func (o *fakeOracle) CurrentPeriod() types.Period                                 { return 0 }

func newTestFinalizer(t *testing.T) (*Finalizer, *dag.Manager, *stateapitest.StateAPI, *stateapitest.TransactionPool) {
	t.Helper()
	db, err := storage.NewMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	txPool := stateapitest.NewTransactionPool()
	state := stateapitest.New()
	oracle := &fakeOracle{}
	dagMgr := dag.New(store, nil, txPool, state, oracle, config.DagParams{GasLimit: 1_000_000, MaxLevelsPerPeriod: 100}, cryptoutil.Keccak256, types.Hash{})

	dagCfg := config.DagParams{GasLimit: 1_000_000, MaxLevelsPerPeriod: 100}
	f := New(store, dagMgr, state, txPool, nil, config.ReplayProtectionParams{Range: 5}, dagCfg, nil, nil, cryptoutil.Keccak256, nil)
	return f, dagMgr, state, txPool
}

func newTx(t *testing.T, nonce uint64, sender types.Address) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{Nonce: nonce, GasPrice: uint256.NewInt(1), GasLimit: 21000, Value: uint256.NewInt(0)}
	tx.SetSender(sender)
	return tx
}

func orderHashFor(t *testing.T, hashes []types.Hash) types.Hash {
	t.Helper()
	encoded, err := rlp.EncodeToBytes(hashes)
	require.NoError(t, err)
	return cryptoutil.Keccak256(encoded)
}

func TestFinalizeEmptyPeriod(t *testing.T) {
	f, _, _, _ := newTestFinalizer(t)

	pbftBlock := &types.PbftBlock{
		Period:    1,
		OrderHash: orderHashFor(t, nil),
	}

	pd, result, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Empty(t, pd.DagBlocks)
	require.Empty(t, pd.Transactions)
}

func TestFinalizeWithDagBlockCollectsTransactions(t *testing.T) {
	f, dagMgr, _, txPool := newTestFinalizer(t)

	proposer := types.Address{1}
	tx := newTx(t, 1, proposer)
	txHash := tx.Hash(cryptoutil.Keccak256)
	txPool.Insert(tx)

	blk := &types.DagBlock{Pivot: types.Hash{}, Level: 1, Transactions: []types.Hash{txHash}}
	blk.SetSender(proposer)
	blkHash := blk.Hash(cryptoutil.Keccak256)
	dagMgr.InsertOwn(blk, cryptoutil.Keccak256)

	pbftBlock := &types.PbftBlock{
		Period:     1,
		AnchorHash: blkHash,
		OrderHash:  orderHashFor(t, []types.Hash{txHash}),
	}

	pd, _, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.NoError(t, err)
	require.Len(t, pd.DagBlocks, 1)
	require.Len(t, pd.Transactions, 1)
	require.Equal(t, txHash, pd.Transactions[0].Hash(cryptoutil.Keccak256))

	require.Equal(t, dag.StatusFinalized, dagMgr.Status(blkHash))
}

func TestFinalizeOrderHashMismatchAborts(t *testing.T) {
	f, _, _, _ := newTestFinalizer(t)

	pbftBlock := &types.PbftBlock{
		Period:    1,
		OrderHash: types.Hash{0xff},
	}

	_, _, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.ErrorIs(t, err, types.ErrOrderHashMismatch)
}

func TestFinalizeStateTransitionErrorIsConsensusError(t *testing.T) {
	f, _, state, _ := newTestFinalizer(t)
	state.TransitionErr = errTransition

	pbftBlock := &types.PbftBlock{
		Period:    1,
		OrderHash: orderHashFor(t, nil),
	}

	_, _, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.ErrorIs(t, err, types.ErrConsensusError)
}

func TestFinalizeAdvancesChainHead(t *testing.T) {
	f, dagMgr, _, _ := newTestFinalizer(t)
	_ = dagMgr

	pbftBlock := &types.PbftBlock{
		Period:    1,
		OrderHash: orderHashFor(t, nil),
	}
	_, _, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.NoError(t, err)

	head, err := f.store.GetChainHead()
	require.NoError(t, err)
	require.Equal(t, types.Period(1), head.Size)
}

func TestFinalizeTracksRewardStats(t *testing.T) {
	f, dagMgr, _, txPool := newTestFinalizer(t)

	proposer := types.Address{2}
	tx := newTx(t, 1, proposer)
	txHash := tx.Hash(cryptoutil.Keccak256)
	txPool.Insert(tx)

	blk := &types.DagBlock{Pivot: types.Hash{}, Level: 1, Transactions: []types.Hash{txHash}}
	blk.SetSender(proposer)
	blkHash := blk.Hash(cryptoutil.Keccak256)
	dagMgr.InsertOwn(blk, cryptoutil.Keccak256)

	pbftBlock := &types.PbftBlock{
		Period:     1,
		AnchorHash: blkHash,
		OrderHash:  orderHashFor(t, []types.Hash{txHash}),
	}

	var captured *RewardStats
	f.onNotify = func(_ types.Period, _ *types.PeriodData, _ *stateapi.TransitionResult, rewards *RewardStats) {
		captured = rewards
	}

	_, _, err := f.Finalize(context.Background(), pbftBlock, nil)
	require.NoError(t, err)
	require.NotNil(t, captured)
	require.Equal(t, uint32(1), captured.ProposerBlockCounts[proposer])
	require.Equal(t, proposer, captured.TxProposer[txHash])
}

func TestApplySyncedCommitsDagBlocksNotYetSeenLocally(t *testing.T) {
	f, dagMgr, _, _ := newTestFinalizer(t)

	proposer := types.Address{3}
	tx := newTx(t, 1, proposer)
	txHash := tx.Hash(cryptoutil.Keccak256)

	blk := &types.DagBlock{Pivot: types.Hash{}, Level: 1, Transactions: []types.Hash{txHash}}
	blk.SetSender(proposer)
	blkHash := blk.Hash(cryptoutil.Keccak256)
	require.Equal(t, dag.StatusUnknown, dagMgr.Status(blkHash))

	pd := &types.PeriodData{
		PbftBlock: &types.PbftBlock{
			Period:     1,
			AnchorHash: blkHash,
			OrderHash:  orderHashFor(t, []types.Hash{txHash}),
		},
		DagBlocks:    []*types.DagBlock{blk},
		Transactions: []*types.Transaction{tx},
	}

	result, err := f.ApplySynced(context.Background(), pd)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, dag.StatusFinalized, dagMgr.Status(blkHash))

	stored, err := f.store.GetPeriodData(1)
	require.NoError(t, err)
	require.Len(t, stored.Transactions, 1)
}

func TestApplySyncedOrderHashMismatchAborts(t *testing.T) {
	f, _, _, _ := newTestFinalizer(t)

	pd := &types.PeriodData{
		PbftBlock: &types.PbftBlock{Period: 1, OrderHash: types.Hash{0xff}},
	}

	_, err := f.ApplySynced(context.Background(), pd)
	require.ErrorIs(t, err, types.ErrOrderHashMismatch)
}
