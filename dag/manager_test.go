package dag

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/stateapi"
	"github.com/luxfi/dagbft-core/stateapi/stateapitest"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

type fakeOracle struct {
	params  types.SortitionParams
	salt    types.Hash
	current types.Period
}

func (o *fakeOracle) SortitionParams(types.Period) (types.SortitionParams, error) { return o.params, nil }
func (o *fakeOracle) BlockHashSalt(types.Period) (types.Hash, error)              { return o.salt, nil }
func (o *fakeOracle) CurrentPeriod() types.Period                                 { return o.current }

func newTestManager(t *testing.T) (*Manager, *stateapitest.TransactionPool, *stateapitest.StateAPI, *fakeOracle) {
	t.Helper()
	db, err := storage.NewMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)

	txPool := stateapitest.NewTransactionPool()
	state := stateapitest.New()
	oracle := &fakeOracle{
		// threshold_range == 0 widens the omit band to the full
		// threshold space, so every VRF output omits VDF computation
		// deterministically (spec §4.2 step 3).
		params: types.SortitionParams{
			Vdf: types.VdfParams{DifficultyMin: 1, DifficultyMax: 2, DifficultyStale: 3, LambdaBound: 4},
			Vrf: types.VrfParams{ThresholdUpper: ^uint64(0), ThresholdRange: 0},
		},
	}
	mgr := New(store, nil, txPool, state, oracle, config.DagParams{GasLimit: 1_000_000, MaxLevelsPerPeriod: 100}, cryptoutil.Keccak256, types.Hash{})
	return mgr, txPool, state, oracle
}

// signedOmitVdfBlock builds a DagBlock whose VRF proof verifies against
// priv and whose sortition output falls in the omit band, the way
// dag.Proposer would build one when ClassifyDifficulty reports omit.
func signedOmitVdfBlock(t *testing.T, oracle *fakeOracle, priv *ecdsa.PrivateKey, pivot types.Hash, tips []types.Hash, level types.Level) *types.DagBlock {
	t.Helper()
	levelBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(levelBytes, uint64(level))
	input := cryptoutil.SortitionInput(levelBytes, oracle.salt.Bytes())

	proof, output, err := cryptoutil.VrfProve(input, priv)
	require.NoError(t, err)
	difficulty, omit := oracle.params.ClassifyDifficulty(cryptoutil.VrfThreshold(output))
	require.True(t, omit, "test oracle params must keep every output in the omit band")

	blk := &types.DagBlock{
		Pivot: pivot,
		Tips:  tips,
		Level: level,
		Vdf: types.VdfSortition{
			ProposerVrfPk: cryptoutil.PublicKeyBytes(priv),
			VrfProof:      proof,
			Difficulty:    difficulty,
		},
	}
	unsigned, err := blk.EncodeUnsignedRLP()
	require.NoError(t, err)
	sig, err := cryptoutil.Sign(cryptoutil.Keccak256(unsigned), priv)
	require.NoError(t, err)
	blk.Signature = sig
	return blk
}

func TestManagerAdmitGenesisChild(t *testing.T) {
	mgr, _, state, oracle := newTestManager(t)

	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	sender := cryptoutil.AddressFromPrivateKey(priv)
	state.Eligible[sender] = true
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 10))

	blk := signedOmitVdfBlock(t, oracle, priv, types.Hash{}, nil, 1)

	result, err := mgr.Admit(context.Background(), blk)
	require.NoError(t, err)
	require.Equal(t, types.AdmissionInserted, result)
	require.Equal(t, StatusNonFinal, mgr.Status(blk.Hash(cryptoutil.Keccak256)))
}

func TestManagerAdmitNotEligibleIsPermanent(t *testing.T) {
	mgr, _, _, oracle := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 10))

	blk := signedOmitVdfBlock(t, oracle, priv, types.Hash{}, nil, 1)

	result, err := mgr.Admit(context.Background(), blk)
	require.NoError(t, err)
	require.Equal(t, types.AdmissionNotEligible, result)
	require.Equal(t, StatusInvalid, mgr.Status(blk.Hash(cryptoutil.Keccak256)))
}

func TestManagerAdmitMissingParentIsTransient(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	blk := &types.DagBlock{Pivot: types.Hash{0xAB}, Level: 1}

	result, err := mgr.Admit(context.Background(), blk)
	require.NoError(t, err)
	require.Equal(t, types.AdmissionMissingParent, result)
	require.Equal(t, StatusUnknown, mgr.Status(blk.Hash(cryptoutil.Keccak256)))
}

func TestManagerAdmitDuplicateTipsIsPermanent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	dup := types.Hash{1}
	blk := &types.DagBlock{Pivot: types.Hash{}, Tips: []types.Hash{dup, dup}, Level: 1}

	result, err := mgr.Admit(context.Background(), blk)
	require.Error(t, err)
	require.Equal(t, types.AdmissionVdfInvalid, result)
	require.Equal(t, StatusInvalid, mgr.Status(blk.Hash(cryptoutil.Keccak256)))
}

func TestManagerAdmitExpiredLevelIsTooOld(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	mgr.cfg.ExpiryLimit = 1
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 10))

	ahead := &types.DagBlock{Pivot: types.Hash{}, Level: 5}
	mgr.InsertOwn(ahead, cryptoutil.Keccak256)

	stale := &types.DagBlock{Pivot: types.Hash{}, Level: 1}
	result, err := mgr.Admit(context.Background(), stale)
	require.NoError(t, err)
	require.Equal(t, types.AdmissionTooOld, result)
	require.True(t, result.IsPermanent())
	require.Equal(t, StatusInvalid, mgr.Status(stale.Hash(cryptoutil.Keccak256)))
}

func TestManagerAdmitAlreadyKnown(t *testing.T) {
	mgr, _, state, oracle := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	state.Eligible[cryptoutil.AddressFromPrivateKey(priv)] = true
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 10))

	blk := signedOmitVdfBlock(t, oracle, priv, types.Hash{}, nil, 1)

	_, err = mgr.Admit(context.Background(), blk)
	require.NoError(t, err)

	result, err := mgr.Admit(context.Background(), blk)
	require.NoError(t, err)
	require.Equal(t, types.AdmissionAlreadyKnown, result)
}

func TestManagerProposalPeriodForLevelBoundaries(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)

	period, err := mgr.ProposalPeriodForLevel(0)
	require.NoError(t, err)
	require.EqualValues(t, 0, period)

	require.NoError(t, mgr.RecordProposalPeriodBoundary(1, 100))
	period, err = mgr.ProposalPeriodForLevel(50)
	require.NoError(t, err)
	require.EqualValues(t, 1, period)

	_, err = mgr.ProposalPeriodForLevel(101)
	require.Error(t, err)
}

func TestManagerInsertOwnAndMarkFinalized(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	blk := &types.DagBlock{Pivot: types.Hash{}, Level: 1}
	hash := blk.Hash(cryptoutil.Keccak256)

	mgr.InsertOwn(blk, cryptoutil.Keccak256)
	require.Equal(t, StatusNonFinal, mgr.Status(hash))
	require.Equal(t, 1, mgr.NonFinalCount())

	mgr.MarkFinalized([]types.Hash{hash})
	require.Equal(t, StatusFinalized, mgr.Status(hash))
	require.Equal(t, 0, mgr.NonFinalCount())
}

var _ stateapi.TransactionPool = (*stateapitest.TransactionPool)(nil)
