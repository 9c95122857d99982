package vote

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/stateapi/stateapitest"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

func signedVote(t *testing.T, priv *ecdsa.PrivateKey, blockHash types.Hash, period types.Period, round types.Round, step types.Step) *types.Vote {
	t.Helper()
	voterAddr := cryptoutil.AddressFromPrivateKey(priv)
	input := cryptoutil.SortitionInput(periodBytes(period), roundBytes(round), []byte{byte(step.VrfInputStep())}, voterAddr.Bytes())
	proof, _, err := cryptoutil.VrfProve(input, priv)
	require.NoError(t, err)

	v := &types.Vote{
		BlockHash: blockHash,
		Period:    period,
		Round:     round,
		Step:      step,
		VrfProof:  proof,
		VoterKey:  cryptoutil.PublicKeyBytes(priv),
	}
	unsigned, err := v.EncodeUnsignedRLP()
	require.NoError(t, err)
	sig, err := cryptoutil.Sign(cryptoutil.Keccak256(unsigned), priv)
	require.NoError(t, err)
	v.Signature = sig
	return v
}

func newTestManager(t *testing.T) (*Manager, *stateapitest.StateAPI) {
	t.Helper()
	db, err := storage.NewMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.New(db)
	state := stateapitest.New()
	m := New(store, state, cryptoutil.Keccak256, nil, nil, nil)
	return m, state
}

func TestManagerVerifyPromotesToVerified(t *testing.T) {
	m, state := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	voter := cryptoutil.AddressFromPrivateKey(priv)
	state.Weight[voter] = 10

	blockHash := types.Hash{1}
	v := signedVote(t, priv, blockHash, 1, 1, types.StepSoft)

	ok, err := m.Verify(context.Background(), v, 1)
	require.NoError(t, err)
	require.True(t, ok)

	votes, weight, found := m.VotesBundle(1, types.StepSoft, blockHash)
	require.True(t, found)
	require.Len(t, votes, 1)
	require.EqualValues(t, 10, weight)
}

func TestManagerVerifyRejectsBadVRFProof(t *testing.T) {
	m, state := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	voter := cryptoutil.AddressFromPrivateKey(priv)
	state.Weight[voter] = 10

	v := signedVote(t, priv, types.Hash{1}, 1, 1, types.StepSoft)
	v.VrfProof = []byte("not a real proof")

	ok, err := m.Verify(context.Background(), v, 1)
	require.Error(t, err)
	require.False(t, ok)
}

func TestManagerVerifyNotEligibleKeepsUnverified(t *testing.T) {
	m, _ := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	// Deliberately not seeded in state.Weight, so weight resolves to 0.

	v := signedVote(t, priv, types.Hash{1}, 1, 1, types.StepSoft)
	ok, err := m.Verify(context.Background(), v, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerTwoTPlusOneThresholdFires(t *testing.T) {
	var firedRound types.Round
	var firedStep types.Step
	var firedBlock types.Hash
	m := New(nil, nil, cryptoutil.Keccak256, nil, nil, func(round types.Round, step types.Step, blockHash types.Hash, votes []*types.Vote) {
		firedRound, firedStep, firedBlock = round, step, blockHash
	})
	state := stateapitest.New()
	m.stateAPI = state

	blockHash := types.Hash{9}
	// Total weight 9, 2t+1 = floor(2*9/3)+1 = 7.
	privs := make([]*ecdsa.PrivateKey, 3)
	for i := range privs {
		priv, err := cryptoutil.GenerateKey()
		require.NoError(t, err)
		privs[i] = priv
		state.Weight[cryptoutil.AddressFromPrivateKey(priv)] = 3
	}

	for i, priv := range privs {
		v := signedVote(t, priv, blockHash, 1, 1, types.StepCert)
		ok, err := m.Verify(context.Background(), v, 1)
		require.NoError(t, err)
		require.True(t, ok)
		if i < 2 {
			require.Equal(t, types.Hash{}, firedBlock)
		}
	}

	require.Equal(t, types.Round(1), firedRound)
	require.Equal(t, types.StepCert, firedStep)
	require.Equal(t, blockHash, firedBlock)
}

func TestManagerDoubleVoteDetection(t *testing.T) {
	var first, second *types.Vote
	m := New(nil, nil, cryptoutil.Keccak256, nil, func(a, b *types.Vote) { first, second = a, b }, nil)
	state := stateapitest.New()
	m.stateAPI = state

	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	state.Weight[cryptoutil.AddressFromPrivateKey(priv)] = 5

	v1 := signedVote(t, priv, types.Hash{1}, 1, 1, types.StepCert)
	ok, err := m.Verify(context.Background(), v1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	v2 := signedVote(t, priv, types.Hash{2}, 1, 1, types.StepCert)
	ok, err = m.Verify(context.Background(), v2, 1)
	require.ErrorIs(t, err, types.ErrDoubleVote)
	require.False(t, ok)
	require.NotNil(t, first)
	require.NotNil(t, second)
}

func TestManagerCleanupRetainsPreviousRound(t *testing.T) {
	m, state := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	state.Weight[cryptoutil.AddressFromPrivateKey(priv)] = 5

	v1 := signedVote(t, priv, types.Hash{1}, 1, 1, types.StepSoft)
	_, err = m.Verify(context.Background(), v1, 1)
	require.NoError(t, err)

	v2 := signedVote(t, priv, types.Hash{2}, 1, 2, types.StepSoft)
	_, err = m.Verify(context.Background(), v2, 1)
	require.NoError(t, err)

	m.Cleanup(3)

	_, _, foundOld := m.VotesBundle(1, types.StepSoft, types.Hash{1})
	_, _, foundPrev := m.VotesBundle(2, types.StepSoft, types.Hash{2})
	require.False(t, foundOld)
	require.True(t, foundPrev)
}

func TestManagerClearPeriodPersistsRewardVotes(t *testing.T) {
	m, state := newTestManager(t)
	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	state.Weight[cryptoutil.AddressFromPrivateKey(priv)] = 5

	v := signedVote(t, priv, types.Hash{1}, 1, 1, types.StepCert)
	_, err = m.Verify(context.Background(), v, 1)
	require.NoError(t, err)

	require.NoError(t, m.ClearPeriod(1))

	stored, err := m.store.GetRewardVotes(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestTwoTPlusOne(t *testing.T) {
	require.EqualValues(t, 1, TwoTPlusOne(0))
	require.EqualValues(t, 7, TwoTPlusOne(9))
	require.EqualValues(t, 3, TwoTPlusOne(3))
}
