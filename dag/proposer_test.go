package dag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/cryptoutil"
	"github.com/luxfi/dagbft-core/types"
)

func newTestProposer(t *testing.T) (*Proposer, *Manager) {
	t.Helper()
	mgr, txPool, state, oracle := newTestManager(t)
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 1000))

	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	state.Eligible[cryptoutil.AddressFromPrivateKey(priv)] = true

	cfg := config.DefaultParams()
	cfg.BlockProposer.TransactionLimit = 10
	cfg.BlockProposer.TotalShards = 1
	cfg.BlockProposer.Shard = 0
	cfg.Dag.GasLimit = mgr.cfg.GasLimit
	cfg.Pbft.GhostPathMoveBack = 0

	p := NewProposer(mgr, txPool, state, oracle, nil, cfg, priv, cryptoutil.Keccak256, nil)
	return p, mgr
}

func TestProposerAttemptSkipsWhenPoolEmpty(t *testing.T) {
	p, _ := newTestProposer(t)
	ok := p.Attempt(context.Background())
	require.False(t, ok)
}

func TestProposerAttemptProposesWhenEligible(t *testing.T) {
	p, mgr := newTestProposer(t)

	tx := &types.Transaction{Nonce: 1, GasLimit: 21000, ChainID: 0}
	require.NoError(t, p.txPool.Insert(tx))

	var broadcast *types.DagBlock
	p.onBlock = func(blk *types.DagBlock) { broadcast = blk }

	ok := p.Attempt(context.Background())
	require.True(t, ok)
	require.NotNil(t, broadcast)
	require.Equal(t, mgr.genesis, broadcast.Pivot)
	require.EqualValues(t, 1, broadcast.Level)
	require.Equal(t, 1, mgr.NonFinalCount())
}

func TestProposerAttemptSkipsWhenNotEligible(t *testing.T) {
	mgr, txPool, state, oracle := newTestManager(t)
	require.NoError(t, mgr.RecordProposalPeriodBoundary(0, 1000))

	priv, err := cryptoutil.GenerateKey()
	require.NoError(t, err)
	// Deliberately not marked eligible in state.Eligible.

	tx := &types.Transaction{Nonce: 1, GasLimit: 21000}
	require.NoError(t, txPool.Insert(tx))

	cfg := config.DefaultParams()
	p := NewProposer(mgr, txPool, state, oracle, nil, cfg, priv, cryptoutil.Keccak256, nil)

	ok := p.Attempt(context.Background())
	require.False(t, ok)
	require.Equal(t, 0, mgr.NonFinalCount())
}
