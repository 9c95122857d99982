package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/dagbft-core/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewMemDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStoreDagBlockRoundTrip(t *testing.T) {
	s := newTestStore(t)
	blk := &types.DagBlock{
		Pivot:     types.Hash{1},
		Level:     5,
		Timestamp: 100,
	}
	hash := blk.Hash(fakeKeccakForStorage)

	require.NoError(t, s.PutDagBlock(blk, hash))
	has, err := s.HasDagBlock(hash)
	require.NoError(t, err)
	require.True(t, has)

	got, err := s.GetDagBlock(hash)
	require.NoError(t, err)
	require.Equal(t, blk.Level, got.Level)
	require.Equal(t, blk.Pivot, got.Pivot)
}

func TestStoreChainHeadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	head := types.ChainHead{Size: 3, NonEmptySize: 2, LastPbftBlockHash: types.Hash{9}}
	require.NoError(t, s.PutChainHead(head))

	got, err := s.GetChainHead()
	require.NoError(t, err)
	require.Equal(t, head, got)
}

func TestStoreBatchAtomicCommit(t *testing.T) {
	s := newTestStore(t)
	blk := &types.DagBlock{Pivot: types.Hash{2}, Level: 1}
	hash := blk.Hash(fakeKeccakForStorage)
	head := types.ChainHead{Size: 1, NonEmptySize: 1}

	batch := s.NewBatch()
	require.NoError(t, batch.PutDagBlock(blk, hash))
	require.NoError(t, batch.PutChainHead(head))
	require.NoError(t, batch.Write())

	has, err := s.HasDagBlock(hash)
	require.NoError(t, err)
	require.True(t, has)

	got, err := s.GetChainHead()
	require.NoError(t, err)
	require.Equal(t, head, got)
}

func TestStoreReplayWatermark(t *testing.T) {
	s := newTestStore(t)
	addr := types.Address{7}

	_, ok, err := s.GetReplayWatermark(addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutReplayWatermark(addr, 42))
	nonce, ok, err := s.GetReplayWatermark(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, nonce)
}

func TestStoreSortitionParamsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	params := types.SortitionParams{
		Period: 10,
		Vdf:    types.VdfParams{DifficultyMin: 1, DifficultyMax: 21, DifficultyStale: 20, LambdaBound: 100},
		Vrf:    types.VrfParams{ThresholdUpper: 1 << 40, ThresholdRange: 1 << 20},
	}
	require.NoError(t, s.PutSortitionParams(10, params))

	got, err := s.GetSortitionParams(10)
	require.NoError(t, err)
	require.Equal(t, params, got)
}

func fakeKeccakForStorage(data []byte) types.Hash {
	var h types.Hash
	for i, b := range data {
		h[i%len(h)] ^= b
	}
	return h
}
