package types

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func fakeKeccak(b []byte) Hash {
	var h Hash
	for i, c := range b {
		h[i%HashLength] ^= c
	}
	return h
}

func TestTransactionRLPRoundTrip(t *testing.T) {
	receiver := BytesToAddress([]byte{1, 2, 3})
	tx := &Transaction{
		Nonce:    7,
		GasPrice: uint256.NewInt(21_000_000_000),
		GasLimit: 21000,
		Receiver: &receiver,
		Value:    uint256.NewInt(1_000_000),
		Data:     []byte("hello"),
		ChainID:  841,
		V:        35 + 841*2,
		R:        uint256.NewInt(111),
		S:        uint256.NewInt(222),
	}

	enc, err := tx.EncodeRLP()
	require.NoError(t, err)

	decoded, err := DecodeTransactionRLP(enc)
	require.NoError(t, err)
	require.Equal(t, tx.Nonce, decoded.Nonce)
	require.Equal(t, tx.GasLimit, decoded.GasLimit)
	require.Equal(t, tx.Receiver, decoded.Receiver)
	require.Equal(t, tx.ChainID, decoded.ChainID)
	require.False(t, decoded.IsContractCreation())
}

func TestTransactionContractCreation(t *testing.T) {
	tx := &Transaction{GasPrice: uint256.NewInt(1), Value: uint256.NewInt(0), R: uint256.NewInt(1), S: uint256.NewInt(1)}
	require.True(t, tx.IsContractCreation())
	enc, err := tx.EncodeRLP()
	require.NoError(t, err)
	decoded, err := DecodeTransactionRLP(enc)
	require.NoError(t, err)
	require.True(t, decoded.IsContractCreation())
}

func TestDagBlockRLPRoundTrip(t *testing.T) {
	blk := &DagBlock{
		Pivot: BytesToHash([]byte("pivot")),
		Tips:  []Hash{BytesToHash([]byte("tip1")), BytesToHash([]byte("tip2"))},
		Level: 42,
		Vdf: VdfSortition{
			ProposerVrfPk: []byte("pk"),
			VrfProof:      []byte("proof"),
			VdfSolution:   []byte("sol"),
			Difficulty:    17,
		},
		Transactions:   []Hash{BytesToHash([]byte("tx1"))},
		GasEstimations: []uint64{21000},
		Signature:      []byte("sig"),
	}

	enc, err := blk.EncodeRLP()
	require.NoError(t, err)
	decoded, err := DecodeDagBlockRLP(enc)
	require.NoError(t, err)
	require.Equal(t, blk.Pivot, decoded.Pivot)
	require.Equal(t, blk.Tips, decoded.Tips)
	require.Equal(t, blk.Level, decoded.Level)
	require.Equal(t, blk.Vdf.Difficulty, decoded.Vdf.Difficulty)
	require.False(t, decoded.HasDuplicateTips())
	require.False(t, decoded.HasDuplicateTransactions())

	h1 := blk.Hash(fakeKeccak)
	h2 := blk.Hash(fakeKeccak)
	require.Equal(t, h1, h2, "hash must be cached and stable")
}

func TestDagBlockDuplicateDetection(t *testing.T) {
	dup := BytesToHash([]byte("dup"))
	blk := &DagBlock{Tips: []Hash{dup, dup}}
	require.True(t, blk.HasDuplicateTips())

	blk2 := &DagBlock{Transactions: []Hash{dup, dup}}
	require.True(t, blk2.HasDuplicateTransactions())
}

func TestVoteRLPRoundTrip(t *testing.T) {
	v := &Vote{
		BlockHash: BytesToHash([]byte("block")),
		Period:    3,
		Round:     1,
		Step:      StepCert,
		VrfProof:  []byte("proof"),
		Weight:    5,
		VoterKey:  []byte("pk"),
		Signature: []byte("sig"),
	}
	enc, err := v.EncodeRLP()
	require.NoError(t, err)
	decoded, err := DecodeVoteRLP(enc)
	require.NoError(t, err)
	require.Equal(t, v.BlockHash, decoded.BlockHash)
	require.Equal(t, v.Period, decoded.Period)
	require.Equal(t, v.Step, decoded.Step)
	require.Equal(t, v.Weight, decoded.Weight)
	require.True(t, decoded.VotesForConcreteBlock())
}

func TestVoteNullBlockOnlyValidForNext(t *testing.T) {
	require.True(t, StepNext.CanVoteNull())
	require.False(t, StepCert.CanVoteNull())
	require.False(t, StepSoft.CanVoteNull())
	require.False(t, StepPropose.CanVoteNull())
}

func TestStepVrfInputCollapse(t *testing.T) {
	require.Equal(t, StepCert, StepCert.VrfInputStep())
	require.Equal(t, StepNextCollapse, Step(25).VrfInputStep())
	require.Equal(t, StepNextCollapse, StepNextCollapse.VrfInputStep())
}

func TestPbftBlockRLPRoundTrip(t *testing.T) {
	b := &PbftBlock{
		PrevBlockHash: BytesToHash([]byte("prev")),
		AnchorHash:    BytesToHash([]byte("anchor")),
		OrderHash:     BytesToHash([]byte("order")),
		Period:        9,
		Timestamp:     1000,
		ExtraData:     &PbftBlockExtraData{MajorVersion: 1, MinorVersion: 2},
		Signature:     []byte("sig"),
	}
	enc, err := b.EncodeRLP()
	require.NoError(t, err)
	decoded, err := DecodePbftBlockRLP(enc)
	require.NoError(t, err)
	require.Equal(t, b.Period, decoded.Period)
	require.Equal(t, b.AnchorHash, decoded.AnchorHash)
	require.NotNil(t, decoded.ExtraData)
	require.Equal(t, uint32(1), decoded.ExtraData.MajorVersion)
	require.False(t, decoded.IsEmptyPeriod())
}

func TestPbftBlockEmptyPeriod(t *testing.T) {
	b := &PbftBlock{Period: 1}
	require.True(t, b.IsEmptyPeriod())
}

func TestPeriodDataRLPRoundTrip(t *testing.T) {
	receiver := BytesToAddress([]byte{9})
	pd := &PeriodData{
		PbftBlock: &PbftBlock{Period: 4, AnchorHash: BytesToHash([]byte("a"))},
		DagBlocks: []*DagBlock{{Level: 1, Pivot: BytesToHash([]byte("p"))}},
		Transactions: []*Transaction{{
			Nonce: 1, GasPrice: uint256.NewInt(1), GasLimit: 1, Receiver: &receiver,
			Value: uint256.NewInt(1), R: uint256.NewInt(1), S: uint256.NewInt(1),
		}},
		PreviousCertVotes: []*Vote{{Period: 3, Step: StepCert, Weight: 1}},
	}
	enc, err := pd.EncodeRLP()
	require.NoError(t, err)
	decoded, err := DecodePeriodDataRLP(enc)
	require.NoError(t, err)
	require.Equal(t, pd.PbftBlock.Period, decoded.PbftBlock.Period)
	require.Len(t, decoded.DagBlocks, 1)
	require.Len(t, decoded.Transactions, 1)
	require.Len(t, decoded.PreviousCertVotes, 1)
	require.Equal(t, 1, decoded.UniqueTransactionCount())
}

func TestChainHeadAdvance(t *testing.T) {
	head := Genesis()
	require.Equal(t, Period(0), head.Size)

	head = head.Advance(1, BytesToHash([]byte("b1")), Hash{})
	require.Equal(t, Period(1), head.Size)
	require.Equal(t, Period(0), head.NonEmptySize, "null anchor must not count")
	require.Nil(t, head.SecondLastPbftBlockHash)

	head2 := head.Advance(2, BytesToHash([]byte("b2")), BytesToHash([]byte("anchor2")))
	require.Equal(t, Period(2), head2.Size)
	require.Equal(t, Period(1), head2.NonEmptySize)
	require.NotNil(t, head2.SecondLastPbftBlockHash)
	require.Equal(t, BytesToHash([]byte("b1")), *head2.SecondLastPbftBlockHash)
}

func TestSortitionParamsClassifyDifficulty(t *testing.T) {
	params := SortitionParams{
		Vdf: VdfParams{DifficultyMin: 16, DifficultyMax: 20, DifficultyStale: 21},
		Vrf: VrfParams{ThresholdUpper: 1000, ThresholdRange: 100},
	}

	diff, omit := params.ClassifyDifficulty(params.VdfOmitThreshold())
	require.True(t, omit)
	require.Equal(t, uint16(0), diff)

	diff, omit = params.ClassifyDifficulty(2000)
	require.False(t, omit)
	require.Equal(t, uint16(21), diff)
	require.True(t, params.IsStale(2000))

	diff, omit = params.ClassifyDifficulty(905)
	require.False(t, omit)
	require.False(t, params.IsStale(905))
	require.GreaterOrEqual(t, diff, uint16(16))
	require.Less(t, diff, uint16(20))
}
