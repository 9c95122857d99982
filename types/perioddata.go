package types

import "github.com/luxfi/geth/rlp"

// PeriodData is the authoritative on-disk record of a finalized period
// (spec §3): the PBFT block, the finalized sub-DAG in commit order,
// the deduplicated ordered transactions they introduced, and the
// previous period's 2t+1 cert votes used for reward accounting.
type PeriodData struct {
	PbftBlock           *PbftBlock
	DagBlocks           []*DagBlock
	Transactions        []*Transaction
	PreviousCertVotes    []*Vote
	// BonusVotesCount optionally records extra reward-eligible votes
	// beyond the raw cert-vote count (spec §6 PeriodData wire format).
	BonusVotesCount *uint64
}

type rlpPeriodData struct {
	PbftBlock        *rlpPbftBlock
	DagBlocks        []*rlpDagBlock
	Transactions     []*rlpTransaction
	PreviousCertVotes []*rlpVote
	HasBonus         bool
	BonusVotesCount  uint64
}

// EncodeRLP returns the wire encoding `[pbft_block, dag_blocks[],
// transactions[], previous_period_cert_votes[], optional_bonus_votes_count]`.
func (p *PeriodData) EncodeRLP() ([]byte, error) {
	raw := rlpPeriodData{
		PbftBlock: &rlpPbftBlock{p.PbftBlock.unsigned(), p.PbftBlock.Signature},
	}
	for _, b := range p.DagBlocks {
		raw.DagBlocks = append(raw.DagBlocks, &rlpDagBlock{b.unsigned(), b.Signature})
	}
	for _, tx := range p.Transactions {
		raw.Transactions = append(raw.Transactions, tx.toRLP())
	}
	for _, v := range p.PreviousCertVotes {
		raw.PreviousCertVotes = append(raw.PreviousCertVotes, &rlpVote{v.unsigned(), v.Signature})
	}
	if p.BonusVotesCount != nil {
		raw.HasBonus = true
		raw.BonusVotesCount = *p.BonusVotesCount
	}
	return rlp.EncodeToBytes(&raw)
}

// DecodePeriodDataRLP decodes a PeriodData from its wire encoding.
func DecodePeriodDataRLP(data []byte) (*PeriodData, error) {
	var raw rlpPeriodData
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	pd := &PeriodData{
		PbftBlock: &PbftBlock{
			PrevBlockHash: raw.PbftBlock.PrevBlockHash,
			AnchorHash:    raw.PbftBlock.AnchorHash,
			OrderHash:     raw.PbftBlock.OrderHash,
			Period:        Period(raw.PbftBlock.Period),
			Timestamp:     raw.PbftBlock.Timestamp,
			Signature:     raw.PbftBlock.Signature,
		},
	}
	if raw.PbftBlock.HasExtra {
		extra := raw.PbftBlock.ExtraData
		pd.PbftBlock.ExtraData = &extra
	}
	for _, b := range raw.DagBlocks {
		pd.DagBlocks = append(pd.DagBlocks, &DagBlock{
			Pivot: b.Pivot, Tips: b.Tips, Level: Level(b.Level), Timestamp: b.Timestamp,
			Vdf: b.Vdf, Transactions: b.Transactions, GasEstimations: b.GasEstimations, Signature: b.Signature,
		})
	}
	for _, tx := range raw.Transactions {
		decoded := &Transaction{
			Nonce: tx.Nonce, GasPrice: tx.GasPrice, GasLimit: tx.GasLimit,
			Value: tx.Value, Data: tx.Data, V: tx.V, R: tx.R, S: tx.S,
		}
		if len(tx.Receiver) > 0 {
			a := BytesToAddress(tx.Receiver)
			decoded.Receiver = &a
		}
		decoded.ChainID = chainIDFromV(tx.V)
		pd.Transactions = append(pd.Transactions, decoded)
	}
	for _, v := range raw.PreviousCertVotes {
		pd.PreviousCertVotes = append(pd.PreviousCertVotes, &Vote{
			BlockHash: v.BlockHash, Period: Period(v.Period), Round: Round(v.Round), Step: Step(v.Step),
			Weight: v.Weight, VrfProof: v.VrfProof, VoterKey: v.VoterKey, Signature: v.Signature,
		})
	}
	if raw.HasBonus {
		count := raw.BonusVotesCount
		pd.BonusVotesCount = &count
	}
	return pd, nil
}

// UniqueTransactionCount returns len(Transactions) (already
// deduplicated by the finalizer before a PeriodData is constructed).
func (p *PeriodData) UniqueTransactionCount() int { return len(p.Transactions) }
