package storage

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/database"
	"github.com/luxfi/geth/rlp"

	"github.com/luxfi/dagbft-core/types"
)

// Store wraps a database.Database with the typed column accessors the
// five consensus subsystems need (spec §6 persistence columns). All
// multi-column updates from the finalizer go through a Batch (NewBatch,
// then Batch.Write), which is backed by the underlying database's
// atomic Batch primitive (spec
// §4.4 step 6, §5 "single write" requirement).
type Store struct {
	db database.Database
}

// New wraps db.
func New(db database.Database) *Store {
	return &Store{db: db}
}

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// --- dag_blocks ---

func (s *Store) PutDagBlock(blk *types.DagBlock, hash types.Hash) error {
	enc, err := blk.EncodeRLP()
	if err != nil {
		return errors.Wrap(err, "encode dag block")
	}
	return s.db.Put(key(colDagBlocks, hash.Bytes()), enc)
}

func (s *Store) GetDagBlock(hash types.Hash) (*types.DagBlock, error) {
	raw, err := s.db.Get(key(colDagBlocks, hash.Bytes()))
	if err != nil {
		return nil, err
	}
	return types.DecodeDagBlockRLP(raw)
}

func (s *Store) HasDagBlock(hash types.Hash) (bool, error) {
	return s.db.Has(key(colDagBlocks, hash.Bytes()))
}

// --- dag_blocks_by_period ---

func (s *Store) PutDagBlocksByPeriod(period types.Period, hashes []types.Hash) error {
	enc, err := rlp.EncodeToBytes(hashes)
	if err != nil {
		return errors.Wrap(err, "encode dag blocks by period")
	}
	return s.db.Put(key(colDagBlocksByPeriod, u64Bytes(uint64(period))), enc)
}

func (s *Store) GetDagBlocksByPeriod(period types.Period) ([]types.Hash, error) {
	raw, err := s.db.Get(key(colDagBlocksByPeriod, u64Bytes(uint64(period))))
	if err != nil {
		return nil, err
	}
	var hashes []types.Hash
	if err := rlp.DecodeBytes(raw, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}

// --- transactions ---

func (s *Store) PutTransaction(tx *types.Transaction, hash types.Hash) error {
	enc, err := tx.EncodeRLP()
	if err != nil {
		return errors.Wrap(err, "encode transaction")
	}
	return s.db.Put(key(colTransactions, hash.Bytes()), enc)
}

func (s *Store) GetTransaction(hash types.Hash) (*types.Transaction, error) {
	raw, err := s.db.Get(key(colTransactions, hash.Bytes()))
	if err != nil {
		return nil, err
	}
	return types.DecodeTransactionRLP(raw)
}

func (s *Store) HasTransaction(hash types.Hash) (bool, error) {
	return s.db.Has(key(colTransactions, hash.Bytes()))
}

// --- transaction_location ---

// TxLocation is a transaction's position within a finalized period.
type TxLocation struct {
	Period   types.Period
	Position uint32
}

func (s *Store) PutTransactionLocation(hash types.Hash, loc TxLocation) error {
	enc, err := rlp.EncodeToBytes(&loc)
	if err != nil {
		return errors.Wrap(err, "encode tx location")
	}
	return s.db.Put(key(colTransactionLocation, hash.Bytes()), enc)
}

func (s *Store) GetTransactionLocation(hash types.Hash) (*TxLocation, error) {
	raw, err := s.db.Get(key(colTransactionLocation, hash.Bytes()))
	if err != nil {
		return nil, err
	}
	var loc TxLocation
	if err := rlp.DecodeBytes(raw, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// --- pbft_blocks ---

func (s *Store) PutPbftBlock(blk *types.PbftBlock, hash types.Hash) error {
	enc, err := blk.EncodeRLP()
	if err != nil {
		return errors.Wrap(err, "encode pbft block")
	}
	return s.db.Put(key(colPbftBlocks, hash.Bytes()), enc)
}

func (s *Store) GetPbftBlock(hash types.Hash) (*types.PbftBlock, error) {
	raw, err := s.db.Get(key(colPbftBlocks, hash.Bytes()))
	if err != nil {
		return nil, err
	}
	return types.DecodePbftBlockRLP(raw)
}

// --- period_data ---

func (s *Store) PutPeriodData(period types.Period, pd *types.PeriodData) error {
	enc, err := pd.EncodeRLP()
	if err != nil {
		return errors.Wrap(err, "encode period data")
	}
	return s.db.Put(key(colPeriodData, u64Bytes(uint64(period))), enc)
}

func (s *Store) GetPeriodData(period types.Period) (*types.PeriodData, error) {
	raw, err := s.db.Get(key(colPeriodData, u64Bytes(uint64(period))))
	if err != nil {
		return nil, err
	}
	return types.DecodePeriodDataRLP(raw)
}

// --- pbft_head ---

func (s *Store) PutChainHead(head types.ChainHead) error {
	enc, err := json.Marshal(head)
	if err != nil {
		return errors.Wrap(err, "encode chain head")
	}
	return s.db.Put(pbftHeadKey, enc)
}

// GetChainHead returns the persisted chain head, or types.Genesis() if
// none has been written yet.
func (s *Store) GetChainHead() (types.ChainHead, error) {
	raw, err := s.db.Get(pbftHeadKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return types.Genesis(), nil
		}
		return types.ChainHead{}, err
	}
	var head types.ChainHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return types.ChainHead{}, err
	}
	return head, nil
}

// --- votes_next_previous_round ---

func nextVoteBundleKey(period types.Period, round types.Round, step types.Step, blockHash types.Hash) []byte {
	return key(colVotesNextPreviousRound, u64Bytes(uint64(period)), u64Bytes(uint64(round)), []byte{byte(step)}, blockHash.Bytes())
}

func (s *Store) PutNextVoteBundle(period types.Period, round types.Round, step types.Step, blockHash types.Hash, votes []*types.Vote) error {
	enc, err := encodeVotes(votes)
	if err != nil {
		return err
	}
	return s.db.Put(nextVoteBundleKey(period, round, step, blockHash), enc)
}

func (s *Store) GetNextVoteBundle(period types.Period, round types.Round, step types.Step, blockHash types.Hash) ([]*types.Vote, error) {
	raw, err := s.db.Get(nextVoteBundleKey(period, round, step, blockHash))
	if err != nil {
		return nil, err
	}
	return decodeVotes(raw)
}

// --- reward_votes ---

func (s *Store) PutRewardVotes(period types.Period, votes []*types.Vote) error {
	enc, err := encodeVotes(votes)
	if err != nil {
		return err
	}
	return s.db.Put(key(colRewardVotes, u64Bytes(uint64(period))), enc)
}

func (s *Store) GetRewardVotes(period types.Period) ([]*types.Vote, error) {
	raw, err := s.db.Get(key(colRewardVotes, u64Bytes(uint64(period))))
	if err != nil {
		return nil, err
	}
	return decodeVotes(raw)
}

func encodeVotes(votes []*types.Vote) ([]byte, error) {
	encoded := make([][]byte, 0, len(votes))
	for _, v := range votes {
		enc, err := v.EncodeRLP()
		if err != nil {
			return nil, errors.Wrap(err, "encode vote")
		}
		encoded = append(encoded, enc)
	}
	return rlp.EncodeToBytes(encoded)
}

func decodeVotes(raw []byte) ([]*types.Vote, error) {
	var encoded [][]byte
	if err := rlp.DecodeBytes(raw, &encoded); err != nil {
		return nil, err
	}
	votes := make([]*types.Vote, 0, len(encoded))
	for _, enc := range encoded {
		v, err := types.DecodeVoteRLP(enc)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, nil
}

// --- proposal_period_dag_levels ---

func (s *Store) PutProposalPeriodForLevel(level types.Level, period types.Period) error {
	return s.db.Put(key(colProposalPeriodDagLevels, u64Bytes(uint64(level))), u64Bytes(uint64(period)))
}

func (s *Store) GetProposalPeriodForLevel(level types.Level) (types.Period, bool, error) {
	raw, err := s.db.Get(key(colProposalPeriodDagLevels, u64Bytes(uint64(level))))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return types.Period(binary.BigEndian.Uint64(raw)), true, nil
}

// --- sortition_params ---

func (s *Store) PutSortitionParams(period types.Period, params types.SortitionParams) error {
	enc, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "encode sortition params")
	}
	return s.db.Put(key(colSortitionParams, u64Bytes(uint64(period))), enc)
}

func (s *Store) GetSortitionParams(period types.Period) (types.SortitionParams, error) {
	raw, err := s.db.Get(key(colSortitionParams, u64Bytes(uint64(period))))
	if err != nil {
		return types.SortitionParams{}, err
	}
	var params types.SortitionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return types.SortitionParams{}, err
	}
	return params, nil
}

// --- final_chain_replay_protection ---

func (s *Store) PutReplayWatermark(sender types.Address, nonce uint64) error {
	return s.db.Put(key(colReplayProtection, sender.Bytes()), u64Bytes(nonce))
}

func (s *Store) GetReplayWatermark(sender types.Address) (uint64, bool, error) {
	raw, err := s.db.Get(key(colReplayProtection, sender.Bytes()))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Batch accumulates writes across columns for one atomic commit (spec
// §4.4 step 6, §5 "single write" requirement).
type Batch struct {
	store *Store
	batch database.Batch
}

// NewBatch starts a new atomic batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s, batch: s.db.NewBatch()}
}

func (b *Batch) Put(k, v []byte) error { return b.batch.Put(k, v) }

func (b *Batch) PutDagBlock(blk *types.DagBlock, hash types.Hash) error {
	enc, err := blk.EncodeRLP()
	if err != nil {
		return errors.Wrap(err, "encode dag block")
	}
	return b.batch.Put(key(colDagBlocks, hash.Bytes()), enc)
}

func (b *Batch) PutDagBlocksByPeriod(period types.Period, hashes []types.Hash) error {
	enc, err := rlp.EncodeToBytes(hashes)
	if err != nil {
		return err
	}
	return b.batch.Put(key(colDagBlocksByPeriod, u64Bytes(uint64(period))), enc)
}

func (b *Batch) PutTransaction(tx *types.Transaction, hash types.Hash) error {
	enc, err := tx.EncodeRLP()
	if err != nil {
		return err
	}
	return b.batch.Put(key(colTransactions, hash.Bytes()), enc)
}

func (b *Batch) PutTransactionLocation(hash types.Hash, loc TxLocation) error {
	enc, err := rlp.EncodeToBytes(&loc)
	if err != nil {
		return err
	}
	return b.batch.Put(key(colTransactionLocation, hash.Bytes()), enc)
}

func (b *Batch) PutPbftBlock(blk *types.PbftBlock, hash types.Hash) error {
	enc, err := blk.EncodeRLP()
	if err != nil {
		return err
	}
	return b.batch.Put(key(colPbftBlocks, hash.Bytes()), enc)
}

func (b *Batch) PutPeriodData(period types.Period, pd *types.PeriodData) error {
	enc, err := pd.EncodeRLP()
	if err != nil {
		return err
	}
	return b.batch.Put(key(colPeriodData, u64Bytes(uint64(period))), enc)
}

func (b *Batch) PutChainHead(head types.ChainHead) error {
	enc, err := json.Marshal(head)
	if err != nil {
		return err
	}
	return b.batch.Put(pbftHeadKey, enc)
}

func (b *Batch) PutRewardVotes(period types.Period, votes []*types.Vote) error {
	enc, err := encodeVotes(votes)
	if err != nil {
		return err
	}
	return b.batch.Put(key(colRewardVotes, u64Bytes(uint64(period))), enc)
}

func (b *Batch) DeleteDagBlock(hash types.Hash) error {
	return b.batch.Delete(key(colDagBlocks, hash.Bytes()))
}

func (b *Batch) PutReplayWatermark(sender types.Address, nonce uint64) error {
	return b.batch.Put(key(colReplayProtection, sender.Bytes()), u64Bytes(nonce))
}

// Write commits the batch atomically.
func (b *Batch) Write() error {
	return b.batch.Write()
}
