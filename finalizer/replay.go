package finalizer

import (
	"sync"

	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

// ReplayProtection implements the trailing-window nonce watermark
// spec §4.4 describes ("per-sender max nonce observed within trailing
// `range` periods, nonce <= watermark rejected"), grounded on
// original_source/libraries/core_libs/consensus/src/final_chain/replay_protection_service.cpp's
// ReplayProtectionServiceImpl: track each period's per-sender max
// nonce, and once `range` periods have elapsed since a period was
// recorded, promote that period's max nonce into the durable watermark
// IsStale checks against. The durable watermark itself lives in
// storage.Store's single-value-per-sender column
// (PutReplayWatermark/GetReplayWatermark); this type owns only the
// bounded in-memory ring of per-period samples the original keeps as
// "max_nonce_at_<period>_<sender>" rows ahead of promotion.
type ReplayProtection struct {
	mu        sync.Mutex
	store     *storage.Store
	rangeLen  uint64
	perPeriod map[types.Period]map[types.Address]uint64
}

// NewReplayProtection constructs a ReplayProtection tracker backed by
// store whose window spans rangeLen periods and moves forward by one
// period on every Advance.
func NewReplayProtection(store *storage.Store, rangeLen uint64) *ReplayProtection {
	return &ReplayProtection{
		store:     store,
		rangeLen:  rangeLen,
		perPeriod: make(map[types.Period]map[types.Address]uint64),
	}
}

// IsStale reports whether nonce is at or below sender's durable
// watermark (original: is_nonce_stale).
func (r *ReplayProtection) IsStale(sender types.Address, nonce uint64) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	watermark, ok, err := r.store.GetReplayWatermark(sender)
	if err != nil || !ok {
		return false, err
	}
	return nonce <= watermark, nil
}

// IsStaleTransaction reports whether tx's nonce is at or below its
// sender's durable replay watermark, rejecting it before it ever
// reaches the pool (spec §4.4/§7 replay-protection invariant).
// Transactions with no recovered sender are never stale by this check;
// signature verification upstream is what rejects those.
func (f *Finalizer) IsStaleTransaction(tx *types.Transaction) (bool, error) {
	sender, ok := tx.Sender()
	if !ok {
		return false, nil
	}
	return f.replay.IsStale(sender, tx.Nonce)
}

// Advance records period's per-sender max nonce and, once rangeLen
// periods have elapsed, promotes the period that just rolled out of
// the window into batch as the new durable watermark (original:
// update(batch, period, trxs)).
func (r *ReplayProtection) Advance(batch *storage.Batch, period types.Period, transactions []*types.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxNonce := make(map[types.Address]uint64)
	for _, tx := range transactions {
		sender, ok := tx.Sender()
		if !ok {
			continue
		}
		if n, exists := maxNonce[sender]; !exists || tx.Nonce > n {
			maxNonce[sender] = tx.Nonce
		}
	}
	r.perPeriod[period] = maxNonce

	if r.rangeLen == 0 || uint64(period) < r.rangeLen {
		return nil
	}
	bottom := types.Period(uint64(period) - r.rangeLen)
	bottomMap, ok := r.perPeriod[bottom]
	if !ok {
		return nil
	}
	for sender, nonce := range bottomMap {
		if err := batch.PutReplayWatermark(sender, nonce); err != nil {
			return err
		}
	}
	delete(r.perPeriod, bottom)
	return nil
}
