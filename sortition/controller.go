// Package sortition implements the rolling DAG-efficiency window that
// periodically retunes the VRF threshold_upper bound feeding block
// proposal sortition (spec §4.5 "Sortition parameters controller").
//
// original_source's sortition.cpp (referenced by the VDF/VRF grounding
// in cryptoutil and types/sortitionparams.go) defines the per-block
// isOmitVdf/calculateDifficulty classification this controller's
// output feeds, but the retrieval pack has no visible file implementing
// the controller's own windowed-average retuning loop; this package is
// therefore a spec-consistent reconstruction of spec §4.5's named
// behavior rather than a direct transcription, flagged here the same
// way DESIGN.md flags dag/frontier.go's pivot-selection algorithm.
package sortition

import (
	"sync"

	"github.com/luxfi/dagbft-core/config"
	"github.com/luxfi/dagbft-core/storage"
	"github.com/luxfi/dagbft-core/types"
)

// thresholdStepDivisor bounds a single retuning step to 1/20th of the
// current threshold_range, so threshold_upper moves gradually rather
// than swinging to the target in one period.
const thresholdStepDivisor = 20

// Controller owns the rolling DAG-efficiency sample window and adjusts
// SortitionParams.Vrf.ThresholdUpper to steer efficiency back toward
// the configured target band (spec §4.5). The zero value is not
// usable; construct with New.
type Controller struct {
	mu sync.Mutex

	cfg     config.SortitionParams
	store   *storage.Store
	current types.SortitionParams
	samples []uint64 // percent dag-efficiency samples, most recent last
}

// New constructs a Controller seeded with genesis, the SortitionParams
// active before any retuning has happened.
func New(cfg config.SortitionParams, genesis types.SortitionParams, store *storage.Store) *Controller {
	return &Controller{cfg: cfg, store: store, current: genesis}
}

// Current returns the SortitionParams new proposals should target.
func (c *Controller) Current() types.SortitionParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RecordPeriod feeds a finalized period's DAG-efficiency sample
// (unique transactions over the DAG gas limit) into the rolling
// window. Every ComputationInterval periods a sample is recorded;
// every ChangingInterval periods the windowed average is compared
// against DagEfficiencyTargets and threshold_upper is nudged by a
// bounded step. Returns the (possibly updated) params and whether they
// changed this call.
func (c *Controller) RecordPeriod(period types.Period, uniqueTransactions, dagGasLimit uint64) (types.SortitionParams, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dagGasLimit == 0 || c.cfg.ComputationInterval == 0 {
		return c.current, false
	}
	if uint64(period)%c.cfg.ComputationInterval != 0 {
		return c.current, false
	}

	efficiencyPct := uniqueTransactions * 100 / dagGasLimit
	c.samples = append(c.samples, efficiencyPct)
	if max := int(c.cfg.ChangesCountForAverage); max > 0 && len(c.samples) > max {
		c.samples = c.samples[len(c.samples)-max:]
	}

	if c.cfg.ChangingInterval == 0 || uint64(period)%c.cfg.ChangingInterval != 0 {
		return c.current, false
	}

	avg := average(c.samples)
	lo, hi := uint64(c.cfg.DagEfficiencyTargets[0]), uint64(c.cfg.DagEfficiencyTargets[1])
	step := c.current.Vrf.ThresholdRange / thresholdStepDivisor
	if step == 0 {
		step = 1
	}

	switch {
	case avg < lo:
		// Efficiency below target: widen the eligible VRF-threshold band
		// so more sortition attempts succeed and DAG throughput rises.
		c.current.Vrf.ThresholdUpper += step
	case avg > hi:
		// Efficiency above target: narrow the band so fewer proposals
		// succeed, easing load on the DAG/state-transition pipeline.
		if c.current.Vrf.ThresholdUpper <= step+c.current.Vrf.ThresholdRange {
			return c.current, false
		}
		c.current.Vrf.ThresholdUpper -= step
	default:
		return c.current, false
	}

	if c.store != nil {
		_ = c.store.PutSortitionParams(period+1, c.current)
	}
	return c.current, true
}

func average(samples []uint64) uint64 {
	if len(samples) == 0 {
		return 0
	}
	var sum uint64
	for _, s := range samples {
		sum += s
	}
	return sum / uint64(len(samples))
}
