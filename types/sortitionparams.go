package types

// VdfParams are the Wesolowski VDF sortition bounds for a period
// (spec §3 SortitionParams, §6 sortition.vdf).
type VdfParams struct {
	DifficultyMin   uint16
	DifficultyMax   uint16
	DifficultyStale uint16
	LambdaBound     uint64
}

// VrfParams are the VRF sortition bounds for a period (spec §3
// SortitionParams, §6 sortition.vrf).
type VrfParams struct {
	ThresholdUpper uint64
	ThresholdRange uint64
}

// SortitionParams bundles the VDF/VRF bounds active for proposals
// targeting a given period (spec §3).
type SortitionParams struct {
	Period Period
	Vdf    VdfParams
	Vrf    VrfParams
}

// VdfOmitThreshold is the threshold at or below which VDF computation
// is omitted entirely (spec §4.2 "omit" classification), derived the
// same way as original_source's VdfSortition::isOmitVdf: the highest
// threshold_range-wide band immediately below threshold_upper.
func (p SortitionParams) VdfOmitThreshold() uint64 {
	if p.Vrf.ThresholdUpper < p.Vrf.ThresholdRange {
		return 0
	}
	return p.Vrf.ThresholdUpper - p.Vrf.ThresholdRange
}

// ClassifyDifficulty implements spec §4.2 step 3 / §8 property 7: given
// a VRF threshold output, returns the VDF difficulty to solve for, and
// whether VDF computation may be omitted entirely.
func (p SortitionParams) ClassifyDifficulty(threshold uint64) (difficulty uint16, omit bool) {
	if threshold <= p.VdfOmitThreshold() {
		return 0, true
	}
	if threshold > p.Vrf.ThresholdUpper {
		return p.Vdf.DifficultyStale, false
	}
	span := uint64(p.Vdf.DifficultyMax) - uint64(p.Vdf.DifficultyMin)
	if span == 0 {
		return p.Vdf.DifficultyMin, false
	}
	return p.Vdf.DifficultyMin + uint16(threshold%span), false
}

// IsStale reports whether a VRF threshold output falls in the stale
// band (spec §4.2).
func (p SortitionParams) IsStale(threshold uint64) bool {
	return threshold > p.Vrf.ThresholdUpper
}
