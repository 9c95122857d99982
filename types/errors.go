package types

import "github.com/cockroachdb/errors"

// AdmissionResult is the outcome of offering a DagBlock to the DAG
// block manager (spec §4.1 admit).
type AdmissionResult uint8

const (
	AdmissionInserted AdmissionResult = iota
	AdmissionAlreadyKnown
	AdmissionMissingParent
	AdmissionMissingTx
	AdmissionVdfInvalid
	AdmissionNotEligible
	AdmissionGasOverLimit
	AdmissionMismatchedEstimations
	AdmissionTooOld
	AdmissionFuturePeriod
	AdmissionQueueOverflow
)

func (r AdmissionResult) String() string {
	switch r {
	case AdmissionInserted:
		return "inserted"
	case AdmissionAlreadyKnown:
		return "already_known"
	case AdmissionMissingParent:
		return "missing_parent"
	case AdmissionMissingTx:
		return "missing_tx"
	case AdmissionVdfInvalid:
		return "vdf_invalid"
	case AdmissionNotEligible:
		return "not_eligible"
	case AdmissionGasOverLimit:
		return "gas_over_limit"
	case AdmissionMismatchedEstimations:
		return "mismatched_estimations"
	case AdmissionTooOld:
		return "too_old"
	case AdmissionFuturePeriod:
		return "future_period"
	case AdmissionQueueOverflow:
		return "queue_overflow"
	default:
		return "unknown"
	}
}

// IsPermanent reports whether this admission outcome blacklists the
// block hash (spec §4.1, §7): VDF/signature/eligibility/gas failures
// are permanent, missing dependencies and future periods are
// transient.
func (r AdmissionResult) IsPermanent() bool {
	switch r {
	case AdmissionVdfInvalid, AdmissionNotEligible, AdmissionGasOverLimit, AdmissionMismatchedEstimations, AdmissionTooOld:
		return true
	default:
		return false
	}
}

// Error kind sentinels from spec §7. Components compare against these
// with errors.Is; cockroachdb/errors.Wrap adds context when the error
// crosses a component boundary (e.g. into the engine's inbound
// handlers or the finalizer's supervisor escalation).
var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidVRF         = errors.New("invalid VRF proof")
	ErrInvalidVDF         = errors.New("invalid VDF solution")
	ErrMissingDependency  = errors.New("missing dependency")
	ErrNotEligibleDPoS    = errors.New("not DPoS eligible at current period")
	ErrFutureBlock        = errors.New("block references a future period")
	ErrChainFork          = errors.New("conflicting 2t+1 certification observed")
	ErrConsensusError     = errors.New("state transition consensus error")
	ErrPersistenceError   = errors.New("persistence error")
	ErrQueueOverflow      = errors.New("queue overflow")
	ErrStaleNonce         = errors.New("stale nonce")
	ErrDoubleVote         = errors.New("double vote detected")
	ErrOrderHashMismatch  = errors.New("order_hash mismatch against available sub-DAG")
)
