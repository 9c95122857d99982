// Package config defines the tunable parameters for the five
// consensus subsystems (spec §6 "Configuration (enumerated)"),
// following the Parameters/DefaultParams/Validate shape the teacher
// uses for its own consensus parameters.
package config

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/dagbft-core/types"
)

// Parameter validation errors.
var (
	ErrParametersInvalid  = errors.New("invalid consensus parameters")
	ErrInvalidCommittee   = errors.New("committee_size must be >= 1")
	ErrInvalidProposers   = errors.New("number_of_proposers must be >= 1")
	ErrInvalidLambda      = errors.New("lambda_ms_min must be > 0")
	ErrInvalidSortition   = errors.New("invalid sortition bounds")
	ErrInvalidGasLimit    = errors.New("dag.gas_limit must be > 0")
	ErrInvalidDpos        = errors.New("invalid dpos parameters")
)

// PbftParams configures the PBFT state machine and period finalizer
// (spec §6 "pbft").
type PbftParams struct {
	LambdaMsMin       time.Duration
	// LambdaMsMax bounds the per-step soft cap's doubling (spec §4.3
	// "doubles per consecutive step up to a configurable maximum").
	LambdaMsMax       time.Duration
	CommitteeSize     uint64
	NumberOfProposers uint32
	DagBlocksSize     uint32
	GhostPathMoveBack uint32
	RunCountVotes     bool
	// MaxRoundsWithoutCertification triggers the liveness rebroadcast
	// guardrail (spec §4.3 "after a configurable number of rounds
	// without certification").
	MaxRoundsWithoutCertification uint32
}

// SortitionParams configures the VDF/VRF block-proposal sortition
// parameters controller (spec §6 "sortition.vrf", "sortition.vdf",
// "sortition").
type SortitionParams struct {
	Vrf                     types.VrfParams
	Vdf                     types.VdfParams
	ChangingInterval        uint64
	ComputationInterval     uint64
	ChangesCountForAverage  uint64
	DagEfficiencyTargets    [2]uint32 // [lower, upper] bound, percent
}

// DagParams configures the DAG block manager and proposer (spec §6
// "dag").
type DagParams struct {
	GasLimit          uint64
	MaxLevelsPerPeriod uint64
	// ExpiryLimit is how many levels behind the current max level a
	// block may still be admitted (dag_block_manager.cpp's
	// dag_expiry_level_): blocks at or below max_level - ExpiryLimit
	// can no longer land in a future period's sub-DAG and are rejected
	// as too_old rather than indexed forever.
	ExpiryLimit uint64
}

// ReplayProtectionParams configures the sliding replay-protection
// window (spec §6 "replay_protection_service.range").
type ReplayProtectionParams struct {
	Range uint64
}

// DposParams configures delegated-proof-of-stake eligibility (spec §6
// "dpos").
type DposParams struct {
	DepositDelay               uint64
	WithdrawalDelay            uint64
	EligibilityBalanceThreshold *types.Hash // nil ⇒ use genesis state only
	VoteEligibilityBalanceStep  uint64
	GenesisState               map[types.Address]uint64
}

// BlockProposerParams configures the transaction-packing block
// proposer (spec §6 "block_proposer").
type BlockProposerParams struct {
	Shard             uint32
	TotalShards        uint32
	TransactionLimit  uint32
	MinProposalDelay  time.Duration
	MaxProposalTries  uint32
}

// Parameters bundles every configuration surface spec §6 enumerates.
type Parameters struct {
	ChainID          uint64
	Pbft             PbftParams
	Sortition        SortitionParams
	Dag              DagParams
	ReplayProtection ReplayProtectionParams
	Dpos             DposParams
	BlockProposer    BlockProposerParams
}

// DefaultParams returns conservative defaults suitable for a local
// single-node harness.
func DefaultParams() Parameters {
	return Parameters{
		ChainID: 1337,
		Pbft: PbftParams{
			LambdaMsMin:                   1500 * time.Millisecond,
			LambdaMsMax:                   60 * time.Second,
			CommitteeSize:                 17,
			NumberOfProposers:             20,
			DagBlocksSize:                 200,
			GhostPathMoveBack:             1,
			RunCountVotes:                 false,
			MaxRoundsWithoutCertification: 3,
		},
		Sortition: SortitionParams{
			Vrf: types.VrfParams{
				ThresholdUpper: 1 << 46,
				ThresholdRange: 1 << 40,
			},
			Vdf: types.VdfParams{
				DifficultyMin:   15,
				DifficultyMax:   21,
				DifficultyStale: 22,
				LambdaBound:     1500,
			},
			ChangingInterval:       200,
			ComputationInterval:    10,
			ChangesCountForAverage: 5,
			DagEfficiencyTargets:   [2]uint32{75, 90},
		},
		Dag: DagParams{
			GasLimit:           15_000_000,
			MaxLevelsPerPeriod: 100,
			ExpiryLimit:        1000,
		},
		ReplayProtection: ReplayProtectionParams{Range: 10},
		Dpos: DposParams{
			DepositDelay:               2,
			WithdrawalDelay:            4,
			VoteEligibilityBalanceStep: 1_000_000,
			GenesisState:               map[types.Address]uint64{},
		},
		BlockProposer: BlockProposerParams{
			Shard:            0,
			TotalShards:      1,
			TransactionLimit: 1000,
			MinProposalDelay: 50 * time.Millisecond,
			MaxProposalTries: 5,
		},
	}
}

// MainnetParams tightens defaults for production operation.
func MainnetParams() Parameters {
	p := DefaultParams()
	p.Pbft.CommitteeSize = 21
	p.Pbft.LambdaMsMin = 2 * time.Second
	p.Sortition.ChangingInterval = 500
	return p
}

// TestnetParams loosens defaults for faster test-network liveness.
func TestnetParams() Parameters {
	p := DefaultParams()
	p.Pbft.CommitteeSize = 7
	p.Pbft.LambdaMsMin = 500 * time.Millisecond
	p.Sortition.ChangingInterval = 50
	return p
}

// Validate reports whether p is internally consistent.
func (p Parameters) Validate() error {
	if p.Pbft.CommitteeSize < 1 {
		return ErrInvalidCommittee
	}
	if p.Pbft.NumberOfProposers < 1 {
		return ErrInvalidProposers
	}
	if p.Pbft.LambdaMsMin <= 0 {
		return ErrInvalidLambda
	}
	if p.Pbft.LambdaMsMax != 0 && p.Pbft.LambdaMsMax < p.Pbft.LambdaMsMin {
		return ErrInvalidLambda
	}
	if p.Sortition.Vrf.ThresholdRange == 0 || p.Sortition.Vrf.ThresholdRange > p.Sortition.Vrf.ThresholdUpper {
		return ErrInvalidSortition
	}
	if p.Sortition.Vdf.DifficultyMax < p.Sortition.Vdf.DifficultyMin {
		return ErrInvalidSortition
	}
	if p.Dag.GasLimit == 0 {
		return ErrInvalidGasLimit
	}
	if p.Dpos.WithdrawalDelay < p.Dpos.DepositDelay {
		return ErrInvalidDpos
	}
	return nil
}
