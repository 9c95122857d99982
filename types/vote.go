package types

import (
	"github.com/luxfi/geth/rlp"
)

// Step identifies a PBFT voting step within a round (spec §3 Vote).
type Step uint8

const (
	StepPropose Step = 1
	StepSoft    Step = 2
	StepCert    Step = 3
	StepNext    Step = 4

	// StepNextCollapse is the fixed step number at and beyond which
	// next-vote rounds collapse onto the same VRF-input step value
	// (spec §3: "cert and next use the same encoded value for VRF-input
	// purposes up to a fixed step number and collapse thereafter").
	StepNextCollapse Step = 20
)

// String renders a step for logging.
func (s Step) String() string {
	switch {
	case s == StepPropose:
		return "propose"
	case s == StepSoft:
		return "soft"
	case s == StepCert:
		return "cert"
	default:
		return "next"
	}
}

// VrfInputStep maps a step to the value used as VRF sortition input,
// collapsing cert/next steps beyond StepNextCollapse onto a single
// value so VRF inputs stay bounded across arbitrarily many rounds
// (spec §3).
func (s Step) VrfInputStep() Step {
	if s >= StepNextCollapse {
		return StepNextCollapse
	}
	return s
}

// Vote is a single weighted ballot in the PBFT round/step protocol
// (spec §3 Vote).
type Vote struct {
	BlockHash Hash
	Period    Period
	Round     Round
	Step      Step
	VrfProof  []byte
	Weight    uint64
	Signature []byte
	VoterKey  []byte // public key bytes the signature/VRF proof verify against

	hash  *Hash
	voter *Address
}

type rlpVoteUnsigned struct {
	BlockHash Hash
	Period    uint64
	Round     uint64
	Step      uint8
	Weight    uint64
	VrfProof  []byte
	VoterKey  []byte
}

type rlpVote struct {
	rlpVoteUnsigned
	Signature []byte
}

func (v *Vote) unsigned() rlpVoteUnsigned {
	return rlpVoteUnsigned{
		BlockHash: v.BlockHash,
		Period:    uint64(v.Period),
		Round:     uint64(v.Round),
		Step:      uint8(v.Step),
		Weight:    v.Weight,
		VrfProof:  v.VrfProof,
		VoterKey:  v.VoterKey,
	}
}

// EncodeUnsignedRLP encodes the fields the signature covers.
func (v *Vote) EncodeUnsignedRLP() ([]byte, error) {
	return rlp.EncodeToBytes(v.unsigned())
}

// EncodeRLP returns the wire encoding `[block_hash, period, round,
// step, weight, vrf_proof, voter_key, signature]`. weight is always
// encoded, and voter_key carries the public key the VRF proof is
// checked against.
func (v *Vote) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(&rlpVote{v.unsigned(), v.Signature})
}

// DecodeVoteRLP decodes a vote from its wire encoding.
func DecodeVoteRLP(data []byte) (*Vote, error) {
	var raw rlpVote
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	return &Vote{
		BlockHash: raw.BlockHash,
		Period:    Period(raw.Period),
		Round:     Round(raw.Round),
		Step:      Step(raw.Step),
		Weight:    raw.Weight,
		VrfProof:  raw.VrfProof,
		VoterKey:  raw.VoterKey,
		Signature: raw.Signature,
	}, nil
}

// Hash returns the Keccak-256 hash of the signed RLP encoding.
func (v *Vote) Hash(hasher func([]byte) Hash) Hash {
	if v.hash != nil {
		return *v.hash
	}
	enc, err := v.EncodeRLP()
	if err != nil {
		return Hash{}
	}
	h := hasher(enc)
	v.hash = &h
	return h
}

// SetVoter caches the address recovered from Signature.
func (v *Vote) SetVoter(addr Address) { v.voter = &addr }

// Voter returns the cached recovered voter address.
func (v *Vote) Voter() (Address, bool) {
	if v.voter == nil {
		return Address{}, false
	}
	return *v.voter, true
}

// VotesForConcreteBlock reports whether the vote's block hash is not
// the null hash.
func (v *Vote) VotesForConcreteBlock() bool { return !v.BlockHash.IsNull() }

// CanVoteNull reports whether this vote's step is allowed to carry
// the null hash (spec §3: only next votes may vote null).
func (s Step) CanVoteNull() bool { return s == StepNext }
