package types

import (
	"github.com/luxfi/geth/rlp"
)

// VdfSortition is the per-block VDF/VRF sortition proof carried by a
// DagBlock: the proposer's VRF public key, the VRF proof over
// (level || salt), the Wesolowski VDF solution pair, and the
// difficulty the solution was computed against (spec §4.1, §4.2,
// grounded on original_source/libraries/vdf/src/sortition.cpp).
type VdfSortition struct {
	ProposerVrfPk []byte
	VrfProof      []byte
	VdfSolution   []byte
	VdfProof      []byte
	Difficulty    uint16
}

// DagBlock is a single vertex of the permissionless block DAG (spec §3).
type DagBlock struct {
	Pivot           Hash
	Tips            []Hash
	Level           Level
	Timestamp       uint64
	Vdf             VdfSortition
	Transactions    []Hash
	GasEstimations  []uint64
	Signature       []byte

	hash   *Hash
	sender *Address
}

type rlpDagBlockUnsigned struct {
	Pivot          Hash
	Level          uint64
	Timestamp      uint64
	Vdf            VdfSortition
	Tips           []Hash
	Transactions   []Hash
	GasEstimations []uint64
}

type rlpDagBlock struct {
	rlpDagBlockUnsigned
	Signature []byte
}

func (b *DagBlock) unsigned() rlpDagBlockUnsigned {
	return rlpDagBlockUnsigned{
		Pivot:          b.Pivot,
		Level:          uint64(b.Level),
		Timestamp:      b.Timestamp,
		Vdf:            b.Vdf,
		Tips:           b.Tips,
		Transactions:   b.Transactions,
		GasEstimations: b.GasEstimations,
	}
}

// EncodeUnsignedRLP returns the RLP of the fields covered by the
// block's signature (everything but the signature itself).
func (b *DagBlock) EncodeUnsignedRLP() ([]byte, error) {
	return rlp.EncodeToBytes(b.unsigned())
}

// EncodeRLP returns the full signed wire encoding (spec §6).
func (b *DagBlock) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(&rlpDagBlock{b.unsigned(), b.Signature})
}

// DecodeDagBlockRLP decodes a DagBlock from its wire encoding.
func DecodeDagBlockRLP(data []byte) (*DagBlock, error) {
	var raw rlpDagBlock
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	return &DagBlock{
		Pivot:          raw.Pivot,
		Tips:           raw.Tips,
		Level:          Level(raw.Level),
		Timestamp:      raw.Timestamp,
		Vdf:            raw.Vdf,
		Transactions:   raw.Transactions,
		GasEstimations: raw.GasEstimations,
		Signature:      raw.Signature,
	}, nil
}

// Hash returns the Keccak-256 hash of the signed RLP, caching it.
func (b *DagBlock) Hash(hasher func([]byte) Hash) Hash {
	if b.hash != nil {
		return *b.hash
	}
	enc, err := b.EncodeRLP()
	if err != nil {
		return Hash{}
	}
	h := hasher(enc)
	b.hash = &h
	return h
}

// SetSender caches the address recovered from Signature.
func (b *DagBlock) SetSender(addr Address) { b.sender = &addr }

// Sender returns the cached sender address, if recovered.
func (b *DagBlock) Sender() (Address, bool) {
	if b.sender == nil {
		return Address{}, false
	}
	return *b.sender, true
}

// TotalGasEstimation sums GasEstimations.
func (b *DagBlock) TotalGasEstimation() uint64 {
	var sum uint64
	for _, g := range b.GasEstimations {
		sum += g
	}
	return sum
}

// HasDuplicateTips reports whether Tips contains a repeated hash,
// which is invalid per spec §3.
func (b *DagBlock) HasDuplicateTips() bool {
	seen := make(map[Hash]struct{}, len(b.Tips))
	for _, t := range b.Tips {
		if _, ok := seen[t]; ok {
			return true
		}
		seen[t] = struct{}{}
	}
	return false
}

// HasDuplicateTransactions reports whether Transactions contains a
// repeated hash, which is invalid per spec §3.
func (b *DagBlock) HasDuplicateTransactions() bool {
	seen := make(map[Hash]struct{}, len(b.Transactions))
	for _, t := range b.Transactions {
		if _, ok := seen[t]; ok {
			return true
		}
		seen[t] = struct{}{}
	}
	return false
}

// ParentHashes returns pivot followed by tips, the set of DAG blocks
// this block directly references.
func (b *DagBlock) ParentHashes() []Hash {
	out := make([]Hash, 0, 1+len(b.Tips))
	out = append(out, b.Pivot)
	out = append(out, b.Tips...)
	return out
}
