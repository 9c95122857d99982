package types

import "github.com/luxfi/geth/rlp"

// PbftBlockExtraData carries optional protocol-version and pillar
// chain metadata (spec §3 PbftBlock, supplemented from
// original_source/.../pbft_block_extra_data.hpp).
type PbftBlockExtraData struct {
	MajorVersion uint32
	MinorVersion uint32
	// PillarBlockHash is the null hash when no pillar block is
	// attached to this period.
	PillarBlockHash Hash
}

// PbftBlock is the authoritative header of a finalized PBFT period
// (spec §3).
type PbftBlock struct {
	PrevBlockHash  Hash
	AnchorHash     Hash // pivot_dag_block_hash; null hash denotes an empty period
	OrderHash      Hash
	Period         Period
	Timestamp      uint64
	ExtraData      *PbftBlockExtraData
	Signature      []byte

	hash   *Hash
	sender *Address
}

type rlpPbftBlockUnsigned struct {
	PrevBlockHash Hash
	AnchorHash    Hash
	OrderHash     Hash
	Period        uint64
	Timestamp     uint64
	HasExtra      bool
	ExtraData     PbftBlockExtraData
}

type rlpPbftBlock struct {
	rlpPbftBlockUnsigned
	Signature []byte
}

func (b *PbftBlock) unsigned() rlpPbftBlockUnsigned {
	u := rlpPbftBlockUnsigned{
		PrevBlockHash: b.PrevBlockHash,
		AnchorHash:    b.AnchorHash,
		OrderHash:     b.OrderHash,
		Period:        uint64(b.Period),
		Timestamp:     b.Timestamp,
	}
	if b.ExtraData != nil {
		u.HasExtra = true
		u.ExtraData = *b.ExtraData
	}
	return u
}

// EncodeUnsignedRLP encodes the fields covered by the signature.
func (b *PbftBlock) EncodeUnsignedRLP() ([]byte, error) {
	return rlp.EncodeToBytes(b.unsigned())
}

// EncodeRLP returns the wire encoding `[prev_hash, anchor_hash,
// order_hash, period, timestamp, extra_data?, signature]` (spec §6).
func (b *PbftBlock) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(&rlpPbftBlock{b.unsigned(), b.Signature})
}

// DecodePbftBlockRLP decodes a PbftBlock from its wire encoding.
func DecodePbftBlockRLP(data []byte) (*PbftBlock, error) {
	var raw rlpPbftBlock
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	blk := &PbftBlock{
		PrevBlockHash: raw.PrevBlockHash,
		AnchorHash:    raw.AnchorHash,
		OrderHash:     raw.OrderHash,
		Period:        Period(raw.Period),
		Timestamp:     raw.Timestamp,
		Signature:     raw.Signature,
	}
	if raw.HasExtra {
		extra := raw.ExtraData
		blk.ExtraData = &extra
	}
	return blk, nil
}

// Hash returns the Keccak-256 hash of the signed RLP encoding.
func (b *PbftBlock) Hash(hasher func([]byte) Hash) Hash {
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

// SetSender caches the recovered proposer address.
func (b *PbftBlock) SetSender(addr Address) { b.sender = &addr }

// Sender returns the cached recovered proposer address.
func (b *PbftBlock) Sender() (Address, bool) {
	if b.sender == nil {
		return Address{}, false
	}
	return *b.sender, true
}

// IsEmptyPeriod reports whether this period has no anchor (spec §3).
func (b *PbftBlock) IsEmptyPeriod() bool { return b.AnchorHash.IsNull() }
