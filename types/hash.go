// Package types holds the shared wire data model for the DAG block
// layer and the PBFT chain: DAG blocks, transactions, votes, PBFT
// blocks, period records and sortition parameters.
package types

import (
	"encoding/hex"
	"fmt"
)

// HashLength is the byte length of a Hash (Keccak-256 digest).
const HashLength = 32

// AddressLength is the byte length of an Address (secp256k1 recovery).
const AddressLength = 20

// Hash is a 32-byte Keccak-256 digest used for block, transaction and
// vote identifiers.
type Hash [HashLength]byte

// NullHash denotes the absence of a block in a vote or anchor slot.
var NullHash = Hash{}

// BytesToHash copies b into a Hash, truncating or zero-padding on the
// left if b is not exactly HashLength bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// Bytes returns the hash as a newly allocated byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// IsNull reports whether h is the null hash.
func (h Hash) IsNull() bool { return h == NullHash }

// String returns the 0x-prefixed hex encoding of h.
func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// Abridged returns a short hex form suitable for log lines.
func (h Hash) Abridged() string {
	s := h.String()
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "..."
}

// Address is a 20-byte secp256k1-derived account identifier.
type Address [AddressLength]byte

// BytesToAddress copies b into an Address, truncating or zero-padding
// on the left if b is not exactly AddressLength bytes.
func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

// Bytes returns the address as a newly allocated byte slice.
func (a Address) Bytes() []byte { return a[:] }

// String returns the 0x-prefixed hex encoding of a.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Period is a PBFT period number. Period 0 is genesis; period P is the
// P-th committed PBFT block.
type Period uint64

// Level is a DAG block height, counted from the genesis pivot chain.
type Level uint64

// Round is a PBFT round number within a period, starting at 1.
type Round uint64

func (p Period) String() string { return fmt.Sprintf("%d", uint64(p)) }
