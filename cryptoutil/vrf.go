package cryptoutil

import (
	"crypto/ecdsa"
	"encoding/binary"

	lcrypto "github.com/luxfi/crypto"

	"github.com/luxfi/dagbft-core/types"
)

// VrfProve computes a VRF proof over input using a recoverable
// secp256k1 signature as the underlying primitive: the proof is
// Sign(Keccak256(input), sk), and the pseudo-random output is
// Keccak256(pubkey || proof). Binding the output to the recoverable
// signature lets VrfVerify recompute the same output without a
// separate public-key argument, mirroring
// original_source/libraries/vdf/src/sortition.cpp's
// VrfSortitionBase(sk, vrf_input) / verify(vrf_input) pairing.
func VrfProve(input []byte, sk *ecdsa.PrivateKey) (proof []byte, output types.Hash, err error) {
	digest := Keccak256(input)
	proof, err = lcrypto.Sign(digest.Bytes(), sk)
	if err != nil {
		return nil, types.Hash{}, err
	}
	pub := lcrypto.FromECDSAPub(&sk.PublicKey)
	output = Keccak256(pub, proof)
	return proof, output, nil
}

// VrfVerify recomputes the VRF output from input and proof, recovering
// the signer's public key, and reports whether it matches the claimed
// signer address and the claimed output.
func VrfVerify(input []byte, proof []byte, claimedSigner types.Address, claimedOutput types.Hash) bool {
	digest := Keccak256(input)
	pub, err := lcrypto.SigToPub(digest.Bytes(), proof)
	if err != nil {
		return false
	}
	if types.BytesToAddress(lcrypto.PubkeyToAddress(*pub)) != claimedSigner {
		return false
	}
	pubBytes := lcrypto.FromECDSAPub(pub)
	output := Keccak256(pubBytes, proof)
	return output == claimedOutput
}

// VrfThreshold maps a VRF output into a bounded uint64 threshold value
// by reading its first 8 bytes big-endian (spec §4.2 step 3).
func VrfThreshold(output types.Hash) uint64 {
	return binary.BigEndian.Uint64(output[:8])
}

// SortitionInput builds the canonical `level || salt` VRF input byte
// string used for block-proposal sortition (spec §4.2 step 2) or the
// `period || round || step || voter` input used for vote sortition
// (spec §4.3 eligibility).
func SortitionInput(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
