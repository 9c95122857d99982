// Package cryptoutil wraps the cryptographic primitives the consensus
// core consumes as libraries (spec §1 out-of-scope, §6): Keccak-256
// hashing and secp256k1 signatures via github.com/luxfi/crypto, VRF
// sortition and Wesolowski VDF solving grounded on
// original_source/libraries/vdf/src/sortition.cpp.
package cryptoutil

import (
	"crypto/ecdsa"

	lcrypto "github.com/luxfi/crypto"

	"github.com/luxfi/dagbft-core/types"
)

// Keccak256 hashes the concatenation of data into a types.Hash.
func Keccak256(data ...[]byte) types.Hash {
	return types.BytesToHash(lcrypto.Keccak256(data...))
}

// GenerateKey generates a new secp256k1 key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return lcrypto.GenerateKey()
}

// Sign produces a recoverable secp256k1 signature over digest.
func Sign(digest types.Hash, priv *ecdsa.PrivateKey) ([]byte, error) {
	return lcrypto.Sign(digest.Bytes(), priv)
}

// RecoverAddress recovers the signer address from a digest and its
// recoverable signature.
func RecoverAddress(digest types.Hash, sig []byte) (types.Address, error) {
	pub, err := lcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return types.Address{}, err
	}
	return types.BytesToAddress(lcrypto.PubkeyToAddress(*pub)), nil
}

// PublicKeyBytes returns the uncompressed public key bytes for priv.
func PublicKeyBytes(priv *ecdsa.PrivateKey) []byte {
	return lcrypto.FromECDSAPub(&priv.PublicKey)
}

// AddressFromPrivateKey derives the signer address for priv.
func AddressFromPrivateKey(priv *ecdsa.PrivateKey) types.Address {
	return types.BytesToAddress(lcrypto.PubkeyToAddress(priv.PublicKey))
}
