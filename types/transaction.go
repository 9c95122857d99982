package types

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/rlp"
)

// Transaction is the pre-EIP-1559 legacy transaction encoding with
// EIP-155 replay protection (spec §3 Transaction, §6 wire formats).
type Transaction struct {
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
	// Receiver is nil for contract creation.
	Receiver *Address
	Value    *uint256.Int
	Data     []byte
	ChainID  uint64

	V uint64
	R *uint256.Int
	S *uint256.Int

	hash   *Hash
	sender *Address
}

// rlpTransaction is the 9-field legacy wire encoding (spec §6).
type rlpTransaction struct {
	Nonce    uint64
	GasPrice *uint256.Int
	GasLimit uint64
	Receiver []byte // empty for contract creation
	Value    *uint256.Int
	Data     []byte
	V        uint64
	R        *uint256.Int
	S        *uint256.Int
}

func (tx *Transaction) toRLP() *rlpTransaction {
	var receiver []byte
	if tx.Receiver != nil {
		receiver = tx.Receiver.Bytes()
	}
	return &rlpTransaction{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		GasLimit: tx.GasLimit,
		Receiver: receiver,
		Value:    tx.Value,
		Data:     tx.Data,
		V:        tx.V,
		R:        tx.R,
		S:        tx.S,
	}
}

// EncodeRLP implements rlp.Encoder over the canonical legacy fields.
func (tx *Transaction) EncodeRLP() ([]byte, error) {
	return rlp.EncodeToBytes(tx.toRLP())
}

// DecodeTransactionRLP decodes a transaction previously produced by
// EncodeRLP, recovering the V/R/S and EIP-155-derived chain ID.
func DecodeTransactionRLP(b []byte) (*Transaction, error) {
	var raw rlpTransaction
	if err := rlp.DecodeBytes(b, &raw); err != nil {
		return nil, err
	}
	tx := &Transaction{
		Nonce:    raw.Nonce,
		GasPrice: raw.GasPrice,
		GasLimit: raw.GasLimit,
		Value:    raw.Value,
		Data:     raw.Data,
		V:        raw.V,
		R:        raw.R,
		S:        raw.S,
	}
	if len(raw.Receiver) > 0 {
		a := BytesToAddress(raw.Receiver)
		tx.Receiver = &a
	}
	tx.ChainID = chainIDFromV(raw.V)
	return tx, nil
}

// chainIDFromV extracts the EIP-155 chain ID encoded into V, or 0 when
// V uses the pre-EIP-155 {27,28} convention.
func chainIDFromV(v uint64) uint64 {
	if v >= 35 {
		return (v - 35) / 2
	}
	return 0
}

// SigningFields returns the fields covered by the signature: for
// chain_id != 0 this is the EIP-155 9-tuple (nonce..data, chainID, 0, 0);
// for chain_id == 0 it is the legacy 6-tuple (nonce..data).
func (tx *Transaction) SigningFields() interface{} {
	if tx.ChainID != 0 {
		var receiver []byte
		if tx.Receiver != nil {
			receiver = tx.Receiver.Bytes()
		}
		return &struct {
			Nonce    uint64
			GasPrice *uint256.Int
			GasLimit uint64
			Receiver []byte
			Value    *uint256.Int
			Data     []byte
			ChainID  uint64
			Zero1    uint64
			Zero2    uint64
		}{tx.Nonce, tx.GasPrice, tx.GasLimit, receiver, tx.Value, tx.Data, tx.ChainID, 0, 0}
	}
	var receiver []byte
	if tx.Receiver != nil {
		receiver = tx.Receiver.Bytes()
	}
	return &struct {
		Nonce    uint64
		GasPrice *uint256.Int
		GasLimit uint64
		Receiver []byte
		Value    *uint256.Int
		Data     []byte
	}{tx.Nonce, tx.GasPrice, tx.GasLimit, receiver, tx.Value, tx.Data}
}

// Hash returns the Keccak-256 hash of the signed RLP encoding,
// computing and caching it on first call.
func (tx *Transaction) Hash(hasher func([]byte) Hash) Hash {
	if tx.hash != nil {
		return *tx.hash
	}
	b, err := tx.EncodeRLP()
	if err != nil {
		return Hash{}
	}
	h := hasher(b)
	tx.hash = &h
	return h
}

// Sender returns the cached recovered sender address, if any has been
// set by the caller via SetSender after signature recovery.
func (tx *Transaction) Sender() (Address, bool) {
	if tx.sender == nil {
		return Address{}, false
	}
	return *tx.sender, true
}

// SetSender caches the address recovered from the transaction's
// signature. Recovery itself is the responsibility of the crypto
// layer (cryptoutil.RecoverTransactionSender), which is out of this
// package's concerns so that types stays free of key material.
func (tx *Transaction) SetSender(addr Address) { tx.sender = &addr }

// IsContractCreation reports whether Receiver is absent.
func (tx *Transaction) IsContractCreation() bool { return tx.Receiver == nil }
