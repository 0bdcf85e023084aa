// Package crypto provides cryptographic primitives for the ledger.
package crypto

import (
	"crypto/sha256"

	"github.com/ledgerforge/corechain/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes the canonical SHA-256 hash used for every consensus-critical
// digest: transaction ids, block header hashes, and merkle tree nodes.
func Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = SHA-256(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes using the canonical
// SHA-256 digest. Used for building the transaction merkle tree, which is
// consensus-critical (spec invariant I8).
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// CommitHash computes a BLAKE3-256 hash, used only for internal,
// non-consensus-critical state commitments (e.g. the UTXO set integrity
// hash) where the exact algorithm is not pinned by the wire format.
func CommitHash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// CommitHashConcat folds two commitment hashes together with CommitHash.
func CommitHashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return CommitHash(buf[:])
}
