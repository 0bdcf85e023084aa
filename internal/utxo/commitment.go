package utxo

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ledgerforge/corechain/pkg/block"
	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Commitment computes a merkle root over all currently unspent UTXOs in the
// store, used as C3's snapshot integrity hash. Returns a zero hash for an
// empty set.
func Commitment(store *Store) (types.Hash, error) {
	var utxos []*UTXO
	err := store.db.ForEach(prefixUTXO, func(_, value []byte) error {
		var u UTXO
		if jerr := json.Unmarshal(value, &u); jerr != nil {
			return fmt.Errorf("utxo unmarshal during commitment: %w", jerr)
		}
		utxos = append(utxos, &u)
		return nil
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("utxo commitment: %w", err)
	}
	return commitmentOf(utxos), nil
}

// commitmentOf hashes each UTXO deterministically (non-consensus-critical,
// so BLAKE3 rather than SHA-256), sorts the hashes, and folds them through a
// merkle tree.
func commitmentOf(utxos []*UTXO) types.Hash {
	if len(utxos) == 0 {
		return types.Hash{}
	}
	hashes := make([]types.Hash, len(utxos))
	for i, u := range utxos {
		hashes[i] = hashUTXO(u)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].Less(hashes[j])
	})
	return block.ComputeMerkleRoot(hashes)
}

// hashUTXO produces a deterministic BLAKE3 hash of a UTXO.
// Format: txid(32) | index(4) | owner(20) | amount(8)
func hashUTXO(u *UTXO) types.Hash {
	var buf []byte
	buf = append(buf, u.Outpoint.TxID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, u.Outpoint.Index)
	buf = append(buf, u.Owner[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, u.Amount)
	return crypto.CommitHash(buf)
}
