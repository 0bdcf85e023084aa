package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32        `json:"version"`
	Index      uint64        `json:"index"`
	PrevHash   types.Hash    `json:"previous_hash"`
	MerkleRoot types.Hash    `json:"merkle_root"`
	Timestamp  int64         `json:"timestamp"`
	Difficulty uint32        `json:"difficulty"` // required leading zero bits
	Nonce      uint64        `json:"nonce"`
	MinerPubKey []byte       `json:"miner_pubkey,omitempty"`
	Signature  []byte        `json:"signature,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded byte fields.
type headerJSON struct {
	Version     uint32     `json:"version"`
	Index       uint64     `json:"index"`
	PrevHash    types.Hash `json:"previous_hash"`
	MerkleRoot  types.Hash `json:"merkle_root"`
	Timestamp   int64      `json:"timestamp"`
	Difficulty  uint32     `json:"difficulty"`
	Nonce       uint64     `json:"nonce"`
	MinerPubKey string     `json:"miner_pubkey,omitempty"`
	Signature   string     `json:"signature,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded miner pubkey and signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:    h.Version,
		Index:      h.Index,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Difficulty: h.Difficulty,
		Nonce:      h.Nonce,
	}
	if h.MinerPubKey != nil {
		j.MinerPubKey = hex.EncodeToString(h.MinerPubKey)
	}
	if h.Signature != nil {
		j.Signature = hex.EncodeToString(h.Signature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded miner pubkey and signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Index = j.Index
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Difficulty = j.Difficulty
	h.Nonce = j.Nonce
	if j.MinerPubKey != "" {
		b, err := hex.DecodeString(j.MinerPubKey)
		if err != nil {
			return err
		}
		h.MinerPubKey = b
	}
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		h.Signature = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes Signature so the hash is stable for signing and is the value
// the proof-of-work search targets.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/mining/signing.
// Format: version(4) | index(8) | prev_hash(32) | merkle_root(32) | timestamp(8) |
// difficulty(4) | nonce(8) | miner_pubkey
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 96+len(h.MinerPubKey))
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Index)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Timestamp))
	buf = binary.LittleEndian.AppendUint32(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = append(buf, h.MinerPubKey...)
	return buf
}

// MeetsDifficulty reports whether the header hash satisfies its own
// difficulty target (I7): the hash must have at least Difficulty leading
// zero bits.
func (h *Header) MeetsDifficulty() bool {
	return h.Hash().LeadingZeroBits() >= int(h.Difficulty)
}
