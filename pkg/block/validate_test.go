package block

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

// testCoinbase returns a minimal valid coinbase transaction.
func testCoinbase(miner types.Address) *tx.Transaction {
	return tx.NewBuilder(tx.TxCoinbase).
		SetTimestamp(1700000000).
		AddOutput(miner, tx.NewAmount(50)).
		Build()
}

// signedTransfer returns a signed transfer transaction spending the given outpoint.
func signedTransfer(t *testing.T, key *crypto.PrivateKey, outpoint types.Outpoint, amount tx.Amount) *tx.Transaction {
	t.Helper()
	sender := crypto.AddressFromPubKey(key.PublicKey())
	var recipient types.Address
	recipient[0] = 0x42

	b := tx.NewBuilder(tx.TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, amount).
		SetFee(tx.Amount(1)).
		SetTimestamp(1700000000).
		AddInput(outpoint).
		AddOutput(recipient, amount)
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return b.Build()
}

// sortTxsByTxID sorts transactions by txid ascending (canonical order).
func sortTxsByTxID(txs []*tx.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].ComputeTxID().Less(txs[j].ComputeTxID())
	})
}

// validBlock creates a minimal valid block with correct merkle root.
func validBlock(t *testing.T) *Block {
	t.Helper()

	var miner types.Address
	miner[0] = 0x01
	coinbase := testCoinbase(miner)
	txIDs := []types.Hash{coinbase.ComputeTxID()}
	merkleRoot := ComputeMerkleRoot(txIDs)

	header := &Header{
		Version:    CurrentVersion,
		Index:      1,
		PrevHash:   types.Hash{0xaa},
		MerkleRoot: merkleRoot,
		Timestamp:  1700000000,
	}

	return NewBlock(header, []*tx.Transaction{coinbase}, miner)
}

func TestBlock_Validate_Valid(t *testing.T) {
	blk := validBlock(t)
	if err := blk.Validate(time.Now()); err != nil {
		t.Errorf("valid block should pass: %v", err)
	}
}

func TestBlock_Validate_NilHeader(t *testing.T) {
	blk := &Block{Header: nil}
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrNilHeader) {
		t.Errorf("expected ErrNilHeader, got: %v", err)
	}
}

func TestBlock_Validate_BadVersion(t *testing.T) {
	blk := validBlock(t)
	blk.Header.Version = 99
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion, got: %v", err)
	}
}

func TestBlock_Validate_VersionZero(t *testing.T) {
	blk := validBlock(t)
	blk.Header.Version = 0
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion for version 0, got: %v", err)
	}
}

func TestBlock_Validate_VersionCurrent(t *testing.T) {
	blk := validBlock(t)
	blk.Header.Version = CurrentVersion
	if err := blk.Validate(time.Now()); err != nil {
		t.Errorf("version %d should be valid: %v", CurrentVersion, err)
	}
}

func TestBlock_Validate_VersionAboveMax(t *testing.T) {
	blk := validBlock(t)
	blk.Header.Version = MaxVersion + 1
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBadVersion) {
		t.Errorf("expected ErrBadVersion for version %d, got: %v", MaxVersion+1, err)
	}
}

func TestBlock_Validate_ZeroTimestamp(t *testing.T) {
	blk := validBlock(t)
	blk.Header.Timestamp = 0
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrZeroTimestamp) {
		t.Errorf("expected ErrZeroTimestamp, got: %v", err)
	}
}

func TestBlock_Validate_NoTransactions(t *testing.T) {
	blk := &Block{
		Header: &Header{
			Version:   CurrentVersion,
			Timestamp: 1700000000,
		},
		Transactions: nil,
	}
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrNoTransactions) {
		t.Errorf("expected ErrNoTransactions, got: %v", err)
	}
}

func TestBlock_Validate_BadMerkleRoot(t *testing.T) {
	blk := validBlock(t)
	blk.Header.MerkleRoot = types.Hash{0xde, 0xad} // wrong root
	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBadMerkleRoot) {
		t.Errorf("expected ErrBadMerkleRoot, got: %v", err)
	}
}

func TestBlock_Validate_InvalidTransaction(t *testing.T) {
	var miner types.Address
	miner[0] = 0x01
	coinbase := testCoinbase(miner)

	// An unsigned transfer is structurally invalid.
	var sender, recipient types.Address
	sender[0] = 0x02
	recipient[0] = 0x03
	badTx := tx.NewBuilder(tx.TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, tx.NewAmount(1)).
		SetTimestamp(1700000000).
		Build()

	txs := []*tx.Transaction{coinbase, badTx}
	hashes := []types.Hash{txs[0].ComputeTxID(), txs[1].ComputeTxID()}
	merkle := ComputeMerkleRoot(hashes)

	blk := NewBlock(&Header{
		Version:    CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Index:      1,
	}, txs, miner)

	if err := blk.Validate(time.Now()); err == nil {
		t.Error("block with invalid tx should fail validation")
	}
}

func TestBlock_Validate_MultipleTxs(t *testing.T) {
	key, _ := crypto.GenerateKey()
	var miner types.Address
	miner[0] = 0x01
	coinbase := testCoinbase(miner)

	t1 := signedTransfer(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, tx.Amount(10))
	t2 := signedTransfer(t, key, types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, tx.Amount(20))

	userTxs := []*tx.Transaction{t1, t2}
	sortTxsByTxID(userTxs)

	txs := make([]*tx.Transaction, 0, 3)
	txs = append(txs, coinbase)
	txs = append(txs, userTxs...)

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.ComputeTxID()
	}
	merkle := ComputeMerkleRoot(hashes)

	blk := NewBlock(&Header{
		Version:    CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Index:      5,
	}, txs, miner)

	if err := blk.Validate(time.Unix(1700000000, 0)); err != nil {
		t.Errorf("multi-tx block should validate: %v", err)
	}
}

func TestBlock_Validate_NoCoinbase(t *testing.T) {
	key, _ := crypto.GenerateKey()
	var miner types.Address
	miner[0] = 0x01
	transaction := signedTransfer(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, tx.Amount(10))

	merkle := ComputeMerkleRoot([]types.Hash{transaction.ComputeTxID()})
	blk := NewBlock(&Header{
		Version:    CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Index:      1,
	}, []*tx.Transaction{transaction}, miner)

	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrNoCoinbase) {
		t.Errorf("expected ErrNoCoinbase, got: %v", err)
	}
}

func TestBlock_Validate_BadTxOrder(t *testing.T) {
	key, _ := crypto.GenerateKey()
	var miner types.Address
	miner[0] = 0x01
	coinbase := testCoinbase(miner)

	t1 := signedTransfer(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, tx.Amount(10))
	t2 := signedTransfer(t, key, types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, tx.Amount(20))

	userTxs := []*tx.Transaction{t1, t2}
	sortTxsByTxID(userTxs)
	userTxs[0], userTxs[1] = userTxs[1], userTxs[0] // reverse = wrong order

	txs := make([]*tx.Transaction, 0, 3)
	txs = append(txs, coinbase)
	txs = append(txs, userTxs...)

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.ComputeTxID()
	}
	merkle := ComputeMerkleRoot(hashes)

	blk := NewBlock(&Header{
		Version:    CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Index:      5,
	}, txs, miner)

	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBadTxOrder) {
		t.Errorf("expected ErrBadTxOrder, got: %v", err)
	}
}

func TestHeader_Hash_Deterministic(t *testing.T) {
	h := &Header{
		Version:   1,
		PrevHash:  types.Hash{0x01},
		Timestamp: 1700000000,
		Index:     1,
	}

	h1 := h.Hash()
	h2 := h.Hash()
	if h1 != h2 {
		t.Error("Header.Hash() should be deterministic")
	}
	if h1.IsZero() {
		t.Error("Header.Hash() should not be zero")
	}
}

func TestHeader_Hash_IgnoresSignature(t *testing.T) {
	h := &Header{
		Version:   1,
		PrevHash:  types.Hash{0x01},
		Timestamp: 1700000000,
		Index:     1,
	}
	h1 := h.Hash()

	h.Signature = []byte("some sig data")
	h2 := h.Hash()

	if h1 != h2 {
		t.Error("Header.Hash() should not change when Signature is set")
	}
}

func TestBlock_Validate_TooManyTxs(t *testing.T) {
	var miner types.Address
	miner[0] = 0x01
	coinbase := testCoinbase(miner)

	// Build MaxBlockTxs + 1 transactions. The too-many-txs check fires
	// before per-tx structural validation, so these need not be signed.
	txs := make([]*tx.Transaction, 0, MaxBlockTxs+1)
	txs = append(txs, coinbase)

	for i := 0; i < MaxBlockTxs; i++ {
		var sender types.Address
		sender[0] = byte(i)
		txs = append(txs, tx.NewBuilder(tx.TxTransfer).
			SetSender(sender).
			SetTimestamp(1700000000).
			Build())
	}

	blk := NewBlock(&Header{
		Version:   CurrentVersion,
		Timestamp: 1700000000,
		Index:     1,
	}, txs, miner)

	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrTooManyTxs) {
		t.Errorf("expected ErrTooManyTxs, got: %v", err)
	}
}

func TestBlock_Validate_BlockTooLarge(t *testing.T) {
	var miner types.Address
	miner[0] = 0x01

	coinbase := tx.NewBuilder(tx.TxCoinbase).
		SetTimestamp(1700000000).
		AddOutput(miner, tx.NewAmount(50)).
		SetMetadata("payload", string(make([]byte, MaxBlockSize))).
		Build()

	merkle := ComputeMerkleRoot([]types.Hash{coinbase.ComputeTxID()})

	blk := NewBlock(&Header{
		Version:    CurrentVersion,
		MerkleRoot: merkle,
		Timestamp:  1700000000,
		Index:      1,
	}, []*tx.Transaction{coinbase}, miner)

	err := blk.Validate(time.Now())
	if !errors.Is(err, ErrBlockTooLarge) {
		t.Errorf("expected ErrBlockTooLarge, got: %v", err)
	}
}

func TestBlock_Hash(t *testing.T) {
	blk := validBlock(t)
	h := blk.Hash()
	if h.IsZero() {
		t.Error("Block.Hash() should not be zero")
	}

	blk2 := &Block{}
	if !blk2.Hash().IsZero() {
		t.Error("Block.Hash() with nil header should be zero")
	}
}
