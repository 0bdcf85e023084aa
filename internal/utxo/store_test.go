package utxo

import (
	"testing"

	"github.com/ledgerforge/corechain/internal/storage"
	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/tx"
	"github.com/ledgerforge/corechain/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemory())
}

func makeOutpoint(data string, index uint32) types.Outpoint {
	return types.Outpoint{
		TxID:  crypto.Hash([]byte(data)),
		Index: index,
	}
}

func makeAddr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func makeUTXO(data string, index uint32, amount uint64) *UTXO {
	return &UTXO{
		Outpoint: makeOutpoint(data, index),
		Owner:    makeAddr(0x01),
		Amount:   amount,
		Height:   1,
	}
}

func TestStore_PutAndGet(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 5000)

	if err := s.Put(u); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(u.Outpoint)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if got.Amount != u.Amount {
		t.Errorf("Amount = %d, want %d", got.Amount, u.Amount)
	}
	if got.Outpoint != u.Outpoint {
		t.Error("Outpoint mismatch")
	}
	if got.Height != u.Height {
		t.Errorf("Height = %d, want %d", got.Height, u.Height)
	}
}

func TestStore_GetNonexistent(t *testing.T) {
	s := testStore(t)

	if _, err := s.Get(makeOutpoint("missing", 0)); err == nil {
		t.Error("Get() for nonexistent UTXO should return error")
	}
}

func TestStore_Has(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	if ok, _ := s.Has(u.Outpoint); ok {
		t.Error("Has() should be false before Put()")
	}

	s.Put(u)

	ok, err := s.Has(u.Outpoint)
	if err != nil {
		t.Fatalf("Has() error: %v", err)
	}
	if !ok {
		t.Error("Has() should be true after Put()")
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	u := makeUTXO("tx1", 0, 1000)

	s.Put(u)

	if err := s.Delete(u.Outpoint); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if ok, _ := s.Has(u.Outpoint); ok {
		t.Error("UTXO should be gone after Delete()")
	}
}

func TestStore_MultipleOutputs(t *testing.T) {
	s := testStore(t)

	u0 := makeUTXO("tx1", 0, 1000)
	u1 := makeUTXO("tx1", 1, 2000)
	u2 := makeUTXO("tx1", 2, 3000)

	s.Put(u0)
	s.Put(u1)
	s.Put(u2)

	got0, _ := s.Get(u0.Outpoint)
	got1, _ := s.Get(u1.Outpoint)
	got2, _ := s.Get(u2.Outpoint)

	if got0.Amount != 1000 || got1.Amount != 2000 || got2.Amount != 3000 {
		t.Error("amounts mismatch for multi-output tx")
	}

	s.Delete(u1.Outpoint)

	if ok, _ := s.Has(u1.Outpoint); ok {
		t.Error("deleted output should be gone")
	}

	ok0, _ := s.Has(u0.Outpoint)
	ok2, _ := s.Has(u2.Outpoint)
	if !ok0 || !ok2 {
		t.Error("non-deleted outputs should remain")
	}
}

func TestStore_ImplementsSet(t *testing.T) {
	var _ Set = (*Store)(nil)
}

func TestStore_GetUTXO_ImplementsProvider(t *testing.T) {
	var _ tx.UTXOProvider = (*Store)(nil)
}

func TestStore_GetByAddress(t *testing.T) {
	s := testStore(t)
	addr := makeAddr(0xaa)

	u1 := &UTXO{Outpoint: makeOutpoint("t1", 0), Owner: addr, Amount: 100}
	u2 := &UTXO{Outpoint: makeOutpoint("t2", 0), Owner: addr, Amount: 200}
	other := &UTXO{Outpoint: makeOutpoint("t3", 0), Owner: makeAddr(0xbb), Amount: 300}

	s.Put(u1)
	s.Put(u2)
	s.Put(other)

	got, err := s.GetByAddress(addr)
	if err != nil {
		t.Fatalf("GetByAddress: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAddress returned %d, want 2", len(got))
	}
}

func TestStore_Balance(t *testing.T) {
	s := testStore(t)
	addr := makeAddr(0xaa)

	s.Put(&UTXO{Outpoint: makeOutpoint("t1", 0), Owner: addr, Amount: 100})
	s.Put(&UTXO{Outpoint: makeOutpoint("t2", 0), Owner: addr, Amount: 200})

	bal, err := s.Balance(addr)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 300 {
		t.Errorf("Balance = %d, want 300", bal)
	}
}

func TestStore_ApplyTransaction_Transfer(t *testing.T) {
	s := testStore(t)
	sender := makeAddr(0x01)
	recipient := makeAddr(0x02)

	in := makeOutpoint("funding", 0)
	s.Put(&UTXO{Outpoint: in, Owner: sender, Amount: 1000, Height: 1})

	transaction := &tx.Transaction{
		TxID:      crypto.Hash([]byte("spend")),
		Sender:    sender,
		Recipient: recipient,
		Amount:    tx.Amount(600),
		Fee:       10,
		Inputs:    []tx.Input{{PrevOut: in}},
		Outputs: []tx.Output{
			{Address: recipient, Amount: 600},
			{Address: sender, Amount: 390},
		},
	}

	if err := s.ApplyTransaction(transaction, 2, false); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	if ok, _ := s.Has(in); ok {
		t.Error("spent input should be removed")
	}

	recipientBal, _ := s.Balance(recipient)
	if recipientBal != 600 {
		t.Errorf("recipient balance = %d, want 600", recipientBal)
	}

	senderBal, _ := s.Balance(sender)
	if senderBal != 390 {
		t.Errorf("sender (change) balance = %d, want 390", senderBal)
	}
}

func TestStore_ApplyTransaction_UnknownInput(t *testing.T) {
	s := testStore(t)

	transaction := &tx.Transaction{
		TxID:   crypto.Hash([]byte("bad")),
		Sender: makeAddr(0x01),
		Inputs: []tx.Input{{PrevOut: makeOutpoint("nonexistent", 0)}},
	}

	err := s.ApplyTransaction(transaction, 1, false)
	if err == nil {
		t.Fatal("ApplyTransaction with unknown input should fail")
	}
}

func TestStore_ApplyTransaction_AmountMismatch(t *testing.T) {
	s := testStore(t)
	sender := makeAddr(0x01)

	in := makeOutpoint("funding", 0)
	s.Put(&UTXO{Outpoint: in, Owner: sender, Amount: 100})

	transaction := &tx.Transaction{
		TxID:    crypto.Hash([]byte("overspend")),
		Sender:  sender,
		Amount:  tx.Amount(500),
		Fee:     10,
		Inputs:  []tx.Input{{PrevOut: in}},
		Outputs: []tx.Output{{Address: sender, Amount: 500}},
	}

	err := s.ApplyTransaction(transaction, 1, false)
	if err == nil {
		t.Fatal("ApplyTransaction with insufficient inputs should fail")
	}
}

func TestStore_ApplyTransaction_Coinbase(t *testing.T) {
	s := testStore(t)
	recipient := makeAddr(0x02)

	transaction := &tx.Transaction{
		TxID:      crypto.Hash([]byte("coinbase-1")),
		TxType:    tx.TxCoinbase,
		Recipient: recipient,
		Amount:    tx.Amount(50000),
		Outputs:   []tx.Output{{Address: recipient, Amount: 50000}},
	}

	if err := s.ApplyTransaction(transaction, 1, true); err != nil {
		t.Fatalf("ApplyTransaction(coinbase): %v", err)
	}

	bal, _ := s.Balance(recipient)
	if bal != 50000 {
		t.Errorf("balance = %d, want 50000", bal)
	}

	u, err := s.Get(types.Outpoint{TxID: transaction.TxID, Index: 0})
	if err != nil {
		t.Fatalf("Get coinbase output: %v", err)
	}
	if !u.Coinbase {
		t.Error("coinbase output should be flagged Coinbase")
	}
}

func TestStore_RevertTransaction(t *testing.T) {
	s := testStore(t)
	sender := makeAddr(0x01)
	recipient := makeAddr(0x02)

	in := makeOutpoint("funding", 0)
	spentUTXO := &UTXO{Outpoint: in, Owner: sender, Amount: 1000, Height: 1}
	s.Put(spentUTXO)

	transaction := &tx.Transaction{
		TxID:      crypto.Hash([]byte("spend")),
		Sender:    sender,
		Recipient: recipient,
		Amount:    tx.Amount(1000),
		Inputs:    []tx.Input{{PrevOut: in}},
		Outputs:   []tx.Output{{Address: recipient, Amount: 1000}},
	}

	if err := s.ApplyTransaction(transaction, 2, false); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}

	if err := s.RevertTransaction(transaction, []*UTXO{spentUTXO}); err != nil {
		t.Fatalf("RevertTransaction: %v", err)
	}

	if ok, _ := s.Has(in); !ok {
		t.Error("reverted input should be restored")
	}
	if ok, _ := s.Has(types.Outpoint{TxID: transaction.TxID, Index: 0}); ok {
		t.Error("reverted output should be removed")
	}
}

func TestStore_TotalCirculatingSupply(t *testing.T) {
	s := testStore(t)
	s.Put(&UTXO{Outpoint: makeOutpoint("t1", 0), Amount: 100})
	s.Put(&UTXO{Outpoint: makeOutpoint("t2", 0), Amount: 200})

	total, err := s.TotalCirculatingSupply()
	if err != nil {
		t.Fatalf("TotalCirculatingSupply: %v", err)
	}
	if total != 300 {
		t.Errorf("total = %d, want 300", total)
	}
}

func TestStore_SnapshotAndRestore(t *testing.T) {
	s := testStore(t)
	s.Put(&UTXO{Outpoint: makeOutpoint("t1", 0), Owner: makeAddr(0x01), Amount: 100})
	s.Put(&UTXO{Outpoint: makeOutpoint("t2", 0), Owner: makeAddr(0x02), Amount: 200})

	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.TotalUTXOs != 2 || snap.TotalValue != 300 {
		t.Fatalf("snapshot totals wrong: %+v", snap)
	}

	dest := testStore(t)
	if err := dest.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	total, _ := dest.TotalCirculatingSupply()
	if total != 300 {
		t.Errorf("restored total = %d, want 300", total)
	}
}

func TestStore_Restore_CorruptSnapshot(t *testing.T) {
	s := testStore(t)
	snap := &Snapshot{
		UTXOs:         []*UTXO{{Outpoint: makeOutpoint("t1", 0), Amount: 100}},
		IntegrityHash: types.Hash{0xff}, // wrong on purpose
	}
	if err := s.Restore(snap); err == nil {
		t.Error("Restore with mismatched integrity hash should fail")
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := testStore(t)
	s.Put(&UTXO{Outpoint: makeOutpoint("t1", 0), Owner: makeAddr(0x01), Amount: 100})

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	total, _ := s.TotalCirculatingSupply()
	if total != 0 {
		t.Errorf("total after ClearAll = %d, want 0", total)
	}
}
