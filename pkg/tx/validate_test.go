package tx

import (
	"errors"
	"testing"
	"time"

	"github.com/ledgerforge/corechain/pkg/crypto"
	"github.com/ledgerforge/corechain/pkg/types"
)

func TestValidate_RejectsUnsignedTransfer(t *testing.T) {
	var sender, recipient types.Address
	sender[0] = 1
	recipient[0] = 2
	transaction := NewBuilder(TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, NewAmount(1)).
		SetFee(Amount(1)).
		SetTimestamp(time.Now().Unix()).
		AddOutput(recipient, NewAmount(1)).
		Build()

	err := transaction.Validate(time.Now())
	if !errors.Is(err, ErrMissingPubKey) {
		t.Fatalf("expected ErrMissingPubKey, got %v", err)
	}
}

func TestValidate_TimestampOutOfRange(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.AddressFromPubKey(key.PublicKey())
	var recipient types.Address
	recipient[0] = 2

	b := NewBuilder(TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, NewAmount(1)).
		SetFee(Amount(1)).
		SetTimestamp(time.Now().Add(-time.Hour).Unix()).
		AddOutput(recipient, NewAmount(1))
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	transaction := b.Build()

	if err := transaction.Validate(time.Now()); !errors.Is(err, ErrTimestampOutOfRange) {
		t.Fatalf("expected ErrTimestampOutOfRange, got %v", err)
	}
}

func TestValidate_DuplicateInput(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.AddressFromPubKey(key.PublicKey())
	var recipient types.Address
	recipient[0] = 2
	outpoint := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}

	b := NewBuilder(TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, NewAmount(1)).
		SetFee(Amount(1)).
		SetTimestamp(time.Now().Unix()).
		AddInput(outpoint).
		AddInput(outpoint).
		AddOutput(recipient, NewAmount(1))
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	transaction := b.Build()

	if err := transaction.Validate(time.Now()); !errors.Is(err, ErrDuplicateInput) {
		t.Fatalf("expected ErrDuplicateInput, got %v", err)
	}
}

func TestVerifySignature_RejectsTamperedAmount(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.AddressFromPubKey(key.PublicKey())
	var recipient types.Address
	recipient[0] = 2

	b := NewBuilder(TxTransfer).
		SetSender(sender).
		SetRecipient(recipient, NewAmount(1)).
		SetFee(Amount(1)).
		SetTimestamp(time.Now().Unix())
	if err := b.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	transaction := b.Build()

	transaction.Amount = NewAmount(1000)
	if err := transaction.VerifySignature(); err == nil {
		t.Fatal("expected signature verification to fail after tampering")
	}
}

func TestVerifySignature_GenesisSenderExempt(t *testing.T) {
	var recipient types.Address
	recipient[0] = 2
	transaction := NewBuilder(TxTransfer).
		SetSender(GenesisSenderAddress).
		SetRecipient(recipient, NewAmount(1)).
		SetFee(0).
		SetTimestamp(time.Now().Unix()).
		Build()

	if err := transaction.VerifySignature(); err != nil {
		t.Fatalf("GENESIS sender should be exempt from signature checks: %v", err)
	}
}
