package events

import "testing"

func TestBus_PublishDeliversToTypedSubscriber(t *testing.T) {
	b := New()
	var got Event
	count := 0
	b.Subscribe(BlockAdded, func(ev Event) {
		got = ev
		count++
	})
	b.Subscribe(TxAdmitted, func(ev Event) {
		t.Error("tx_admitted handler should not fire for block_added")
	})

	b.Publish(Event{Type: BlockAdded, Height: 5})

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if got.Height != 5 {
		t.Errorf("expected height 5, got %d", got.Height)
	}
}

func TestBus_SubscribeAllReceivesEveryType(t *testing.T) {
	b := New()
	var seen []Type
	b.SubscribeAll(func(ev Event) {
		seen = append(seen, ev.Type)
	})

	b.Publish(Event{Type: BlockAdded})
	b.Publish(Event{Type: TxRejected, Reason: "invalid"})

	if len(seen) != 2 || seen[0] != BlockAdded || seen[1] != TxRejected {
		t.Fatalf("unexpected subscribe-all deliveries: %v", seen)
	}
}

func TestBus_PublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	b := New()
	b.Publish(Event{Type: NeedBlock})
}
