package bus

import (
	"testing"

	"github.com/labcontrol/labcontrol/internal/schema"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := New()

	var order []string
	b.On(ProtocolLinked, func(ev Event) { order = append(order, "first") })
	b.On(ProtocolLinked, func(ev Event) { order = append(order, "second") })
	b.On(ProtocolLinked, func(ev Event) { order = append(order, "third") })

	b.Emit(Event{
		Type:    ProtocolLinked,
		Source:  ModuleCargo,
		Target:  ModuleMain,
		Payload: ProtocolLinkedPayload{PieceTag: "TAG-100", Protocol: "ASTM-E466"},
	})

	if len(order) != 3 {
		t.Fatalf("Delivered to %d handlers, want 3", len(order))
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestEmitOnlyMatchingType(t *testing.T) {
	b := New()

	var got int
	b.On(PieceStatusChanged, func(ev Event) { got++ })

	b.Emit(Event{Type: AssayCompleted, Payload: AssayCompletedPayload{AssayID: "a-1"}})
	if got != 0 {
		t.Errorf("Handler fired for non-matching type")
	}

	b.Emit(Event{Type: PieceStatusChanged, Payload: PieceStatusPayload{
		PieceTag:  "TAG-100",
		OldStatus: schema.PieceActive,
		NewStatus: schema.PieceInactive,
	}})
	if got != 1 {
		t.Errorf("Handler fired %d times, want 1", got)
	}
}

func TestEmitWithNoHandlersIsDropped(t *testing.T) {
	b := New()
	// Must not panic or block.
	b.Emit(Event{Type: CargoUpdated, Payload: CargoUpdatedPayload{PieceTag: "TAG-1"}})
}

func TestOff(t *testing.T) {
	b := New()

	var firstFired, secondFired int
	sub := b.On(CargoUpdated, func(ev Event) { firstFired++ })
	b.On(CargoUpdated, func(ev Event) { secondFired++ })

	b.Off(sub)
	b.Emit(Event{Type: CargoUpdated, Payload: CargoUpdatedPayload{}})

	if firstFired != 0 {
		t.Errorf("Unsubscribed handler fired %d times", firstFired)
	}
	if secondFired != 1 {
		t.Errorf("Remaining handler fired %d times, want 1", secondFired)
	}

	// Off on an already-removed or nil token is a no-op.
	b.Off(sub)
	b.Off(nil)

	if b.HandlerCount(CargoUpdated) != 1 {
		t.Errorf("HandlerCount = %d, want 1", b.HandlerCount(CargoUpdated))
	}
}

func TestEmitSetsTimestamp(t *testing.T) {
	b := New()

	var sawZero bool
	b.On(AssayCompleted, func(ev Event) { sawZero = ev.Timestamp.IsZero() })

	b.Emit(Event{Type: AssayCompleted, Payload: AssayCompletedPayload{AssayID: "a-1"}})
	if sawZero {
		t.Error("Emit delivered a zero timestamp")
	}
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	b := New()

	var sub *Subscription
	var fired int
	sub = b.On(ProtocolLinked, func(ev Event) {
		fired++
		b.Off(sub)
	})

	ev := Event{Type: ProtocolLinked, Payload: ProtocolLinkedPayload{}}
	b.Emit(ev)
	b.Emit(ev)

	if fired != 1 {
		t.Errorf("Self-unsubscribing handler fired %d times, want 1", fired)
	}
}

func TestPayloadVariants(t *testing.T) {
	b := New()

	var payload Payload
	b.On(CargoUpdated, func(ev Event) { payload = ev.Payload })

	b.Emit(Event{
		Type:   CargoUpdated,
		Source: ModuleMain,
		Target: ModuleCargo,
		Payload: CargoUpdatedPayload{
			PieceTag:            "TAG-100",
			AssayID:             "a-1",
			CycleDelta:          250,
			NeedsReconciliation: true,
			Reason:              "cargo store write failed",
		},
	})

	p, ok := payload.(CargoUpdatedPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want CargoUpdatedPayload", payload)
	}
	if !p.NeedsReconciliation || p.CycleDelta != 250 {
		t.Errorf("Payload = %+v, want reconciliation flag and delta 250", p)
	}
}
