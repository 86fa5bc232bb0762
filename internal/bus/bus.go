// Package bus provides the in-process event bus that connects the two
// stores' change handlers.
//
// The bus is pure in-memory fan-out: no persistence, no network, no
// delivery across process restarts. If a consumer is unavailable the
// event is simply dropped; cross-store gaps caused by dropped events
// are surfaced through the coordinator's reconciliation path instead.
package bus

import (
	"sync"
	"time"

	"github.com/labcontrol/labcontrol/internal/schema"
)

// EventType identifies one kind of cross-module event.
type EventType string

const (
	// PieceStatusChanged fires when a piece moves between active and inactive.
	PieceStatusChanged EventType = "piece_status_changed"
	// AssayCompleted fires when a main-store assay reaches a terminal
	// state and its cycles were applied to the cargo store.
	AssayCompleted EventType = "assay_completed"
	// ProtocolLinked fires when a protocol is linked to a piece.
	ProtocolLinked EventType = "protocol_linked"
	// CargoUpdated fires when cargo state changed outside the normal
	// flow, including the reconciliation-flagged partial-failure case.
	CargoUpdated EventType = "cargo_updated"
)

// Module identifies which store an event originates from or targets.
type Module string

const (
	ModuleMain  Module = "main"
	ModuleCargo Module = "cargo"
)

// Payload is the closed set of event payloads. Each event type carries
// exactly one payload variant; there is no untyped data field.
type Payload interface {
	isPayload()
}

// PieceStatusPayload accompanies PieceStatusChanged.
type PieceStatusPayload struct {
	PieceTag  string
	OldStatus schema.PieceStatus
	NewStatus schema.PieceStatus
}

// AssayCompletedPayload accompanies AssayCompleted.
type AssayCompletedPayload struct {
	AssayID  string
	PieceTag string
	Cycles   int
}

// ProtocolLinkedPayload accompanies ProtocolLinked.
type ProtocolLinkedPayload struct {
	PieceTag   string
	Protocol   string
	CycleKind  schema.CycleKind
	LinkID     string
	Superseded int // prior active links set inactive by this link
}

// CargoUpdatedPayload accompanies CargoUpdated.
//
// NeedsReconciliation marks the partial-failure case: the main store
// committed but the cargo write did not, and CycleDelta is still owed
// to the piece.
type CargoUpdatedPayload struct {
	PieceTag            string
	AssayID             string
	CycleDelta          int
	NeedsReconciliation bool
	Reason              string
}

func (PieceStatusPayload) isPayload()    {}
func (AssayCompletedPayload) isPayload() {}
func (ProtocolLinkedPayload) isPayload() {}
func (CargoUpdatedPayload) isPayload()   {}

// Event is one cross-module notification. Events are transient; they
// exist only on the bus and are never persisted.
type Event struct {
	Type      EventType
	Source    Module
	Target    Module
	Payload   Payload
	Timestamp time.Time
	Actor     string
}

// Handler consumes one event. Handlers that perform I/O manage their
// own completion signaling; the bus only guarantees they are started
// before Emit returns.
type Handler func(Event)

// Subscription is the token returned by On and accepted by Off.
// Go function values are not comparable, so unsubscription works
// through the token rather than the handler itself.
type Subscription struct {
	eventType EventType
	id        uint64
}

// Bus is an in-process typed publish/subscribe fan-out.
//
// The zero value is not usable; call New.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[EventType][]entry
}

type entry struct {
	id      uint64
	handler Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]entry)}
}

// On registers a handler for one event type and returns its
// subscription token. Handlers fire in registration order.
func (b *Bus) On(t EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[t] = append(b.handlers[t], entry{id: b.nextID, handler: h})
	return &Subscription{eventType: t, id: b.nextID}
}

// Off removes a previously registered handler. Passing nil or a token
// that is no longer registered is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.eventType]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.eventType] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all handlers registered for its type, in
// registration order. Every handler has been started (and, for
// non-blocking handlers, finished) before Emit returns. Emitting a
// type with no handlers drops the event silently.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	entries := make([]entry, len(b.handlers[ev.Type]))
	copy(entries, b.handlers[ev.Type])
	b.mu.Unlock()

	// Handlers run outside the lock so they may subscribe, unsubscribe
	// or emit without deadlocking.
	for _, e := range entries {
		e.handler(ev)
	}
}

// HandlerCount returns the number of handlers registered for a type.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[t])
}
