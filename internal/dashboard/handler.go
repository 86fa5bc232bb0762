// Event-to-message bridging between the coordinator's bus and the
// WebSocket server.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/labcontrol/labcontrol/internal/bus"
	"github.com/labcontrol/labcontrol/internal/coordinator"
)

// Handler subscribes to cross-module events and pushes the matching
// dashboard messages. It bridges between the in-process bus and the
// WebSocket server.
type Handler struct {
	server *Server
	coord  *coordinator.Coordinator
	logger *log.Logger

	subs []*bus.Subscription
}

// NewHandler creates a handler connected to a dashboard server.
func NewHandler(server *Server, coord *coordinator.Coordinator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		coord:  coord,
		logger: logger,
	}
}

// Subscribe registers for every cross-module event type and arranges
// for each newly connected client to receive a full loadData payload.
// Each event becomes a forceDataRefresh push naming the target store.
func (h *Handler) Subscribe() {
	b := h.coord.Bus()

	h.server.SetOnConnect(func() {
		_ = h.PushLoadData(context.Background())
	})

	refresh := func(reason string) bus.Handler {
		return func(ev bus.Event) {
			h.server.ForceRefresh(string(ev.Target), reason)
		}
	}

	h.subs = append(h.subs,
		b.On(bus.ProtocolLinked, refresh("protocol linked")),
		b.On(bus.PieceStatusChanged, refresh("piece status changed")),
		b.On(bus.AssayCompleted, refresh("assay completed")),
		b.On(bus.CargoUpdated, func(ev bus.Event) {
			p, ok := ev.Payload.(bus.CargoUpdatedPayload)
			reason := "cargo updated"
			if ok && p.NeedsReconciliation {
				reason = "cargo updated, needs reconciliation"
			}
			h.server.ForceRefresh(string(ev.Target), reason)
		}),
	)
}

// Unsubscribe removes all bus registrations and the connect hook.
// Safe to call repeatedly.
func (h *Handler) Unsubscribe() {
	h.server.SetOnConnect(nil)
	b := h.coord.Bus()
	for _, sub := range h.subs {
		b.Off(sub)
	}
	h.subs = nil
}

// PushLoadData reads both stores and pushes the full unified payload.
// Used for initial UI population after a client connects.
func (h *Handler) PushLoadData(ctx context.Context) error {
	data, err := h.coord.GetUnifiedData(ctx)
	if err != nil {
		h.logger.Printf("Failed to build loadData payload: %v", err)
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal loadData payload: %v", err)
		return err
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeLoadData,
		Timestamp: time.Now(),
		Data:      raw,
	})
	return nil
}
