// Package coordinator owns the two store handles and the event bus,
// and exposes every operation that must touch both stores.
//
// The stores stay deliberately independent: no transaction and no
// foreign key spans them, so cross-module operations are not atomic.
// Each operation writes to the owning store first and then emits an
// event; when the second store's write fails after the first
// committed, the operation reports a partially-applied outcome and
// queues the gap for reconciliation instead of rolling back.
package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/labcontrol/labcontrol/internal/backup"
	"github.com/labcontrol/labcontrol/internal/bus"
	"github.com/labcontrol/labcontrol/internal/schema"
	"github.com/labcontrol/labcontrol/internal/store"
)

// MainReader is the main-store surface the coordinator consumes.
// *store.MainStore satisfies it.
type MainReader interface {
	GetAssayByIDContext(ctx context.Context, id string) (*schema.Assay, error)
	ListAssaysContext(ctx context.Context, filter store.ListAssaysFilter) ([]*schema.Assay, error)
	ListInventoryContext(ctx context.Context, lowOnly bool) ([]*schema.InventoryItem, error)
	ListCalibrations(ctx context.Context) ([]*schema.Calibration, error)
	ListUsers(ctx context.Context) ([]*schema.User, error)
	EnqueueCargoDelta(ctx context.Context, d *schema.CargoDelta) error
	ListCargoDeltas(ctx context.Context) ([]*schema.CargoDelta, error)
	DeleteCargoDelta(ctx context.Context, id string) error
	Path() string
}

// CargoAccess is the cargo-store surface the coordinator consumes.
// *store.CargoStore satisfies it.
type CargoAccess interface {
	GetPieceByTagContext(ctx context.Context, tagID string) (*schema.Piece, error)
	ListPiecesContext(ctx context.Context, filter store.ListPiecesFilter) ([]*schema.Piece, error)
	InsertLink(ctx context.Context, l *schema.AssayLink) error
	SupersedeActiveLinks(ctx context.Context, pieceID string) (int, error)
	UpdatePieceStatus(ctx context.Context, pieceID string, status schema.PieceStatus) error
	IncrementPieceCycles(ctx context.Context, pieceID string, delta int) error
	ListLinks(ctx context.Context, filter store.ListLinksFilter) ([]*schema.AssayLink, error)
	CountActiveLinks(ctx context.Context, pieceID string) (int, error)
	Path() string
}

// Outcome classifies how far a cross-module operation got.
type Outcome int

const (
	// NotApplied means neither store changed.
	NotApplied Outcome = iota
	// Applied means both stores reflect the operation.
	Applied
	// PartiallyApplied means the first store committed but the second
	// write failed; the gap is queued for reconciliation.
	PartiallyApplied
)

// String returns the outcome's user-facing name.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "fully applied"
	case PartiallyApplied:
		return "partially applied, needs reconciliation"
	default:
		return "not applied"
	}
}

// Coordinator orchestrates the main store, the cargo store, the event
// bus and the backup engine.
//
// Lifecycle: construct with New, operate, then close the stores owned
// by the caller. The coordinator itself holds no file handles.
type Coordinator struct {
	main   MainReader
	cargo  CargoAccess
	bus    *bus.Bus
	engine *backup.Engine
	logger *log.Logger

	// pending holds cycle deltas that could not be persisted to the
	// main store's durable queue. The durable queue is authoritative
	// and survives process restarts; this slice is only the fallback
	// when even that write fails, and it dies with the process.
	pendingMu sync.Mutex
	pending   []*schema.CargoDelta
}

// New creates a coordinator over the given stores. If logger is nil, a
// default stderr logger is used.
func New(main MainReader, cargo CargoAccess, b *bus.Bus, engine *backup.Engine, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		main:   main,
		cargo:  cargo,
		bus:    b,
		engine: engine,
		logger: logger,
	}
}

// Bus returns the coordinator's event bus for consumers that need to
// subscribe (dashboard handler, daemon).
func (c *Coordinator) Bus() *bus.Bus {
	return c.bus
}

// LinkProtocolToPiece associates a test protocol with the piece
// carrying pieceTagID. A prior active link is superseded (set
// inactive), never deleted, so the piece keeps an append-only link
// history with at most one active entry.
//
// Returns store.ErrNotFound (wrapped) if no piece carries the tag.
func (c *Coordinator) LinkProtocolToPiece(ctx context.Context, pieceTagID, protocol string, cycleKind schema.CycleKind) (*schema.AssayLink, error) {
	piece, err := c.cargo.GetPieceByTagContext(ctx, pieceTagID)
	if err != nil {
		return nil, fmt.Errorf("link protocol: %w", err)
	}

	superseded, err := c.cargo.SupersedeActiveLinks(ctx, piece.ID)
	if err != nil {
		return nil, fmt.Errorf("link protocol: %w", err)
	}

	link := &schema.AssayLink{
		ID:         newID("link"),
		PieceID:    piece.ID,
		Protocol:   protocol,
		CycleKind:  cycleKind,
		LinkStatus: schema.LinkActive,
	}
	link.SetDefaults()

	if err := c.cargo.InsertLink(ctx, link); err != nil {
		return nil, fmt.Errorf("link protocol: %w", err)
	}

	c.logger.Printf("Linked protocol %s (%s) to piece %s, superseded %d prior link(s)",
		protocol, cycleKind, pieceTagID, superseded)

	c.bus.Emit(bus.Event{
		Type:   bus.ProtocolLinked,
		Source: bus.ModuleCargo,
		Target: bus.ModuleMain,
		Payload: bus.ProtocolLinkedPayload{
			PieceTag:   pieceTagID,
			Protocol:   protocol,
			CycleKind:  cycleKind,
			LinkID:     link.ID,
			Superseded: superseded,
		},
	})

	return link, nil
}

// UpdatePieceStatusFromAssay maps an assay status onto the piece's
// lifecycle state and writes it to the cargo store. A terminal assay
// marks the piece inactive only when no active link still references
// it; a non-terminal assay keeps (or returns) the piece to active.
//
// Emits PieceStatusChanged when the status actually changed.
func (c *Coordinator) UpdatePieceStatusFromAssay(ctx context.Context, pieceTagID string, assayStatus schema.AssayStatus) error {
	piece, err := c.cargo.GetPieceByTagContext(ctx, pieceTagID)
	if err != nil {
		return fmt.Errorf("update piece status: %w", err)
	}

	newStatus := schema.PieceActive
	if assayStatus.IsTerminal() {
		active, err := c.cargo.CountActiveLinks(ctx, piece.ID)
		if err != nil {
			return fmt.Errorf("update piece status: %w", err)
		}
		if active == 0 {
			newStatus = schema.PieceInactive
		}
	}

	if newStatus == piece.Status {
		return nil
	}

	if err := c.cargo.UpdatePieceStatus(ctx, piece.ID, newStatus); err != nil {
		return fmt.Errorf("update piece status: %w", err)
	}

	c.logger.Printf("Piece %s status: %s -> %s (assay status %s)",
		pieceTagID, piece.Status, newStatus, assayStatus)

	c.bus.Emit(bus.Event{
		Type:   bus.PieceStatusChanged,
		Source: bus.ModuleCargo,
		Target: bus.ModuleMain,
		Payload: bus.PieceStatusPayload{
			PieceTag:  pieceTagID,
			OldStatus: piece.Status,
			NewStatus: newStatus,
		},
	})

	return nil
}

// NotifyAssayCompletion reads the cycles recorded against the assay in
// the main store and adds them to the piece's cumulative count in the
// cargo store. This is the one operation that reads from one store and
// writes to the other.
//
// The main-store record has already committed by the time this runs,
// so a cargo-side failure is never rolled back: the operation returns
// PartiallyApplied, queues the owed cycles for Reconcile, and emits a
// CargoUpdated event flagged for reconciliation.
func (c *Coordinator) NotifyAssayCompletion(ctx context.Context, assayID, pieceTagID string) (Outcome, error) {
	assay, err := c.main.GetAssayByIDContext(ctx, assayID)
	if err != nil {
		return NotApplied, fmt.Errorf("assay completion: %w", err)
	}

	// Everything past this point is the cargo side of the operation;
	// any failure here leaves the main store committed.
	piece, err := c.cargo.GetPieceByTagContext(ctx, pieceTagID)
	if err == nil {
		err = c.cargo.IncrementPieceCycles(ctx, piece.ID, assay.Cycles)
	}
	if err != nil {
		c.queueReconciliation(ctx, pieceTagID, assayID, assay.Cycles, err)
		return PartiallyApplied, fmt.Errorf("assay completion: cargo store write failed, %d cycle(s) queued for reconciliation: %w", assay.Cycles, err)
	}

	c.logger.Printf("Assay %s completed: %d cycle(s) applied to piece %s", assayID, assay.Cycles, pieceTagID)

	c.bus.Emit(bus.Event{
		Type:   bus.AssayCompleted,
		Source: bus.ModuleMain,
		Target: bus.ModuleCargo,
		Payload: bus.AssayCompletedPayload{
			AssayID:  assayID,
			PieceTag: pieceTagID,
			Cycles:   assay.Cycles,
		},
	})

	return Applied, nil
}

// queueReconciliation records an owed cycle delta and surfaces it as a
// reconciliation-flagged CargoUpdated event. The delta goes to the
// main store's durable queue so a later process (the daemon or another
// CLI run) can drain it; memory is the fallback when even that fails.
func (c *Coordinator) queueReconciliation(ctx context.Context, pieceTag, assayID string, cycles int, cause error) {
	d := &schema.CargoDelta{
		ID:       newID("delta"),
		PieceTag: pieceTag,
		AssayID:  assayID,
		Cycles:   cycles,
		QueuedAt: time.Now().UTC(),
	}
	if err := c.main.EnqueueCargoDelta(ctx, d); err != nil {
		c.logger.Printf("Failed to persist reconciliation delta, holding in memory: %v", err)
		c.pendingMu.Lock()
		c.pending = append(c.pending, d)
		c.pendingMu.Unlock()
	}

	c.logger.Printf("Reconciliation queued: piece %s owes %d cycle(s) from assay %s: %v",
		pieceTag, cycles, assayID, cause)

	c.bus.Emit(bus.Event{
		Type:   bus.CargoUpdated,
		Source: bus.ModuleMain,
		Target: bus.ModuleCargo,
		Payload: bus.CargoUpdatedPayload{
			PieceTag:            pieceTag,
			AssayID:             assayID,
			CycleDelta:          cycles,
			NeedsReconciliation: true,
			Reason:              cause.Error(),
		},
	})
}

// PendingReconciliations returns how many cycle deltas are still owed
// to the cargo store, counting both the durable queue and the
// in-memory fallback.
func (c *Coordinator) PendingReconciliations(ctx context.Context) int {
	n := 0
	if deltas, err := c.main.ListCargoDeltas(ctx); err == nil {
		n = len(deltas)
	} else {
		c.logger.Printf("Failed to read reconciliation queue: %v", err)
	}
	c.pendingMu.Lock()
	n += len(c.pending)
	c.pendingMu.Unlock()
	return n
}

// Reconcile retries every queued cycle delta against the cargo store.
// Deltas that apply cleanly are removed and announced with a cleared
// reconciliation flag; deltas that fail again stay queued. The durable
// queue is read fresh from the main store, so gaps recorded by other
// processes are drained too. Returns the number applied and the number
// still pending.
func (c *Coordinator) Reconcile(ctx context.Context) (applied, remaining int) {
	durable, err := c.main.ListCargoDeltas(ctx)
	if err != nil {
		c.logger.Printf("Failed to read reconciliation queue: %v", err)
	}
	for _, d := range durable {
		if !c.applyDelta(ctx, d) {
			remaining++
			continue
		}
		if err := c.main.DeleteCargoDelta(ctx, d.ID); err != nil {
			c.logger.Printf("Failed to remove reconciled delta %s: %v", d.ID, err)
		}
		applied++
	}

	c.pendingMu.Lock()
	memory := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	var stillPending []*schema.CargoDelta
	for _, d := range memory {
		if c.applyDelta(ctx, d) {
			applied++
			continue
		}
		stillPending = append(stillPending, d)
	}

	c.pendingMu.Lock()
	c.pending = append(stillPending, c.pending...)
	remaining += len(c.pending)
	c.pendingMu.Unlock()
	return applied, remaining
}

// applyDelta attempts one owed cycle transfer against the cargo store
// and announces success with a cleared reconciliation flag.
func (c *Coordinator) applyDelta(ctx context.Context, d *schema.CargoDelta) bool {
	piece, err := c.cargo.GetPieceByTagContext(ctx, d.PieceTag)
	if err == nil {
		err = c.cargo.IncrementPieceCycles(ctx, piece.ID, d.Cycles)
	}
	if err != nil {
		c.logger.Printf("Reconciliation still failing for piece %s: %v", d.PieceTag, err)
		return false
	}

	c.logger.Printf("Reconciled %d cycle(s) to piece %s (assay %s)", d.Cycles, d.PieceTag, d.AssayID)
	c.bus.Emit(bus.Event{
		Type:   bus.CargoUpdated,
		Source: bus.ModuleMain,
		Target: bus.ModuleCargo,
		Payload: bus.CargoUpdatedPayload{
			PieceTag:   d.PieceTag,
			AssayID:    d.AssayID,
			CycleDelta: d.Cycles,
			Reason:     "reconciled",
		},
	})
	return true
}

// PieceState pairs a piece with its currently active link, if any.
type PieceState struct {
	Piece      *schema.Piece     `json:"piece" yaml:"piece"`
	ActiveLink *schema.AssayLink `json:"active_link,omitempty" yaml:"active_link,omitempty"`
}

// CargoSummary is the read-only aggregation SyncCargoDataToMain
// returns for the main-store-facing UI.
type CargoSummary struct {
	Pieces      []PieceState `json:"pieces" yaml:"pieces"`
	ActiveLinks int          `json:"active_links" yaml:"active_links"`
	TotalCycles int          `json:"total_cycles" yaml:"total_cycles"`
}

// SyncCargoDataToMain aggregates all pieces and their active links
// into a shape the main-store-facing UI can render. Performs no writes.
func (c *Coordinator) SyncCargoDataToMain(ctx context.Context) (*CargoSummary, error) {
	pieces, err := c.cargo.ListPiecesContext(ctx, store.ListPiecesFilter{})
	if err != nil {
		return nil, fmt.Errorf("cargo sync: %w", err)
	}
	links, err := c.cargo.ListLinks(ctx, store.ListLinksFilter{Status: string(schema.LinkActive)})
	if err != nil {
		return nil, fmt.Errorf("cargo sync: %w", err)
	}

	activeByPiece := make(map[string]*schema.AssayLink, len(links))
	for _, l := range links {
		activeByPiece[l.PieceID] = l
	}

	summary := &CargoSummary{ActiveLinks: len(links)}
	for _, p := range pieces {
		summary.Pieces = append(summary.Pieces, PieceState{
			Piece:      p,
			ActiveLink: activeByPiece[p.ID],
		})
		summary.TotalCycles += p.CycleCount
	}
	return summary, nil
}

// UnifiedData merges a full read of both stores for initial UI load
// and for report export.
type UnifiedData struct {
	GeneratedAt  time.Time               `json:"generated_at" yaml:"generated_at"`
	Assays       []*schema.Assay         `json:"assays" yaml:"assays"`
	Inventory    []*schema.InventoryItem `json:"inventory" yaml:"inventory"`
	Calibrations []*schema.Calibration   `json:"calibrations" yaml:"calibrations"`
	Users        []*schema.User          `json:"users" yaml:"users"`
	Pieces       []*schema.Piece         `json:"pieces" yaml:"pieces"`
	Links        []*schema.AssayLink     `json:"links" yaml:"links"`
}

// GetUnifiedData reads both stores in full. It never partially
// succeeds: if either store read fails, the whole call fails with the
// failing store named in the error.
func (c *Coordinator) GetUnifiedData(ctx context.Context) (*UnifiedData, error) {
	assays, err := c.main.ListAssaysContext(ctx, store.ListAssaysFilter{})
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}
	inventory, err := c.main.ListInventoryContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}
	calibrations, err := c.main.ListCalibrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}
	users, err := c.main.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}

	pieces, err := c.cargo.ListPiecesContext(ctx, store.ListPiecesFilter{})
	if err != nil {
		return nil, fmt.Errorf("cargo store: %w", err)
	}
	links, err := c.cargo.ListLinks(ctx, store.ListLinksFilter{})
	if err != nil {
		return nil, fmt.Errorf("cargo store: %w", err)
	}

	return &UnifiedData{
		GeneratedAt:  time.Now().UTC(),
		Assays:       assays,
		Inventory:    inventory,
		Calibrations: calibrations,
		Users:        users,
		Pieces:       pieces,
		Links:        links,
	}, nil
}

// UnifiedBackupResult reports the per-store outcome of a unified backup.
type UnifiedBackupResult struct {
	Main  backup.Result
	Cargo backup.Result
}

// OK reports whether both stores were backed up.
func (r UnifiedBackupResult) OK() bool {
	return r.Main.OK && r.Cargo.OK
}

// CreateUnifiedBackup snapshots both stores' backing files in
// sequence. A backup that succeeded is retained even when the other
// fails; each failure is reported against its own store only.
func (c *Coordinator) CreateUnifiedBackup() UnifiedBackupResult {
	return UnifiedBackupResult{
		Main:  c.engine.CreateBackup(c.main.Path()),
		Cargo: c.engine.CreateBackup(c.cargo.Path()),
	}
}

// newID returns a prefixed random identifier.
func newID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + hex.EncodeToString(b)
}
