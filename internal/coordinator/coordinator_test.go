package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/labcontrol/labcontrol/internal/backup"
	"github.com/labcontrol/labcontrol/internal/bus"
	"github.com/labcontrol/labcontrol/internal/schema"
	"github.com/labcontrol/labcontrol/internal/store"
)

type fixture struct {
	coord  *Coordinator
	main   *store.MainStore
	cargo  *store.CargoStore
	bus    *bus.Bus
	engine *backup.Engine
}

// setup builds a coordinator over real temp-file stores.
func setup(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	quiet := log.New(io.Discard, "", 0)

	main, err := store.OpenMain(filepath.Join(root, "main.db"))
	if err != nil {
		t.Fatalf("Failed to open main store: %v", err)
	}
	t.Cleanup(func() { _ = main.Close() })
	if err := main.Initialize(); err != nil {
		t.Fatalf("Failed to initialize main store: %v", err)
	}

	cargo, err := store.OpenCargo(filepath.Join(root, "cargo.db"))
	if err != nil {
		t.Fatalf("Failed to open cargo store: %v", err)
	}
	t.Cleanup(func() { _ = cargo.Close() })
	if err := cargo.Initialize(); err != nil {
		t.Fatalf("Failed to initialize cargo store: %v", err)
	}

	b := bus.New()
	engine := backup.New(root, &backup.Config{Logger: quiet})

	return &fixture{
		coord:  New(main, cargo, b, engine, quiet),
		main:   main,
		cargo:  cargo,
		bus:    b,
		engine: engine,
	}
}

func (f *fixture) addPiece(t *testing.T, id, tag string) {
	t.Helper()
	p := &schema.Piece{ID: id, TagID: tag, Type: "press"}
	p.SetDefaults()
	if err := f.cargo.UpsertPiece(p); err != nil {
		t.Fatalf("Failed to add piece: %v", err)
	}
}

func (f *fixture) addAssay(t *testing.T, id, tag string, cycles int, status schema.AssayStatus) {
	t.Helper()
	a := &schema.Assay{
		ID: id, Name: "assay " + id, Protocol: "ASTM-E466",
		PieceTag: tag, Status: status, Cycles: cycles,
	}
	a.SetDefaults()
	if err := f.main.UpsertAssay(a); err != nil {
		t.Fatalf("Failed to add assay: %v", err)
	}
}

// failingCargo wraps a CargoAccess and fails cycle increments on demand.
type failingCargo struct {
	CargoAccess
	failIncrements bool
}

var errSimulated = errors.New("simulated cargo store failure")

func (f *failingCargo) IncrementPieceCycles(ctx context.Context, pieceID string, delta int) error {
	if f.failIncrements {
		return errSimulated
	}
	return f.CargoAccess.IncrementPieceCycles(ctx, pieceID, delta)
}

func TestLinkProtocolToPieceNotFound(t *testing.T) {
	f := setup(t)

	_, err := f.coord.LinkProtocolToPiece(context.Background(), "TAG-404", "ASTM-E466", schema.CycleCold)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLinkProtocolSupersedesPriorLink(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")

	var emitted []bus.ProtocolLinkedPayload
	f.bus.On(bus.ProtocolLinked, func(ev bus.Event) {
		emitted = append(emitted, ev.Payload.(bus.ProtocolLinkedPayload))
	})

	if _, err := f.coord.LinkProtocolToPiece(ctx, "TAG-100", "ASTM-E466", schema.CycleCold); err != nil {
		t.Fatalf("First link failed: %v", err)
	}
	if _, err := f.coord.LinkProtocolToPiece(ctx, "TAG-100", "ISO-1099", schema.CycleHot); err != nil {
		t.Fatalf("Second link failed: %v", err)
	}

	active, err := f.cargo.ListLinks(ctx, store.ListLinksFilter{PieceID: "piece-1", Status: "active"})
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Active links = %d, want exactly 1", len(active))
	}
	if active[0].Protocol != "ISO-1099" {
		t.Errorf("Active protocol = %q, want the newer ISO-1099", active[0].Protocol)
	}

	inactive, err := f.cargo.ListLinks(ctx, store.ListLinksFilter{PieceID: "piece-1", Status: "inactive"})
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(inactive) != 1 {
		t.Errorf("Inactive (superseded) links = %d, want 1", len(inactive))
	}

	if len(emitted) != 2 {
		t.Fatalf("ProtocolLinked events = %d, want 2", len(emitted))
	}
	if emitted[1].Superseded != 1 {
		t.Errorf("Second link superseded = %d, want 1", emitted[1].Superseded)
	}
}

func TestUpdatePieceStatusFromAssay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")

	var events []bus.PieceStatusPayload
	f.bus.On(bus.PieceStatusChanged, func(ev bus.Event) {
		events = append(events, ev.Payload.(bus.PieceStatusPayload))
	})

	// Terminal assay with no active links retires the piece.
	if err := f.coord.UpdatePieceStatusFromAssay(ctx, "TAG-100", schema.AssayCompleted); err != nil {
		t.Fatalf("UpdatePieceStatusFromAssay failed: %v", err)
	}
	p, err := f.cargo.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if p.Status != schema.PieceInactive {
		t.Errorf("Status = %q, want inactive", p.Status)
	}
	if len(events) != 1 || events[0].NewStatus != schema.PieceInactive {
		t.Errorf("Events = %v, want one active->inactive change", events)
	}

	// A running assay brings it back into service.
	if err := f.coord.UpdatePieceStatusFromAssay(ctx, "TAG-100", schema.AssayRunning); err != nil {
		t.Fatalf("UpdatePieceStatusFromAssay failed: %v", err)
	}
	p, _ = f.cargo.GetPieceByTag("TAG-100")
	if p.Status != schema.PieceActive {
		t.Errorf("Status = %q, want active", p.Status)
	}

	// Repeating the same mapping is a no-op and emits nothing new.
	if err := f.coord.UpdatePieceStatusFromAssay(ctx, "TAG-100", schema.AssayRunning); err != nil {
		t.Fatalf("UpdatePieceStatusFromAssay failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Events = %d, want 2 (no event without a change)", len(events))
	}
}

func TestTerminalAssayKeepsPieceWithActiveLink(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")

	if _, err := f.coord.LinkProtocolToPiece(ctx, "TAG-100", "ASTM-E466", schema.CycleCold); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	if err := f.coord.UpdatePieceStatusFromAssay(ctx, "TAG-100", schema.AssayCompleted); err != nil {
		t.Fatalf("UpdatePieceStatusFromAssay failed: %v", err)
	}
	p, err := f.cargo.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if p.Status != schema.PieceActive {
		t.Errorf("Status = %q, want active while a link is still active", p.Status)
	}
}

func TestNotifyAssayCompletionApplied(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addAssay(t, "assay-1", "TAG-100", 250, schema.AssayCompleted)

	var completed []bus.AssayCompletedPayload
	f.bus.On(bus.AssayCompleted, func(ev bus.Event) {
		completed = append(completed, ev.Payload.(bus.AssayCompletedPayload))
	})

	outcome, err := f.coord.NotifyAssayCompletion(ctx, "assay-1", "TAG-100")
	if err != nil {
		t.Fatalf("NotifyAssayCompletion failed: %v", err)
	}
	if outcome != Applied {
		t.Errorf("Outcome = %v, want Applied", outcome)
	}

	p, err := f.cargo.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if p.CycleCount != 250 {
		t.Errorf("CycleCount = %d, want 250", p.CycleCount)
	}
	if len(completed) != 1 || completed[0].Cycles != 250 {
		t.Errorf("AssayCompleted events = %v, want one with 250 cycles", completed)
	}
}

func TestNotifyAssayCompletionUnknownAssay(t *testing.T) {
	f := setup(t)

	outcome, err := f.coord.NotifyAssayCompletion(context.Background(), "assay-404", "TAG-100")
	if outcome != NotApplied {
		t.Errorf("Outcome = %v, want NotApplied", outcome)
	}
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestNotifyAssayCompletionPartialFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addAssay(t, "assay-1", "TAG-100", 250, schema.AssayCompleted)

	failing := &failingCargo{CargoAccess: f.cargo, failIncrements: true}
	coord := New(f.main, failing, f.bus, f.engine, log.New(io.Discard, "", 0))

	var reconEvents []bus.CargoUpdatedPayload
	f.bus.On(bus.CargoUpdated, func(ev bus.Event) {
		reconEvents = append(reconEvents, ev.Payload.(bus.CargoUpdatedPayload))
	})

	outcome, err := coord.NotifyAssayCompletion(ctx, "assay-1", "TAG-100")
	if outcome != PartiallyApplied {
		t.Fatalf("Outcome = %v, want PartiallyApplied", outcome)
	}
	if err == nil {
		t.Fatal("Partial failure must report an error to the caller")
	}

	// The main-store record stays committed.
	if _, err := f.main.GetAssayByID("assay-1"); err != nil {
		t.Errorf("Main-store assay gone after partial failure: %v", err)
	}
	// The cargo store was not touched.
	p, _ := f.cargo.GetPieceByTag("TAG-100")
	if p.CycleCount != 0 {
		t.Errorf("CycleCount = %d after failed write, want 0", p.CycleCount)
	}

	// A reconciliation-flagged event surfaced the gap.
	if len(reconEvents) != 1 {
		t.Fatalf("CargoUpdated events = %d, want 1", len(reconEvents))
	}
	if !reconEvents[0].NeedsReconciliation || reconEvents[0].CycleDelta != 250 {
		t.Errorf("Event = %+v, want reconciliation flag and delta 250", reconEvents[0])
	}
	if coord.PendingReconciliations(ctx) != 1 {
		t.Errorf("Pending = %d, want 1", coord.PendingReconciliations(ctx))
	}

	// Once the cargo store recovers, Reconcile completes the operation.
	failing.failIncrements = false
	applied, remaining := coord.Reconcile(ctx)
	if applied != 1 || remaining != 0 {
		t.Fatalf("Reconcile = (%d applied, %d remaining), want (1, 0)", applied, remaining)
	}

	p, _ = f.cargo.GetPieceByTag("TAG-100")
	if p.CycleCount != 250 {
		t.Errorf("CycleCount after reconcile = %d, want 250", p.CycleCount)
	}
	// The follow-up event carries a cleared flag.
	last := reconEvents[len(reconEvents)-1]
	if last.NeedsReconciliation {
		t.Error("Reconciled event still flagged for reconciliation")
	}
}

func TestReconcileKeepsFailingDeltas(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addAssay(t, "assay-1", "TAG-100", 100, schema.AssayCompleted)

	failing := &failingCargo{CargoAccess: f.cargo, failIncrements: true}
	coord := New(f.main, failing, f.bus, f.engine, log.New(io.Discard, "", 0))

	if outcome, _ := coord.NotifyAssayCompletion(ctx, "assay-1", "TAG-100"); outcome != PartiallyApplied {
		t.Fatalf("Outcome = %v, want PartiallyApplied", outcome)
	}

	// Still failing: the delta stays queued.
	applied, remaining := coord.Reconcile(ctx)
	if applied != 0 || remaining != 1 {
		t.Errorf("Reconcile = (%d, %d), want (0, 1)", applied, remaining)
	}
}

func TestReconcileSurvivesRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addAssay(t, "assay-1", "TAG-100", 250, schema.AssayCompleted)

	// First process: the cargo write fails and the owed cycles are
	// queued durably in the main store.
	failing := &failingCargo{CargoAccess: f.cargo, failIncrements: true}
	first := New(f.main, failing, f.bus, f.engine, log.New(io.Discard, "", 0))
	if outcome, _ := first.NotifyAssayCompletion(ctx, "assay-1", "TAG-100"); outcome != PartiallyApplied {
		t.Fatalf("Outcome = %v, want PartiallyApplied", outcome)
	}

	// Second process: a fresh coordinator over the same stores still
	// sees the queued delta and can complete the transfer.
	second := New(f.main, f.cargo, bus.New(), f.engine, log.New(io.Discard, "", 0))
	if got := second.PendingReconciliations(ctx); got != 1 {
		t.Fatalf("Pending after restart = %d, want 1", got)
	}

	applied, remaining := second.Reconcile(ctx)
	if applied != 1 || remaining != 0 {
		t.Fatalf("Reconcile = (%d, %d), want (1, 0)", applied, remaining)
	}

	p, err := f.cargo.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if p.CycleCount != 250 {
		t.Errorf("CycleCount = %d, want 250", p.CycleCount)
	}
	if got := second.PendingReconciliations(ctx); got != 0 {
		t.Errorf("Pending after reconcile = %d, want 0", got)
	}
}

func TestSyncCargoDataToMain(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addPiece(t, "piece-2", "TAG-200")

	if _, err := f.coord.LinkProtocolToPiece(ctx, "TAG-100", "ASTM-E466", schema.CycleCold); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	summary, err := f.coord.SyncCargoDataToMain(ctx)
	if err != nil {
		t.Fatalf("SyncCargoDataToMain failed: %v", err)
	}
	if len(summary.Pieces) != 2 {
		t.Errorf("Pieces = %d, want 2", len(summary.Pieces))
	}
	if summary.ActiveLinks != 1 {
		t.Errorf("ActiveLinks = %d, want 1", summary.ActiveLinks)
	}

	var linked, unlinked int
	for _, ps := range summary.Pieces {
		if ps.ActiveLink != nil {
			linked++
		} else {
			unlinked++
		}
	}
	if linked != 1 || unlinked != 1 {
		t.Errorf("Linked/unlinked = %d/%d, want 1/1", linked, unlinked)
	}
}

func TestGetUnifiedData(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addPiece(t, "piece-1", "TAG-100")
	f.addAssay(t, "assay-1", "TAG-100", 100, schema.AssayRunning)

	data, err := f.coord.GetUnifiedData(ctx)
	if err != nil {
		t.Fatalf("GetUnifiedData failed: %v", err)
	}
	if len(data.Assays) != 1 || len(data.Pieces) != 1 {
		t.Errorf("Unified data = %d assays, %d pieces; want 1 each", len(data.Assays), len(data.Pieces))
	}
	if data.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
}

func TestCreateUnifiedBackup(t *testing.T) {
	f := setup(t)

	res := f.coord.CreateUnifiedBackup()
	if !res.OK() {
		t.Fatalf("Unified backup failed: main=%q cargo=%q", res.Main.Message, res.Cargo.Message)
	}
	if got := len(f.engine.ListBackups()); got != 2 {
		t.Errorf("ListBackups = %d, want 2 (one per store)", got)
	}
}

func TestCreateUnifiedBackupSecondFails(t *testing.T) {
	f := setup(t)

	// Point the cargo side at a path that does not exist; the main
	// backup must be retained and the failure attributed to cargo only.
	coord := New(f.main, &missingPathCargo{f.cargo}, f.bus, f.engine, log.New(io.Discard, "", 0))

	res := coord.CreateUnifiedBackup()
	if !res.Main.OK {
		t.Errorf("Main backup failed: %s", res.Main.Message)
	}
	if res.Cargo.OK {
		t.Error("Cargo backup succeeded against a missing file")
	}
	if got := len(f.engine.ListBackups()); got != 1 {
		t.Errorf("ListBackups = %d, want 1 retained main backup", got)
	}
}

// missingPathCargo reports a nonexistent backing file.
type missingPathCargo struct {
	CargoAccess
}

func (m *missingPathCargo) Path() string {
	return filepath.Join(os.TempDir(), "labcontrol-definitely-missing", "cargo.db")
}
