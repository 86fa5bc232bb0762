package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/labcontrol/labcontrol/internal/schema"
)

// setupCargoStore creates a cargo store backed by a temp file.
func setupCargoStore(t *testing.T) *CargoStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cargo.db")
	c, err := OpenCargo(path)
	if err != nil {
		t.Fatalf("Failed to open cargo store: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Initialize(); err != nil {
		t.Fatalf("Failed to initialize cargo store: %v", err)
	}
	return c
}

func testPiece(id, tag string) *schema.Piece {
	p := &schema.Piece{
		ID:    id,
		TagID: tag,
		Type:  "press",
	}
	p.SetDefaults()
	return p
}

func testLink(id, pieceID string, status schema.LinkStatus) *schema.AssayLink {
	l := &schema.AssayLink{
		ID:         id,
		PieceID:    pieceID,
		Protocol:   "ASTM-E466",
		CycleKind:  schema.CycleCold,
		LinkStatus: status,
	}
	l.SetDefaults()
	return l
}

func TestUpsertAndGetPieceByTag(t *testing.T) {
	c := setupCargoStore(t)

	p := testPiece("piece-1", "TAG-100")
	if err := c.UpsertPiece(p); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}

	got, err := c.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if got.ID != "piece-1" || got.Status != schema.PieceActive {
		t.Errorf("Piece = %+v, want piece-1/active", got)
	}

	_, err = c.GetPieceByTag("TAG-404")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Unknown tag: expected ErrNotFound, got %v", err)
	}
}

func TestListPiecesFilters(t *testing.T) {
	c := setupCargoStore(t)

	for i := 1; i <= 3; i++ {
		p := testPiece(fmt.Sprintf("piece-%d", i), fmt.Sprintf("TAG-%d", i))
		if i == 3 {
			p.Type = "chamber"
			p.Status = schema.PieceInactive
		}
		if err := c.UpsertPiece(p); err != nil {
			t.Fatalf("UpsertPiece failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ListPiecesFilter
		want   int
	}{
		{"all", ListPiecesFilter{}, 3},
		{"active only", ListPiecesFilter{Status: "active"}, 2},
		{"by type", ListPiecesFilter{Type: "chamber"}, 1},
		{"limit", ListPiecesFilter{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ListPieces(tt.filter)
			if err != nil {
				t.Fatalf("ListPieces failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestUpdatePieceStatus(t *testing.T) {
	c := setupCargoStore(t)
	ctx := context.Background()

	if err := c.UpsertPiece(testPiece("piece-1", "TAG-100")); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}

	if err := c.UpdatePieceStatus(ctx, "piece-1", schema.PieceInactive); err != nil {
		t.Fatalf("UpdatePieceStatus failed: %v", err)
	}
	got, err := c.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if got.Status != schema.PieceInactive {
		t.Errorf("Status = %q, want inactive", got.Status)
	}

	if err := c.UpdatePieceStatus(ctx, "missing", schema.PieceActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing piece: expected ErrNotFound, got %v", err)
	}
}

func TestIncrementPieceCycles(t *testing.T) {
	c := setupCargoStore(t)
	ctx := context.Background()

	p := testPiece("piece-1", "TAG-100")
	p.CycleCount = 100
	if err := c.UpsertPiece(p); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}
	if err := c.InsertLink(ctx, testLink("link-1", "piece-1", schema.LinkActive)); err != nil {
		t.Fatalf("InsertLink failed: %v", err)
	}

	if err := c.IncrementPieceCycles(ctx, "piece-1", 250); err != nil {
		t.Fatalf("IncrementPieceCycles failed: %v", err)
	}

	got, err := c.GetPieceByTag("TAG-100")
	if err != nil {
		t.Fatalf("GetPieceByTag failed: %v", err)
	}
	if got.CycleCount != 350 {
		t.Errorf("CycleCount = %d, want 350", got.CycleCount)
	}

	links, err := c.ListLinks(ctx, ListLinksFilter{PieceID: "piece-1", Status: "active"})
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(links) != 1 || links[0].CyclesInLink != 250 {
		t.Fatalf("Active link cycles = %v, want one link with 250", links)
	}

	if err := c.IncrementPieceCycles(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing piece: expected ErrNotFound, got %v", err)
	}
}

func TestSupersedeActiveLinks(t *testing.T) {
	c := setupCargoStore(t)
	ctx := context.Background()

	if err := c.UpsertPiece(testPiece("piece-1", "TAG-100")); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}
	if err := c.InsertLink(ctx, testLink("link-1", "piece-1", schema.LinkActive)); err != nil {
		t.Fatalf("InsertLink failed: %v", err)
	}

	n, err := c.SupersedeActiveLinks(ctx, "piece-1")
	if err != nil {
		t.Fatalf("SupersedeActiveLinks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Superseded = %d, want 1", n)
	}

	// History survives: the link is inactive, not gone.
	links, err := c.ListLinks(ctx, ListLinksFilter{PieceID: "piece-1"})
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(links) != 1 || links[0].LinkStatus != schema.LinkInactive {
		t.Fatalf("Links = %v, want one inactive link", links)
	}

	// Superseding with no active links is a no-op.
	n, err = c.SupersedeActiveLinks(ctx, "piece-1")
	if err != nil {
		t.Fatalf("Second SupersedeActiveLinks failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Second supersede = %d, want 0", n)
	}
}

func TestCountActiveLinks(t *testing.T) {
	c := setupCargoStore(t)
	ctx := context.Background()

	if err := c.UpsertPiece(testPiece("piece-1", "TAG-100")); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}
	if err := c.InsertLink(ctx, testLink("link-1", "piece-1", schema.LinkInactive)); err != nil {
		t.Fatalf("InsertLink failed: %v", err)
	}
	if err := c.InsertLink(ctx, testLink("link-2", "piece-1", schema.LinkActive)); err != nil {
		t.Fatalf("InsertLink failed: %v", err)
	}

	count, err := c.CountActiveLinks(ctx, "piece-1")
	if err != nil {
		t.Fatalf("CountActiveLinks failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Active links = %d, want 1", count)
	}
}

func TestTagUniqueness(t *testing.T) {
	c := setupCargoStore(t)

	if err := c.UpsertPiece(testPiece("piece-1", "TAG-100")); err != nil {
		t.Fatalf("UpsertPiece failed: %v", err)
	}
	// A second piece with the same hardware tag must be rejected.
	if err := c.UpsertPiece(testPiece("piece-2", "TAG-100")); err == nil {
		t.Error("Expected unique constraint error for duplicate tag")
	}
}
