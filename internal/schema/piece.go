// Package schema provides the domain record types shared by the main
// and cargo stores.
//
// The two stores are deliberately independent databases. Records that
// span them (a Piece in the cargo store and an Assay in the main store)
// are related only by the piece's stable hardware tag, never by a
// foreign key. The coordinator package owns that relationship.
package schema

import (
	"fmt"
	"time"
)

// PieceStatus is the lifecycle state of a load-test equipment unit.
type PieceStatus string

const (
	// PieceActive means the piece is in service and may be linked to protocols.
	PieceActive PieceStatus = "active"
	// PieceInactive means the piece is retired or awaiting maintenance.
	PieceInactive PieceStatus = "inactive"
)

// CycleKind classifies the thermal profile of a test protocol.
type CycleKind string

const (
	// CycleCold is a cold-cycle load test.
	CycleCold CycleKind = "cold"
	// CycleHot is a hot-cycle load test.
	CycleHot CycleKind = "hot"
)

// Piece represents a physical load-test equipment unit tracked in the
// cargo store.
//
// TagID is the stable hardware identifier printed on the unit. It is
// unique within the cargo store and is the join key the coordinator
// uses to relate the piece to main-store assay records.
type Piece struct {
	ID              string      `json:"id"`
	TagID           string      `json:"tag_id"`
	Type            string      `json:"type"` // press, shaker, chamber, ...
	CycleCount      int         `json:"cycle_count"`
	Status          PieceStatus `json:"status"`
	AcquisitionDate *time.Time  `json:"acquisition_date,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Validate checks if the Piece has valid field values.
func (p *Piece) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.TagID == "" {
		return fmt.Errorf("tag_id is required")
	}
	if p.Type == "" {
		return fmt.Errorf("type is required")
	}
	if p.CycleCount < 0 {
		return fmt.Errorf("cycle_count must not be negative (got %d)", p.CycleCount)
	}
	switch p.Status {
	case PieceActive, PieceInactive:
	default:
		return fmt.Errorf("status must be active or inactive (got %q)", p.Status)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (p *Piece) SetDefaults() {
	if p.Status == "" {
		p.Status = PieceActive
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

// LinkStatus is the state of a piece/protocol association.
type LinkStatus string

const (
	// LinkActive means the link is the piece's current protocol assignment.
	LinkActive LinkStatus = "active"
	// LinkInactive means the link was superseded by a newer assignment.
	// Inactive links are never deleted; they form the piece's history.
	LinkInactive LinkStatus = "inactive"
)

// AssayLink associates a Piece with a test protocol and cycle kind.
//
// Re-linking a piece supersedes the prior active link (sets it
// inactive) instead of deleting it, so each piece keeps an append-only
// link history. At most one link per piece is active at a time.
type AssayLink struct {
	ID           string     `json:"id"`
	PieceID      string     `json:"piece_id"`
	Protocol     string     `json:"protocol"`
	CycleKind    CycleKind  `json:"cycle_kind"`
	LinkStatus   LinkStatus `json:"link_status"`
	CyclesInLink int        `json:"cycles_in_link"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SetDefaults applies default values for optional fields.
func (l *AssayLink) SetDefaults() {
	if l.LinkStatus == "" {
		l.LinkStatus = LinkActive
	}
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}
}

// Validate checks if the AssayLink has valid field values.
func (l *AssayLink) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.PieceID == "" {
		return fmt.Errorf("piece_id is required")
	}
	if l.Protocol == "" {
		return fmt.Errorf("protocol is required")
	}
	switch l.CycleKind {
	case CycleCold, CycleHot:
	default:
		return fmt.Errorf("cycle_kind must be cold or hot (got %q)", l.CycleKind)
	}
	switch l.LinkStatus {
	case LinkActive, LinkInactive:
	default:
		return fmt.Errorf("link_status must be active or inactive (got %q)", l.LinkStatus)
	}
	if l.CyclesInLink < 0 {
		return fmt.Errorf("cycles_in_link must not be negative (got %d)", l.CyclesInLink)
	}
	return nil
}
