package schema

import (
	"fmt"
	"time"
)

// CargoDelta records cycles owed to a cargo-store piece after a
// cross-store operation committed on the main side but failed on the
// cargo side. Deltas are queued durably in the main store (the side
// that committed, so it is known writable) and drained by the
// coordinator's reconciliation pass, which may run in a later process.
type CargoDelta struct {
	ID       string    `json:"id"`
	PieceTag string    `json:"piece_tag"`
	AssayID  string    `json:"assay_id,omitempty"`
	Cycles   int       `json:"cycles"`
	QueuedAt time.Time `json:"queued_at"`
}

// Validate checks if the CargoDelta has valid field values.
func (d *CargoDelta) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.PieceTag == "" {
		return fmt.Errorf("piece_tag is required")
	}
	if d.Cycles == 0 {
		return fmt.Errorf("cycles must be non-zero")
	}
	return nil
}
