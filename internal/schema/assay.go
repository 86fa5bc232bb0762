package schema

import (
	"fmt"
	"time"
)

// AssayStatus is the lifecycle state of an assay record.
type AssayStatus string

const (
	// AssayPlanned means the assay is scheduled but not yet running.
	AssayPlanned AssayStatus = "planned"
	// AssayRunning means the assay is in progress.
	AssayRunning AssayStatus = "running"
	// AssayCompleted means the assay finished normally.
	AssayCompleted AssayStatus = "completed"
	// AssayAborted means the assay was stopped before completion.
	AssayAborted AssayStatus = "aborted"
)

// IsTerminal reports whether the status is a final state. Terminal
// assays no longer hold their piece in service.
func (s AssayStatus) IsTerminal() bool {
	return s == AssayCompleted || s == AssayAborted
}

// Assay represents a laboratory test run stored in the main store.
//
// PieceTag cross-references the cargo store by hardware tag. The field
// is plain text, not a foreign key: the stores are separate databases.
type Assay struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Protocol    string      `json:"protocol"`
	PieceTag    string      `json:"piece_tag,omitempty"`
	Status      AssayStatus `json:"status"`
	Cycles      int         `json:"cycles"`
	Operator    string      `json:"operator,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks if the Assay has valid field values.
func (a *Assay) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch a.Status {
	case AssayPlanned, AssayRunning, AssayCompleted, AssayAborted:
	default:
		return fmt.Errorf("status must be planned, running, completed or aborted (got %q)", a.Status)
	}
	if a.Cycles < 0 {
		return fmt.Errorf("cycles must not be negative (got %d)", a.Cycles)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (a *Assay) SetDefaults() {
	if a.Status == "" {
		a.Status = AssayPlanned
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
}
