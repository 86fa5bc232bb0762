package schema

import (
	"fmt"
	"time"
)

// InventoryItem represents a consumable reagent tracked in the main store.
type InventoryItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     string    `json:"category,omitempty"` // solvent, buffer, standard, ...
	Quantity     float64   `json:"quantity"`
	Unit         string    `json:"unit"` // mL, g, units
	MinThreshold float64   `json:"min_threshold"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks if the InventoryItem has valid field values.
func (i *InventoryItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("name is required")
	}
	if i.Unit == "" {
		return fmt.Errorf("unit is required")
	}
	if i.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative (got %g)", i.Quantity)
	}
	return nil
}

// IsLow reports whether the item has fallen to or below its minimum
// stock threshold.
func (i *InventoryItem) IsLow() bool {
	return i.MinThreshold > 0 && i.Quantity <= i.MinThreshold
}

// Calibration represents a scheduled instrument calibration in the main store.
type Calibration struct {
	ID        string     `json:"id"`
	Equipment string     `json:"equipment"`
	DueAt     time.Time  `json:"due_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks if the Calibration has valid field values.
func (c *Calibration) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Equipment == "" {
		return fmt.Errorf("equipment is required")
	}
	if c.DueAt.IsZero() {
		return fmt.Errorf("due_at is required")
	}
	return nil
}

// User represents a laboratory operator account in the main store.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"` // operator, supervisor, admin
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the User has valid field values.
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("id is required")
	}
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if u.Role == "" {
		return fmt.Errorf("role is required")
	}
	return nil
}
