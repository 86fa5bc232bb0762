package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labcontrol/labcontrol/internal/schema"
)

// MainStore is the main laboratory store: inventory, assays,
// calibrations, users and settings. It is one of the two independent
// stores; the other is CargoStore.
type MainStore struct {
	*Store
}

// OpenMain opens (or creates) the main store at path.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	main, err := store.OpenMain(".labcontrol/main.db")
//	if err != nil {
//	    return err
//	}
//	defer main.Close()
func OpenMain(path string) (*MainStore, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &MainStore{Store: s}, nil
}

// Initialize creates the main-store schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (m *MainStore) Initialize() error {
	return m.InitializeContext(context.Background())
}

// InitializeContext creates the main-store schema with context support.
func (m *MainStore) InitializeContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS assays (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		protocol TEXT NOT NULL DEFAULT '',
		piece_tag TEXT NOT NULL DEFAULT '',  -- cross-store reference, plain text
		status TEXT NOT NULL DEFAULT 'planned',
		cycles INTEGER NOT NULL DEFAULT 0,
		operator TEXT NOT NULL DEFAULT '',
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inventory (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		quantity REAL NOT NULL DEFAULT 0,
		unit TEXT NOT NULL,
		min_threshold REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calibrations (
		id TEXT PRIMARY KEY,
		equipment TEXT NOT NULL,
		due_at TEXT NOT NULL,
		done_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cargo_deltas (
		id TEXT PRIMARY KEY,
		piece_tag TEXT NOT NULL,
		assay_id TEXT NOT NULL DEFAULT '',
		cycles INTEGER NOT NULL,
		queued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assays_status ON assays(status);
	CREATE INDEX IF NOT EXISTS idx_assays_piece_tag ON assays(piece_tag);
	CREATE INDEX IF NOT EXISTS idx_inventory_category ON inventory(category);
	CREATE INDEX IF NOT EXISTS idx_calibrations_due ON calibrations(due_at);
	`

	if _, err := m.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize main store schema: %w", err)
	}
	return nil
}

// UpsertAssay inserts or updates an assay record.
func (m *MainStore) UpsertAssay(a *schema.Assay) error {
	return m.UpsertAssayContext(context.Background(), a)
}

// UpsertAssayContext inserts or updates an assay with context support.
func (m *MainStore) UpsertAssayContext(ctx context.Context, a *schema.Assay) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assay: %w", err)
	}

	query := `
	INSERT INTO assays (
		id, name, protocol, piece_tag, status, cycles, operator,
		started_at, completed_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		protocol = excluded.protocol,
		piece_tag = excluded.piece_tag,
		status = excluded.status,
		cycles = excluded.cycles,
		operator = excluded.operator,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		updated_at = excluded.updated_at
	`

	_, err := m.conn.ExecContext(ctx, query,
		a.ID,
		a.Name,
		a.Protocol,
		a.PieceTag,
		string(a.Status),
		a.Cycles,
		a.Operator,
		timeToNullString(a.StartedAt),
		timeToNullString(a.CompletedAt),
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert assay %s: %w", a.ID, err)
	}
	return nil
}

// GetAssayByID retrieves a single assay by ID.
// Returns ErrNotFound if the assay does not exist.
func (m *MainStore) GetAssayByID(id string) (*schema.Assay, error) {
	return m.GetAssayByIDContext(context.Background(), id)
}

// GetAssayByIDContext retrieves a single assay with context support.
func (m *MainStore) GetAssayByIDContext(ctx context.Context, id string) (*schema.Assay, error) {
	query := `
	SELECT id, name, protocol, piece_tag, status, cycles, operator,
	       started_at, completed_at, created_at, updated_at
	FROM assays
	WHERE id = ?
	`

	a, err := scanAssay(m.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assay %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assay %s: %w", id, err)
	}
	return a, nil
}

// ListAssaysFilter configures the ListAssays query.
type ListAssaysFilter struct {
	// Status filters by assay status (empty = all statuses)
	Status string
	// PieceTag filters by cross-store piece tag (empty = all)
	PieceTag string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListAssays retrieves assays matching the given filter,
// newest first.
func (m *MainStore) ListAssays(filter ListAssaysFilter) ([]*schema.Assay, error) {
	return m.ListAssaysContext(context.Background(), filter)
}

// ListAssaysContext retrieves assays with context support.
func (m *MainStore) ListAssaysContext(ctx context.Context, filter ListAssaysFilter) ([]*schema.Assay, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.PieceTag != "" {
		conditions = append(conditions, "piece_tag = ?")
		args = append(args, filter.PieceTag)
	}

	query := `
	SELECT id, name, protocol, piece_tag, status, cycles, operator,
	       started_at, completed_at, created_at, updated_at
	FROM assays
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assays: %w", err)
	}
	defer rows.Close()

	var assays []*schema.Assay
	for rows.Next() {
		a, err := scanAssay(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assay: %w", err)
		}
		assays = append(assays, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assays: %w", err)
	}
	return assays, nil
}

// DeleteAssay removes an assay from the store.
// Returns nil if the assay doesn't exist (idempotent).
func (m *MainStore) DeleteAssay(id string) error {
	return m.DeleteAssayContext(context.Background(), id)
}

// DeleteAssayContext removes an assay with context support.
func (m *MainStore) DeleteAssayContext(ctx context.Context, id string) error {
	if _, err := m.conn.ExecContext(ctx, `DELETE FROM assays WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete assay %s: %w", id, err)
	}
	return nil
}

// UpsertInventoryItem inserts or updates a reagent inventory record.
func (m *MainStore) UpsertInventoryItem(i *schema.InventoryItem) error {
	return m.UpsertInventoryItemContext(context.Background(), i)
}

// UpsertInventoryItemContext inserts or updates an inventory item with
// context support.
func (m *MainStore) UpsertInventoryItemContext(ctx context.Context, i *schema.InventoryItem) error {
	if err := i.Validate(); err != nil {
		return fmt.Errorf("invalid inventory item: %w", err)
	}

	query := `
	INSERT INTO inventory (
		id, name, category, quantity, unit, min_threshold, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		quantity = excluded.quantity,
		unit = excluded.unit,
		min_threshold = excluded.min_threshold,
		updated_at = excluded.updated_at
	`

	_, err := m.conn.ExecContext(ctx, query,
		i.ID, i.Name, i.Category, i.Quantity, i.Unit, i.MinThreshold,
		i.CreatedAt.Format(time.RFC3339),
		i.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert inventory item %s: %w", i.ID, err)
	}
	return nil
}

// ListInventory returns all inventory items, ordered by name.
// If lowOnly is true, only items at or below their minimum threshold
// are returned.
func (m *MainStore) ListInventory(lowOnly bool) ([]*schema.InventoryItem, error) {
	return m.ListInventoryContext(context.Background(), lowOnly)
}

// ListInventoryContext returns inventory items with context support.
func (m *MainStore) ListInventoryContext(ctx context.Context, lowOnly bool) ([]*schema.InventoryItem, error) {
	query := `
	SELECT id, name, category, quantity, unit, min_threshold, created_at, updated_at
	FROM inventory
	`
	if lowOnly {
		query += " WHERE min_threshold > 0 AND quantity <= min_threshold"
	}
	query += " ORDER BY name ASC"

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list inventory: %w", err)
	}
	defer rows.Close()

	var items []*schema.InventoryItem
	for rows.Next() {
		var i schema.InventoryItem
		var createdAt, updatedAt string
		if err := rows.Scan(&i.ID, &i.Name, &i.Category, &i.Quantity, &i.Unit,
			&i.MinThreshold, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %w", err)
		}
		i.CreatedAt = parseTime(createdAt)
		i.UpdatedAt = parseTime(updatedAt)
		items = append(items, &i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inventory: %w", err)
	}
	return items, nil
}

// AdjustInventoryQuantity applies a signed delta to an item's quantity.
// Returns ErrNotFound if the item does not exist.
func (m *MainStore) AdjustInventoryQuantity(ctx context.Context, id string, delta float64) error {
	res, err := m.conn.ExecContext(ctx,
		`UPDATE inventory SET quantity = quantity + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to adjust inventory %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("inventory item %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertCalibration inserts or updates a calibration record.
func (m *MainStore) UpsertCalibration(c *schema.Calibration) error {
	return m.UpsertCalibrationContext(context.Background(), c)
}

// UpsertCalibrationContext inserts or updates a calibration with
// context support.
func (m *MainStore) UpsertCalibrationContext(ctx context.Context, c *schema.Calibration) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid calibration: %w", err)
	}

	query := `
	INSERT INTO calibrations (id, equipment, due_at, done_at, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		equipment = excluded.equipment,
		due_at = excluded.due_at,
		done_at = excluded.done_at,
		notes = excluded.notes
	`

	_, err := m.conn.ExecContext(ctx, query,
		c.ID, c.Equipment,
		c.DueAt.Format(time.RFC3339),
		timeToNullString(c.DoneAt),
		c.Notes,
		c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert calibration %s: %w", c.ID, err)
	}
	return nil
}

// ListCalibrationsDueBy returns calibrations not yet done whose due
// date falls on or before the cutoff, soonest first.
func (m *MainStore) ListCalibrationsDueBy(ctx context.Context, cutoff time.Time) ([]*schema.Calibration, error) {
	query := `
	SELECT id, equipment, due_at, done_at, notes, created_at
	FROM calibrations
	WHERE done_at IS NULL AND due_at <= ?
	ORDER BY due_at ASC
	`

	rows, err := m.conn.QueryContext(ctx, query, cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list due calibrations: %w", err)
	}
	defer rows.Close()

	return scanCalibrations(rows)
}

// ListCalibrations returns all calibrations, soonest due first.
func (m *MainStore) ListCalibrations(ctx context.Context) ([]*schema.Calibration, error) {
	query := `
	SELECT id, equipment, due_at, done_at, notes, created_at
	FROM calibrations
	ORDER BY due_at ASC
	`

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibrations: %w", err)
	}
	defer rows.Close()

	return scanCalibrations(rows)
}

func scanCalibrations(rows *sql.Rows) ([]*schema.Calibration, error) {
	var cals []*schema.Calibration
	for rows.Next() {
		var c schema.Calibration
		var dueAt, createdAt string
		var doneAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Equipment, &dueAt, &doneAt, &c.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration: %w", err)
		}
		c.DueAt = parseTime(dueAt)
		c.DoneAt = nullStringToTime(doneAt)
		c.CreatedAt = parseTime(createdAt)
		cals = append(cals, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calibrations: %w", err)
	}
	return cals, nil
}

// UpsertUser inserts or updates an operator account.
func (m *MainStore) UpsertUser(u *schema.User) error {
	return m.UpsertUserContext(context.Background(), u)
}

// UpsertUserContext inserts or updates a user with context support.
func (m *MainStore) UpsertUserContext(ctx context.Context, u *schema.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}

	query := `
	INSERT INTO users (id, name, role, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		role = excluded.role
	`

	_, err := m.conn.ExecContext(ctx, query,
		u.ID, u.Name, u.Role, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// ListUsers returns all operator accounts, ordered by name.
func (m *MainStore) ListUsers(ctx context.Context) ([]*schema.User, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT id, name, role, created_at FROM users ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*schema.User
	for rows.Next() {
		var u schema.User
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// GetSetting returns the value for a settings key.
// Returns ErrNotFound if the key has never been set.
func (m *MainStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := m.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a settings key/value pair, overwriting any
// previous value.
func (m *MainStore) SetSetting(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := m.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// EnqueueCargoDelta durably queues cycles owed to a cargo piece after
// a partial cross-store failure. The queue lives in the main store
// because that is the side that committed, so it is known writable at
// the moment of the failure.
func (m *MainStore) EnqueueCargoDelta(ctx context.Context, d *schema.CargoDelta) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("invalid cargo delta: %w", err)
	}

	query := `
	INSERT INTO cargo_deltas (id, piece_tag, assay_id, cycles, queued_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		piece_tag = excluded.piece_tag,
		assay_id = excluded.assay_id,
		cycles = excluded.cycles
	`

	_, err := m.conn.ExecContext(ctx, query,
		d.ID, d.PieceTag, d.AssayID, d.Cycles, d.QueuedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to enqueue cargo delta %s: %w", d.ID, err)
	}
	return nil
}

// ListCargoDeltas returns every queued cargo delta, oldest first.
func (m *MainStore) ListCargoDeltas(ctx context.Context) ([]*schema.CargoDelta, error) {
	rows, err := m.conn.QueryContext(ctx,
		`SELECT id, piece_tag, assay_id, cycles, queued_at
		 FROM cargo_deltas ORDER BY queued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cargo deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*schema.CargoDelta
	for rows.Next() {
		var d schema.CargoDelta
		var queuedAt string
		if err := rows.Scan(&d.ID, &d.PieceTag, &d.AssayID, &d.Cycles, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cargo delta: %w", err)
		}
		d.QueuedAt = parseTime(queuedAt)
		deltas = append(deltas, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cargo deltas: %w", err)
	}
	return deltas, nil
}

// DeleteCargoDelta removes a reconciled delta from the queue.
// Deleting an unknown ID is a no-op.
func (m *MainStore) DeleteCargoDelta(ctx context.Context, id string) error {
	if _, err := m.conn.ExecContext(ctx, `DELETE FROM cargo_deltas WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete cargo delta %s: %w", id, err)
	}
	return nil
}

// GetAssayCount returns the total number of assays in the store.
func (m *MainStore) GetAssayCount() (int, error) {
	var count int
	err := m.conn.QueryRow(`SELECT COUNT(*) FROM assays`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get assay count: %w", err)
	}
	return count, nil
}

// scanAssay reads one assay row from a row scanner.
func scanAssay(row interface{ Scan(...interface{}) error }) (*schema.Assay, error) {
	var a schema.Assay
	var status string
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Protocol,
		&a.PieceTag,
		&status,
		&a.Cycles,
		&a.Operator,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = schema.AssayStatus(status)
	a.StartedAt = nullStringToTime(startedAt)
	a.CompletedAt = nullStringToTime(completedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
