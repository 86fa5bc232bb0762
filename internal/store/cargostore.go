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

// CargoStore is the load-test equipment store: pieces and their
// protocol link history. It is fully independent from MainStore;
// pieces are referenced from main-store assays only by TagID.
type CargoStore struct {
	*Store
}

// OpenCargo opens (or creates) the cargo store at path.
//
// The caller MUST call Close() when done.
func OpenCargo(path string) (*CargoStore, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &CargoStore{Store: s}, nil
}

// Initialize creates the cargo-store schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (c *CargoStore) Initialize() error {
	return c.InitializeContext(context.Background())
}

// InitializeContext creates the cargo-store schema with context support.
func (c *CargoStore) InitializeContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS pieces (
		id TEXT PRIMARY KEY,
		tag_id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		cycle_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		acquisition_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assay_links (
		id TEXT PRIMARY KEY,
		piece_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		cycle_kind TEXT NOT NULL,
		link_status TEXT NOT NULL DEFAULT 'active',
		cycles_in_link INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (piece_id) REFERENCES pieces(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pieces_tag ON pieces(tag_id);
	CREATE INDEX IF NOT EXISTS idx_pieces_status ON pieces(status);
	CREATE INDEX IF NOT EXISTS idx_links_piece ON assay_links(piece_id);
	CREATE INDEX IF NOT EXISTS idx_links_status ON assay_links(link_status);
	CREATE INDEX IF NOT EXISTS idx_links_active
	    ON assay_links(piece_id, link_status) WHERE link_status = 'active';
	`

	if _, err := c.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize cargo store schema: %w", err)
	}
	return nil
}

// UpsertPiece inserts or updates a piece record.
func (c *CargoStore) UpsertPiece(p *schema.Piece) error {
	return c.UpsertPieceContext(context.Background(), p)
}

// UpsertPieceContext inserts or updates a piece with context support.
func (c *CargoStore) UpsertPieceContext(ctx context.Context, p *schema.Piece) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid piece: %w", err)
	}

	query := `
	INSERT INTO pieces (
		id, tag_id, type, cycle_count, status, acquisition_date,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tag_id = excluded.tag_id,
		type = excluded.type,
		cycle_count = excluded.cycle_count,
		status = excluded.status,
		acquisition_date = excluded.acquisition_date,
		updated_at = excluded.updated_at
	`

	_, err := c.conn.ExecContext(ctx, query,
		p.ID,
		p.TagID,
		p.Type,
		p.CycleCount,
		string(p.Status),
		timeToNullString(p.AcquisitionDate),
		p.CreatedAt.Format(time.RFC3339),
		p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert piece %s: %w", p.ID, err)
	}
	return nil
}

// GetPieceByTag retrieves a piece by its stable hardware tag.
// Returns ErrNotFound if no piece carries the tag.
func (c *CargoStore) GetPieceByTag(tagID string) (*schema.Piece, error) {
	return c.GetPieceByTagContext(context.Background(), tagID)
}

// GetPieceByTagContext retrieves a piece by tag with context support.
func (c *CargoStore) GetPieceByTagContext(ctx context.Context, tagID string) (*schema.Piece, error) {
	query := pieceSelect + ` WHERE tag_id = ?`

	p, err := scanPiece(c.conn.QueryRowContext(ctx, query, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("piece with tag %s: %w", tagID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get piece by tag %s: %w", tagID, err)
	}
	return p, nil
}

// GetPieceByID retrieves a piece by its record ID.
// Returns ErrNotFound if the piece does not exist.
func (c *CargoStore) GetPieceByID(ctx context.Context, id string) (*schema.Piece, error) {
	query := pieceSelect + ` WHERE id = ?`

	p, err := scanPiece(c.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("piece %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get piece %s: %w", id, err)
	}
	return p, nil
}

// ListPiecesFilter configures the ListPieces query.
type ListPiecesFilter struct {
	// Status filters by piece status (empty = all statuses)
	Status string
	// Type filters by equipment type (empty = all types)
	Type string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListPieces retrieves pieces matching the given filter, ordered by tag.
func (c *CargoStore) ListPieces(filter ListPiecesFilter) ([]*schema.Piece, error) {
	return c.ListPiecesContext(context.Background(), filter)
}

// ListPiecesContext retrieves pieces with context support.
func (c *CargoStore) ListPiecesContext(ctx context.Context, filter ListPiecesFilter) ([]*schema.Piece, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}

	query := pieceSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY tag_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pieces: %w", err)
	}
	defer rows.Close()

	var pieces []*schema.Piece
	for rows.Next() {
		p, err := scanPiece(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan piece: %w", err)
		}
		pieces = append(pieces, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pieces: %w", err)
	}
	return pieces, nil
}

// UpdatePieceStatus sets a piece's lifecycle status.
// Returns ErrNotFound if the piece does not exist.
func (c *CargoStore) UpdatePieceStatus(ctx context.Context, pieceID string, status schema.PieceStatus) error {
	res, err := c.conn.ExecContext(ctx,
		`UPDATE pieces SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Format(time.RFC3339), pieceID)
	if err != nil {
		return fmt.Errorf("failed to update piece %s status: %w", pieceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update piece %s status: %w", pieceID, err)
	}
	if n == 0 {
		return fmt.Errorf("piece %s: %w", pieceID, ErrNotFound)
	}
	return nil
}

// IncrementPieceCycles adds delta to a piece's cumulative cycle count
// and to its active link's cycles, if one exists.
// Returns ErrNotFound if the piece does not exist.
func (c *CargoStore) IncrementPieceCycles(ctx context.Context, pieceID string, delta int) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)

	res, err := tx.ExecContext(ctx,
		`UPDATE pieces SET cycle_count = cycle_count + ?, updated_at = ? WHERE id = ?`,
		delta, now, pieceID)
	if err != nil {
		return fmt.Errorf("failed to increment piece %s cycles: %w", pieceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to increment piece %s cycles: %w", pieceID, err)
	}
	if n == 0 {
		return fmt.Errorf("piece %s: %w", pieceID, ErrNotFound)
	}

	// Active link accumulates the same cycles for per-protocol wear
	// tracking. Absence of an active link is not an error.
	_, err = tx.ExecContext(ctx,
		`UPDATE assay_links SET cycles_in_link = cycles_in_link + ?, updated_at = ?
		 WHERE piece_id = ? AND link_status = 'active'`,
		delta, now, pieceID)
	if err != nil {
		return fmt.Errorf("failed to increment link cycles for piece %s: %w", pieceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle increment: %w", err)
	}
	return nil
}

// InsertLink stores a new protocol link row.
func (c *CargoStore) InsertLink(ctx context.Context, l *schema.AssayLink) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid link: %w", err)
	}

	query := `
	INSERT INTO assay_links (
		id, piece_id, protocol, cycle_kind, link_status, cycles_in_link,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.conn.ExecContext(ctx, query,
		l.ID,
		l.PieceID,
		l.Protocol,
		string(l.CycleKind),
		string(l.LinkStatus),
		l.CyclesInLink,
		l.CreatedAt.Format(time.RFC3339),
		l.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert link %s: %w", l.ID, err)
	}
	return nil
}

// SupersedeActiveLinks marks every active link for a piece inactive
// and returns how many links were superseded. Superseded links are
// never deleted; they form the piece's history.
func (c *CargoStore) SupersedeActiveLinks(ctx context.Context, pieceID string) (int, error) {
	res, err := c.conn.ExecContext(ctx,
		`UPDATE assay_links SET link_status = 'inactive', updated_at = ?
		 WHERE piece_id = ? AND link_status = 'active'`,
		time.Now().Format(time.RFC3339), pieceID)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede links for piece %s: %w", pieceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to supersede links for piece %s: %w", pieceID, err)
	}
	return int(n), nil
}

// ListLinksFilter configures the ListLinks query.
type ListLinksFilter struct {
	// PieceID filters to one piece's link history (empty = all pieces)
	PieceID string
	// Status filters by link status (empty = all)
	Status string
}

// ListLinks retrieves protocol links matching the filter, newest first.
func (c *CargoStore) ListLinks(ctx context.Context, filter ListLinksFilter) ([]*schema.AssayLink, error) {
	var conditions []string
	var args []interface{}

	if filter.PieceID != "" {
		conditions = append(conditions, "piece_id = ?")
		args = append(args, filter.PieceID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "link_status = ?")
		args = append(args, filter.Status)
	}

	query := `
	SELECT id, piece_id, protocol, cycle_kind, link_status, cycles_in_link,
	       created_at, updated_at
	FROM assay_links
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []*schema.AssayLink
	for rows.Next() {
		var l schema.AssayLink
		var cycleKind, linkStatus string
		var createdAt, updatedAt string
		if err := rows.Scan(&l.ID, &l.PieceID, &l.Protocol, &cycleKind,
			&linkStatus, &l.CyclesInLink, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		l.CycleKind = schema.CycleKind(cycleKind)
		l.LinkStatus = schema.LinkStatus(linkStatus)
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		links = append(links, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

// CountActiveLinks returns the number of active links for a piece.
func (c *CargoStore) CountActiveLinks(ctx context.Context, pieceID string) (int, error) {
	var count int
	err := c.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assay_links WHERE piece_id = ? AND link_status = 'active'`,
		pieceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active links for piece %s: %w", pieceID, err)
	}
	return count, nil
}

// GetPieceCount returns the total number of pieces in the store.
func (c *CargoStore) GetPieceCount() (int, error) {
	var count int
	err := c.conn.QueryRow(`SELECT COUNT(*) FROM pieces`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get piece count: %w", err)
	}
	return count, nil
}

const pieceSelect = `
SELECT id, tag_id, type, cycle_count, status, acquisition_date,
       created_at, updated_at
FROM pieces
`

// scanPiece reads one piece row from a row scanner.
func scanPiece(row interface{ Scan(...interface{}) error }) (*schema.Piece, error) {
	var p schema.Piece
	var status string
	var acquisitionDate sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&p.ID,
		&p.TagID,
		&p.Type,
		&p.CycleCount,
		&status,
		&acquisitionDate,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = schema.PieceStatus(status)
	p.AcquisitionDate = nullStringToTime(acquisitionDate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
