// Package backup provides the snapshot/versioning engine for the two
// store backing files.
//
// The engine operates purely against the file system: it copies a
// source file into the backup directory, writes a JSON metadata
// sidecar next to it, prunes old pairs beyond the retention limit and
// can restore any listed snapshot over a target file. It never
// observes the event bus.
//
// Failures never escape the engine as panics or errors; every
// operation reports a boolean result plus a human-readable message,
// and problems are logged with context.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DirName is the backup directory created under the workspace root.
	DirName = ".labcontrol-backups"

	// DefaultMaxBackups is the retention limit: at most this many
	// snapshot+sidecar pairs are kept, newest first.
	DefaultMaxBackups = 30

	// DefaultInterval is the auto-backup period.
	DefaultInterval = 6 * time.Hour

	snapshotPrefix      = "database-backup-"
	beforeRestorePrefix = "database-backup-before-restore-"
	sidecarExt          = ".meta"
)

// Record describes one snapshot in the backup directory. The JSON
// field names are the sidecar's on-disk format.
type Record struct {
	FileName     string    `json:"fileName"`
	OriginalPath string    `json:"originalPath"`
	BackupDate   time.Time `json:"backupDate"`
	FileSize     int64     `json:"fileSize"`
	Version      int       `json:"version"`
	Kind         string    `json:"type"` // "json" or "binary-store"

	// SizeMatches reports whether the sidecar's recorded size equals
	// the snapshot's current on-disk size. Computed at list time, not
	// stored in the sidecar.
	SizeMatches bool `json:"-"`
}

// Result is the outcome of a backup or restore operation.
type Result struct {
	OK      bool
	Message string
}

// Config holds engine configuration.
type Config struct {
	// MaxBackups is the retention limit (default 30).
	MaxBackups int

	// Interval is the auto-backup period (default 6 hours).
	Interval time.Duration

	// Logger for engine activity (default: stderr with "[backup] " prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxBackups: DefaultMaxBackups,
		Interval:   DefaultInterval,
		Logger:     log.New(os.Stderr, "[backup] ", log.LstdFlags),
	}
}

// Engine snapshots one or more source files into a single backup
// directory. Safe for concurrent use within one process; the backup
// directory must not be shared across processes.
type Engine struct {
	dir    string
	max    int
	period time.Duration
	logger *log.Logger

	// mu serializes snapshot creation so versions stay strictly
	// increasing and timestamp-derived names never collide.
	mu        sync.Mutex
	lastStamp time.Time

	// timer state for auto-backup
	timerMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine writing under {workspaceRoot}/.labcontrol-backups.
// The directory itself is created lazily on first backup.
func New(workspaceRoot string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = DefaultMaxBackups
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}

	return &Engine{
		dir:    filepath.Join(workspaceRoot, DirName),
		max:    config.MaxBackups,
		period: config.Interval,
		logger: config.Logger,
	}
}

// Dir returns the backup directory path.
func (e *Engine) Dir() string {
	return e.dir
}

// CreateBackup copies sourcePath byte-for-byte into the backup
// directory, writes the metadata sidecar and prunes retention.
//
// Fails closed: a missing source, copy error or sidecar error yields
// Result{OK: false} with a message; nothing panics past this boundary.
func (e *Engine) CreateBackup(sourcePath string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := os.Stat(sourcePath)
	if err != nil {
		e.logger.Printf("Backup skipped, source unavailable: %s: %v", sourcePath, err)
		return Result{Message: fmt.Sprintf("source file not found: %s", sourcePath)}
	}

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		e.logger.Printf("Failed to create backup directory %s: %v", e.dir, err)
		return Result{Message: fmt.Sprintf("cannot create backup directory: %v", err)}
	}

	ext := filepath.Ext(sourcePath)
	if ext == "" {
		ext = ".db"
	}
	name := snapshotPrefix + e.nextStamp() + ext
	snapshotPath := filepath.Join(e.dir, name)

	size, err := copyFile(sourcePath, snapshotPath)
	if err != nil {
		e.logger.Printf("Failed to copy %s to %s: %v", sourcePath, snapshotPath, err)
		return Result{Message: fmt.Sprintf("copy failed: %v", err)}
	}
	if size != info.Size() {
		// The source grew or shrank mid-copy; the snapshot still
		// records what was actually copied.
		e.logger.Printf("Source %s changed during copy: stat=%d copied=%d", sourcePath, info.Size(), size)
	}

	record := Record{
		FileName:     name,
		OriginalPath: sourcePath,
		BackupDate:   time.Now().UTC(),
		FileSize:     size,
		Version:      e.maxReadableVersion() + 1,
		Kind:         kindForExt(ext),
	}

	if err := writeSidecar(snapshotPath+sidecarExt, &record); err != nil {
		// The snapshot itself is valid; it will list as version 0.
		e.logger.Printf("Failed to write sidecar for %s: %v", name, err)
	}

	e.prune()

	e.logger.Printf("Backup created: %s (version %d, %d bytes)", name, record.Version, size)
	return Result{OK: true, Message: fmt.Sprintf("backup %s created (version %d)", name, record.Version)}
}

// ListBackups returns all snapshots in the backup directory, newest
// first. Snapshots whose sidecar is missing or unparsable are listed
// with version 0 and metadata reconstructed from the file system.
//
// Never fails: a directory read error logs and returns nil.
func (e *Engine) ListBackups() []Record {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Printf("Failed to read backup directory %s: %v", e.dir, err)
		}
		return nil
	}

	type listed struct {
		record  Record
		modTime time.Time
	}

	var records []listed
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || strings.HasSuffix(name, sidecarExt) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			e.logger.Printf("Failed to stat backup %s: %v", name, err)
			continue
		}

		record, ok := readSidecar(filepath.Join(e.dir, name) + sidecarExt)
		if !ok {
			// Sidecar missing or corrupt: the snapshot is still listed
			// but cannot be trusted for version ordering.
			record = Record{
				BackupDate: info.ModTime().UTC(),
				FileSize:   info.Size(),
				Version:    0,
				Kind:       kindForExt(filepath.Ext(name)),
			}
		}
		record.FileName = name
		record.SizeMatches = record.FileSize == info.Size()
		records = append(records, listed{record: record, modTime: info.ModTime()})
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].modTime.Equal(records[j].modTime) {
			return records[i].modTime.After(records[j].modTime)
		}
		// Names embed a sortable timestamp, so they break mod-time ties.
		return records[i].record.FileName > records[j].record.FileName
	})

	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.record
	}
	return out
}

// RestoreBackup copies the named snapshot over targetPath. If the
// target already exists, a safety snapshot of its current content is
// taken first under the distinguished before-restore name.
//
// Returns Result{OK: false} without mutating anything if backupName
// does not resolve to an existing snapshot or if the safety snapshot
// cannot be written.
func (e *Engine) RestoreBackup(backupName, targetPath string) Result {
	backupPath := filepath.Join(e.dir, filepath.Base(backupName))
	if _, err := os.Stat(backupPath); err != nil {
		e.logger.Printf("Restore failed, backup not found: %s", backupName)
		return Result{Message: fmt.Sprintf("backup not found: %s", backupName)}
	}

	if _, err := os.Stat(targetPath); err == nil {
		ext := filepath.Ext(targetPath)
		if ext == "" {
			ext = ".db"
		}
		e.mu.Lock()
		safetyName := beforeRestorePrefix + e.nextStamp() + ext
		e.mu.Unlock()
		safetyPath := filepath.Join(e.dir, safetyName)

		if _, err := copyFile(targetPath, safetyPath); err != nil {
			e.logger.Printf("Restore aborted, safety snapshot failed: %v", err)
			return Result{Message: fmt.Sprintf("safety snapshot failed, target untouched: %v", err)}
		}
		e.logger.Printf("Safety snapshot taken: %s", safetyName)
	}

	if _, err := copyFile(backupPath, targetPath); err != nil {
		e.logger.Printf("Restore of %s over %s failed: %v", backupName, targetPath, err)
		return Result{Message: fmt.Sprintf("restore copy failed: %v", err)}
	}

	e.logger.Printf("Restored %s over %s", backupName, targetPath)
	return Result{OK: true, Message: fmt.Sprintf("restored %s", backupName)}
}

// StartAutoBackup performs one immediate backup of sourcePath and then
// schedules recurring backups every engine period. Calling it again
// replaces the previous schedule; timers never stack.
func (e *Engine) StartAutoBackup(sourcePath string) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.CreateBackup(sourcePath)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Scheduled failures are logged and naturally retried
				// on the next tick.
				e.CreateBackup(sourcePath)
			}
		}
	}()

	e.logger.Printf("Auto-backup scheduled every %v for %s", e.period, sourcePath)
}

// StopAutoBackup cancels the recurring schedule. Idempotent: calling
// it repeatedly, or before StartAutoBackup, is a no-op. An in-flight
// copy is not interrupted.
func (e *Engine) StopAutoBackup() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	e.wg.Wait()
	e.logger.Println("Auto-backup stopped")
}

// prune deletes snapshot+sidecar pairs beyond the retention limit,
// oldest first. The live directory listing is recomputed on every call
// so concurrent manual backups cannot corrupt the bookkeeping.
func (e *Engine) prune() {
	records := e.ListBackups()
	if len(records) <= e.max {
		return
	}

	for _, r := range records[e.max:] {
		snapshotPath := filepath.Join(e.dir, r.FileName)
		if err := os.Remove(snapshotPath); err != nil {
			// A failed deletion is retried implicitly: the pair stays
			// in the listing and the next prune sees it again.
			e.logger.Printf("Failed to prune %s: %v", r.FileName, err)
			continue
		}
		if err := os.Remove(snapshotPath + sidecarExt); err != nil && !os.IsNotExist(err) {
			e.logger.Printf("Failed to prune sidecar for %s: %v", r.FileName, err)
		}
		e.logger.Printf("Pruned old backup: %s", r.FileName)
	}
}

// maxReadableVersion scans all sidecars and returns the highest
// version among the parsable ones. Corrupted sidecars are skipped,
// never treated as version 0 collisions.
func (e *Engine) maxReadableVersion() int {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0
	}

	max := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarExt) {
			continue
		}
		record, ok := readSidecar(filepath.Join(e.dir, entry.Name()))
		if !ok {
			continue
		}
		if record.Version > max {
			max = record.Version
		}
	}
	return max
}

// nextStamp returns a sortable UTC timestamp for a snapshot name,
// strictly greater than any stamp issued before it. Callers must hold
// e.mu.
func (e *Engine) nextStamp() string {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if !now.After(e.lastStamp) {
		// Two snapshots within one millisecond: bump into the next
		// millisecond so names stay unique and sortable.
		now = e.lastStamp.Add(time.Millisecond)
	}
	e.lastStamp = now
	return strings.NewReplacer(":", "-", ".", "-").
		Replace(now.Format("2006-01-02T15:04:05.000"))
}

// kindForExt maps a snapshot extension to its record kind.
func kindForExt(ext string) string {
	if ext == ".json" {
		return "json"
	}
	return "binary-store"
}

// copyFile copies src to dst byte-for-byte, returning the number of
// bytes written. The destination is synced before close.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination: %w", err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return 0, fmt.Errorf("failed to copy data: %w", err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return n, fmt.Errorf("failed to sync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close destination: %w", err)
	}
	return n, nil
}

// writeSidecar stores the record as JSON next to its snapshot.
func writeSidecar(path string, record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// readSidecar loads a sidecar, reporting ok=false when it is missing
// or unparsable.
func readSidecar(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false
	}
	return record, true
}
