// Package daemon provides the background service that keeps the UI and
// the backups current.
//
// The daemon:
// 1. Watches both store backing files for changes
// 2. Pushes debounced forceDataRefresh messages to the dashboard
// 3. Runs the periodic unified backup of both stores
// 4. Drains the cross-store reconciliation queue
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/labcontrol/labcontrol/internal/bus"
	"github.com/labcontrol/labcontrol/internal/coordinator"
)

// Notifier receives refresh and backup pushes for the UI layer.
// *dashboard.Server satisfies it.
type Notifier interface {
	ForceRefresh(storeName, reason string)
	NotifyBackup(storeName string, ok bool, message string)
}

// Config holds configuration for the daemon.
type Config struct {
	// BackupInterval is how often the unified backup runs
	BackupInterval time.Duration

	// DebounceInterval is how long to wait before pushing a refresh
	// for a changed file. This batches rapid writes together.
	DebounceInterval time.Duration

	// ReconcileInterval is how often the daemon retries queued cycle
	// deltas against the cargo store. Reconciliation-flagged events
	// trigger an immediate pass regardless of the interval.
	ReconcileInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackupInterval:    6 * time.Hour,
		DebounceInterval:  250 * time.Millisecond,
		ReconcileInterval: time.Minute,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching, refresh pushes and scheduled backups.
type Daemon struct {
	coord     *coordinator.Coordinator
	notifier  Notifier
	mainPath  string
	cargoPath string
	config    *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // store name -> last change
	changeQueueMu sync.Mutex

	// reconcileC wakes the reconcile loop when an operation reports a
	// cargo-side gap. Buffered so an emit during a running pass is not
	// lost and emitters never block.
	reconcileC chan struct{}
	sub        *bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires the coordinator (for unified backups), a
// notifier (the dashboard server, or nil to disable pushes) and the
// two store backing file paths to watch.
//
// Use Start() to begin watching and backing up.
func New(coord *coordinator.Coordinator, notifier Notifier, mainPath, cargoPath string) (*Daemon, error) {
	return NewWithConfig(coord, notifier, mainPath, cargoPath, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(coord *coordinator.Coordinator, notifier Notifier, mainPath, cargoPath string, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if mainPath == "" || cargoPath == "" {
		return nil, fmt.Errorf("store paths cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = time.Minute
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		coord:       coord,
		notifier:    notifier,
		mainPath:    mainPath,
		cargoPath:   cargoPath,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		reconcileC:  make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Take one immediate unified backup and reconciliation pass
// 2. Watch both store backing files
// 3. Push debounced refresh messages on changes
// 4. Re-run the unified backup every BackupInterval
// 5. Drain queued cycle deltas every ReconcileInterval
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.runBackup()
	d.runReconcile()

	// Watch the parent directories; the backing files themselves may
	// be replaced (restore) which breaks per-file watches.
	dirs := map[string]bool{}
	for _, p := range []string{d.mainPath, d.cargoPath} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := d.watcher.Add(dir); err != nil {
			_ = d.watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	d.config.Logger.Printf("Watching: %s, %s", d.mainPath, d.cargoPath)

	// Operations that leave the cargo store owing cycles flag their
	// event; wake the reconcile loop so the gap closes promptly.
	d.sub = d.coord.Bus().On(bus.CargoUpdated, func(ev bus.Event) {
		p, ok := ev.Payload.(bus.CargoUpdatedPayload)
		if !ok || !p.NeedsReconciliation {
			return
		}
		select {
		case d.reconcileC <- struct{}{}:
		default:
		}
	})

	d.wg.Add(4)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.backupLoop()
	go d.reconcileLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.sub != nil {
		d.coord.Bus().Off(d.sub)
		d.sub = nil
	}

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// storeNameFor maps a changed path to the store it backs, or "" when
// the path is not one we track.
func (d *Daemon) storeNameFor(path string) string {
	switch path {
	case d.mainPath:
		return "main"
	case d.cargoPath:
		return "cargo"
	}
	// SQLite WAL and journal files signal writes to their database.
	switch {
	case path == d.mainPath+"-wal" || path == d.mainPath+"-journal":
		return "main"
	case path == d.cargoPath+"-wal" || path == d.cargoPath+"-journal":
		return "cargo"
	}
	return ""
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) == 0 {
				continue
			}

			name := d.storeNameFor(event.Name)
			if name == "" {
				continue
			}

			d.queueChange(name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records that a store's backing file changed.
func (d *Daemon) queueChange(storeName string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[storeName] = time.Now()
}

// processChangeQueue pushes refresh messages once changes settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges pushes refreshes for stores whose last change
// is older than the debounce interval.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for storeName, changedAt := range d.changeQueue {
		if now.Sub(changedAt) < d.config.DebounceInterval {
			continue
		}

		d.config.Logger.Printf("Store changed: %s", storeName)
		if d.notifier != nil {
			d.notifier.ForceRefresh(storeName, "backing file changed")
		}
		delete(d.changeQueue, storeName)
	}
}

// backupLoop re-runs the unified backup every interval.
func (d *Daemon) backupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.BackupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runBackup()
		}
	}
}

// runBackup performs one unified backup. Failures are logged and
// naturally retried on the next tick.
func (d *Daemon) runBackup() {
	res := d.coord.CreateUnifiedBackup()
	if !res.Main.OK {
		d.config.Logger.Printf("Main store backup failed: %s", res.Main.Message)
	}
	if !res.Cargo.OK {
		d.config.Logger.Printf("Cargo store backup failed: %s", res.Cargo.Message)
	}
	if res.OK() {
		d.config.Logger.Println("Unified backup complete")
	}
	if d.notifier != nil {
		d.notifier.NotifyBackup("main", res.Main.OK, res.Main.Message)
		d.notifier.NotifyBackup("cargo", res.Cargo.OK, res.Cargo.Message)
	}
}

// reconcileLoop drains queued cycle deltas, either on the interval or
// when an event signals a fresh gap.
func (d *Daemon) reconcileLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.reconcileC:
			d.runReconcile()

		case <-ticker.C:
			d.runReconcile()
		}
	}
}

// runReconcile performs one reconciliation pass. Deltas that fail
// again stay queued for the next pass.
func (d *Daemon) runReconcile() {
	applied, remaining := d.coord.Reconcile(d.ctx)
	if applied > 0 || remaining > 0 {
		d.config.Logger.Printf("Reconciliation pass: %d applied, %d still pending", applied, remaining)
	}
}
