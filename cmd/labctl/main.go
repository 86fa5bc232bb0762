// labctl is the command-line surface of the labcontrol hybrid
// persistence coordinator: two independent embedded stores (main and
// cargo), an event bus between them, and the backup/versioning engine.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/backup"
	"github.com/labcontrol/labcontrol/internal/bus"
	"github.com/labcontrol/labcontrol/internal/config"
	"github.com/labcontrol/labcontrol/internal/coordinator"
	"github.com/labcontrol/labcontrol/internal/store"
)

var workspaceRoot string

var rootCmd = &cobra.Command{
	Use:   "labctl",
	Short: "Laboratory reagent and load-test equipment tracking",
	Long: `labctl manages the labcontrol hybrid data layer.

Two independent embedded stores back the tool: the main store
(inventory, assays, calibrations, users, settings) and the cargo store
(load-test pieces and their protocol links). labctl exposes the
cross-store operations, the backup engine and the background daemon.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceRoot, "workspace", "w", ".",
		"workspace root holding the stores and backups")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "ops", Title: "Operations Commands:"},
	)
}

// services bundles everything a command needs, with one Close.
type services struct {
	cfg    *config.Config
	main   *store.MainStore
	cargo  *store.CargoStore
	engine *backup.Engine
	coord  *coordinator.Coordinator
	logger *log.Logger
}

// openServices constructs and initializes the full service stack.
// Callers must invoke Close when done.
func openServices() (*services, error) {
	cfg, err := config.Load(workspaceRoot)
	if err != nil {
		return nil, err
	}

	main, err := store.OpenMain(cfg.MainStorePath)
	if err != nil {
		return nil, fmt.Errorf("main store: %w", err)
	}
	if err := main.Initialize(); err != nil {
		_ = main.Close()
		return nil, fmt.Errorf("main store: %w", err)
	}

	cargo, err := store.OpenCargo(cfg.CargoStorePath)
	if err != nil {
		_ = main.Close()
		return nil, fmt.Errorf("cargo store: %w", err)
	}
	if err := cargo.Initialize(); err != nil {
		_ = main.Close()
		_ = cargo.Close()
		return nil, fmt.Errorf("cargo store: %w", err)
	}

	logger := cfg.NewLogger("[labctl] ")
	engine := backup.New(cfg.WorkspaceRoot, &backup.Config{Logger: cfg.NewLogger("[backup] ")})

	return &services{
		cfg:    cfg,
		main:   main,
		cargo:  cargo,
		engine: engine,
		coord:  coordinator.New(main, cargo, bus.New(), engine, cfg.NewLogger("[coordinator] ")),
		logger: logger,
	}, nil
}

// Close releases both store handles.
func (s *services) Close() {
	if err := s.cargo.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close cargo store: %v\n", err)
	}
	if err := s.main.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close main store: %v\n", err)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
