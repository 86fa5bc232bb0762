package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/coordinator"
	"github.com/labcontrol/labcontrol/internal/schema"
	"github.com/labcontrol/labcontrol/internal/ui"
)

var assayCmd = &cobra.Command{
	Use:     "assay",
	GroupID: "data",
	Short:   "Manage assays (main store) and their cargo-side effects",
}

var (
	assayAddProtocol string
	assayAddPieceTag string
	assayAddCycles   int
	assayAddOperator string
)

var assayAddCmd = &cobra.Command{
	Use:   "add <id> <name>",
	Short: "Record an assay in the main store",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		a := &schema.Assay{
			ID:       args[0],
			Name:     args[1],
			Protocol: assayAddProtocol,
			PieceTag: assayAddPieceTag,
			Cycles:   assayAddCycles,
			Operator: assayAddOperator,
			Status:   schema.AssayRunning,
		}
		a.SetDefaults()
		now := time.Now()
		a.StartedAt = &now

		if err := svc.main.UpsertAssay(a); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Assay %s recorded\n", ui.RenderPass("✓"), a.ID)
	},
}

var assayCompleteCmd = &cobra.Command{
	Use:   "complete <assay-id>",
	Short: "Complete an assay and apply its cycles to the linked piece",
	Long: `Mark an assay completed in the main store, then apply its recorded
cycles to the piece it references in the cargo store.

The two writes are not atomic: if the cargo side fails after the main
store committed, the command reports "partially applied" and queues
the owed cycles; run "labctl assay reconcile" (or the daemon) to
complete the transfer.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()
		ctx := context.Background()

		assay, err := svc.main.GetAssayByID(args[0])
		if err != nil {
			fatal("%v", err)
		}
		if assay.PieceTag == "" {
			fatal("assay %s references no piece", assay.ID)
		}

		// Main-store commit happens first; the cargo side follows.
		assay.Status = schema.AssayCompleted
		now := time.Now()
		assay.CompletedAt = &now
		assay.UpdatedAt = now
		if err := svc.main.UpsertAssay(assay); err != nil {
			fatal("%v", err)
		}

		outcome, err := svc.coord.NotifyAssayCompletion(ctx, assay.ID, assay.PieceTag)
		switch outcome {
		case coordinator.Applied:
			fmt.Printf("%s Assay %s completed, %d cycle(s) applied to piece %s\n",
				ui.RenderPass("✓"), assay.ID, assay.Cycles, assay.PieceTag)
		case coordinator.PartiallyApplied:
			fmt.Printf("%s Assay %s committed but cargo update failed: %v\n",
				ui.RenderWarn("⚠"), assay.ID, err)
			fmt.Println("   Run 'labctl assay reconcile' once the cargo store recovers.")
			os.Exit(1)
		default:
			fatal("%v", err)
		}

		if err := svc.coord.UpdatePieceStatusFromAssay(ctx, assay.PieceTag, assay.Status); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: piece status not propagated: %v\n", err)
		}
	},
}

var assayReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Retry queued cargo-side cycle transfers",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		applied, remaining := svc.coord.Reconcile(context.Background())
		if remaining > 0 {
			fmt.Printf("%s Reconciled %d delta(s), %d still pending\n",
				ui.RenderWarn("⚠"), applied, remaining)
			os.Exit(1)
		}
		fmt.Printf("%s Reconciled %d delta(s), none pending\n", ui.RenderPass("✓"), applied)
	},
}

var assayPropagateCmd = &cobra.Command{
	Use:   "propagate <tag> <status>",
	Short: "Propagate an assay status to a piece's lifecycle state",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		status := schema.AssayStatus(args[1])
		if err := svc.coord.UpdatePieceStatusFromAssay(context.Background(), args[0], status); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Status %s propagated to piece %s\n", ui.RenderPass("✓"), status, args[0])
	},
}

func init() {
	assayAddCmd.Flags().StringVar(&assayAddProtocol, "protocol", "", "test protocol name")
	assayAddCmd.Flags().StringVar(&assayAddPieceTag, "piece", "", "hardware tag of the piece under test")
	assayAddCmd.Flags().IntVar(&assayAddCycles, "cycles", 0, "cycles recorded against the assay")
	assayAddCmd.Flags().StringVar(&assayAddOperator, "operator", "", "operator running the assay")

	assayCmd.AddCommand(assayAddCmd)
	assayCmd.AddCommand(assayCompleteCmd)
	assayCmd.AddCommand(assayReconcileCmd)
	assayCmd.AddCommand(assayPropagateCmd)
	rootCmd.AddCommand(assayCmd)
}
