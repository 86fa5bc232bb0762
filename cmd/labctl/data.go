package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labcontrol/labcontrol/internal/ui"
)

var dataCmd = &cobra.Command{
	Use:     "data",
	GroupID: "data",
	Short:   "Unified reads across both stores",
}

var (
	exportFormat string
	exportOut    string
)

var dataExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the unified payload of both stores",
	Long: `Export a full merged read of both stores for the report generator.

The read is all-or-nothing: if either store fails, nothing is written
and the failing store is named in the error.`,
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		data, err := svc.coord.GetUnifiedData(context.Background())
		if err != nil {
			fatal("%v", err)
		}

		var out []byte
		switch exportFormat {
		case "json":
			out, err = json.MarshalIndent(data, "", "  ")
		case "yaml":
			out, err = yaml.Marshal(data)
		default:
			fatal("format must be json or yaml (got %q)", exportFormat)
		}
		if err != nil {
			fatal("failed to encode payload: %v", err)
		}

		if exportOut == "" || exportOut == "-" {
			fmt.Println(string(out))
			return
		}
		if err := os.WriteFile(exportOut, out, 0644); err != nil {
			fatal("failed to write %s: %v", exportOut, err)
		}
		fmt.Printf("%s Exported unified data to %s\n", ui.RenderPass("✓"), exportOut)
	},
}

var dataCargoCmd = &cobra.Command{
	Use:   "cargo",
	Short: "Show the cargo summary the main-facing UI renders",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		summary, err := svc.coord.SyncCargoDataToMain(context.Background())
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s %d piece(s), %d active link(s), %d total cycle(s)\n\n",
			ui.RenderAccent("⛭"), len(summary.Pieces), summary.ActiveLinks, summary.TotalCycles)
		for _, ps := range summary.Pieces {
			protocol := ui.RenderDim("unlinked")
			if ps.ActiveLink != nil {
				protocol = fmt.Sprintf("%s (%s)", ps.ActiveLink.Protocol, ps.ActiveLink.CycleKind)
			}
			fmt.Printf("  %-12s %-8s %6d cycles  %s\n",
				ps.Piece.TagID, ps.Piece.Status, ps.Piece.CycleCount, protocol)
		}
	},
}

func init() {
	dataExportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format (json|yaml)")
	dataExportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", "output file (- for stdout)")

	dataCmd.AddCommand(dataExportCmd)
	dataCmd.AddCommand(dataCargoCmd)
	rootCmd.AddCommand(dataCmd)
}
