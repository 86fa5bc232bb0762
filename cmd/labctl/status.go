package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "ops",
	Short:   "Show store and backup status",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		fmt.Printf("\n%s labcontrol status\n\n", ui.RenderAccent("⛁"))

		printStore := func(name, path string, count int, err error) {
			size := int64(0)
			if info, statErr := os.Stat(path); statErr == nil {
				size = info.Size()
			}
			if err != nil {
				fmt.Printf("  %-6s %s %v\n", name, ui.RenderFail("✗"), err)
				return
			}
			fmt.Printf("  %-6s %s %d record(s), %d bytes  %s\n",
				name, ui.RenderPass("✓"), count, size, ui.RenderDim(path))
		}

		assays, err := svc.main.GetAssayCount()
		printStore("main", svc.main.Path(), assays, err)
		pieces, err := svc.cargo.GetPieceCount()
		printStore("cargo", svc.cargo.Path(), pieces, err)

		records := svc.engine.ListBackups()
		if len(records) == 0 {
			fmt.Printf("\n  %s no backups yet (run 'labctl backup create')\n\n", ui.RenderWarn("⚠"))
			return
		}
		newest := records[0]
		fmt.Printf("\n  %-6s %s %d retained, newest v%d at %s\n\n",
			"backup", ui.RenderPass("✓"), len(records), newest.Version,
			newest.BackupDate.Format("2006-01-02 15:04:05"))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
