package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "ops",
	Short:   "Backup and restore the store backing files",
	Long: `Manage snapshots of the two store backing files.

Snapshots live under {workspace}/.labcontrol-backups as pairs of a
data file and a JSON metadata sidecar. At most 30 pairs are retained,
newest first.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot both stores now",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		res := svc.coord.CreateUnifiedBackup()
		report := func(name string, ok bool, msg string) {
			if ok {
				fmt.Printf("%s %s store: %s\n", ui.RenderPass("✓"), name, msg)
			} else {
				fmt.Printf("%s %s store: %s\n", ui.RenderFail("✗"), name, msg)
			}
		}
		report("main", res.Main.OK, res.Main.Message)
		report("cargo", res.Cargo.OK, res.Cargo.Message)

		if !res.OK() {
			os.Exit(1)
		}
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained snapshots, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		records := svc.engine.ListBackups()
		if len(records) == 0 {
			fmt.Printf("%s No backups found under %s\n", ui.RenderWarn("⚠"), svc.engine.Dir())
			return
		}

		fmt.Printf("%s %d backup(s) in %s\n\n", ui.RenderAccent("⛃"), len(records), svc.engine.Dir())
		for _, r := range records {
			mark := ui.RenderPass("✓")
			if !r.SizeMatches {
				mark = ui.RenderWarn("⚠ size mismatch")
			}
			version := fmt.Sprintf("v%d", r.Version)
			if r.Version == 0 {
				version = ui.RenderDim("v? (no sidecar)")
			}
			fmt.Printf("  %-58s %-6s %8d bytes  %s  %s\n",
				r.FileName, version, r.FileSize,
				r.BackupDate.Format("2006-01-02 15:04:05"), mark)
		}
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-name> <target>",
	Short: "Restore a snapshot over a target file",
	Long: `Restore the named snapshot over the target file.

If the target exists, its current content is saved first as a
before-restore safety snapshot in the backup directory.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		res := svc.engine.RestoreBackup(args[0], args[1])
		if !res.OK {
			fmt.Printf("%s %s\n", ui.RenderFail("✗"), res.Message)
			os.Exit(1)
		}
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), res.Message)
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
