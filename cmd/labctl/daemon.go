package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/daemon"
	"github.com/labcontrol/labcontrol/internal/dashboard"
	"github.com/labcontrol/labcontrol/internal/ui"
)

var daemonPort int

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "ops",
	Short:   "Run the background service",
	Long: `Run the labcontrol background service.

The daemon watches both store backing files, pushes forceDataRefresh
messages to UI clients over WebSocket when they change, re-runs the
unified backup every 6 hours, and drains the cross-store
reconciliation queue.`,
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		port := daemonPort
		if port == 0 {
			port = svc.cfg.DashboardPort
		}
		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: svc.cfg.NewLogger("[dashboard] "),
		})
		if err := server.Start(); err != nil {
			fatal("%v", err)
		}
		defer func() { _ = server.Stop() }()

		handler := dashboard.NewHandler(server, svc.coord, svc.cfg.NewLogger("[dashboard] "))
		handler.Subscribe()
		defer handler.Unsubscribe()

		dcfg := daemon.DefaultConfig()
		dcfg.Logger = svc.cfg.NewLogger("[daemon] ")
		d, err := daemon.NewWithConfig(svc.coord, server,
			svc.cfg.MainStorePath, svc.cfg.CargoStorePath, dcfg)
		if err != nil {
			fatal("%v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Daemon running, dashboard on %s (Ctrl-C to stop)\n",
			ui.RenderAccent("⛁"), server.GetAddr())

		if err := d.Start(ctx); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "dashboard port (0 = config default)")
	rootCmd.AddCommand(daemonCmd)
}
