package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the real-time WebSocket dashboard",
	Long: `Start the WebSocket dashboard server standalone.

The dashboard broadcasts sync activity to connected clients:
- sync_state: a drain pass started or finished
- network_state: connectivity or connection quality changed
- pending_count: mutation queue depth changed
- record_changed: a table's records changed
- conflict_detected: a conflict awaits manual resolution
- mutation_dead: a mutation was permanently rejected

Normally the daemon serves the dashboard itself (dashboard_enabled);
this command runs it standalone against a live local stack, mainly for
development.

Connect with a WebSocket client:
  ws://localhost:8942/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}
		a.monitor.Start()
		a.manager.Start()

		server := dashboard.NewServer(a.bus, &dashboard.Config{Port: port})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8942, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
