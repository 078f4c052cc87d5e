package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/config"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/conflict"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Monitors connectivity to the remote backend
  2. Drains the mutation queue whenever connectivity allows
  3. Reloads sync settings when the config file changes
  4. Optionally serves the real-time WebSocket dashboard

Logs go to stderr, or to a rotated log file when log_file is
configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var logWriter io.Writer = os.Stderr

		// Peek at the config for the log destination before building
		// the stack, so component loggers land in the right place.
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.LogFile != "" {
			logWriter = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}

		a, err := openApp(logWriter)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}

		a.monitor.Start()
		a.manager.Start()
		a.manager.ForceSync()

		var dash *dashboard.Server
		if a.cfg.DashboardEnabled {
			dash = dashboard.NewServer(a.bus, &dashboard.Config{
				Port:   a.cfg.DashboardPort,
				Logger: a2Logger(logWriter, "dashboard"),
			})
			if err := dash.Start(); err != nil {
				return err
			}
			defer func() {
				if err := dash.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: dashboard shutdown: %v\n", err)
				}
			}()
			fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n",
				a.cfg.DashboardPort, a.cfg.DashboardPort)
		}

		watcher, err := config.NewWatcher(cfgFile, func(next *config.Config) {
			a.manager.SetStrategy(conflict.Strategy(next.ConflictStrategy))
		}, a2Logger(logWriter, "config"))
		if err == nil {
			if err := watcher.Start(); err == nil {
				defer watcher.Stop()
			}
		}

		fmt.Println("Sync daemon running. Press Ctrl+C to stop.")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
