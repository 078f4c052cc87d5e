package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local database and queue status",
	Long: `Display the current state of the local database, the mutation
queue, unresolved conflicts, and backend reachability.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()

		info, err := os.Stat(a.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to stat database: %w", err)
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Local database"))
		fmt.Printf("   Path: %s\n", a.cfg.DBPath)
		fmt.Printf("   Size: %.1f KB\n", float64(info.Size())/1024)

		counts, err := a.db.RecordCounts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("   Members: %d\n", counts["members"])
		fmt.Printf("   Payments: %d\n", counts["payments"])
		fmt.Printf("   Tickets: %d\n", counts["tickets"])

		byStatus, err := a.queue.CountByStatus(ctx)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range byStatus {
			total += n
		}

		fmt.Printf("\n%s\n", ui.RenderBold("Mutation queue"))
		if total == 0 {
			fmt.Printf("   %s Empty, all changes synced\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("   Pending: %d\n", byStatus[queue.StatusPending])
			if n := byStatus[queue.StatusProcessing]; n > 0 {
				fmt.Printf("   Processing: %d\n", n)
			}
			if n := byStatus[queue.StatusFailed]; n > 0 {
				fmt.Printf("   %s Failed (will retry): %d\n", ui.RenderWarn("⚠"), n)
			}
			if n := byStatus[queue.StatusDead]; n > 0 {
				fmt.Printf("   %s Dead (need attention): %d\n", ui.RenderFail("✗"), n)
			}
		}

		if a.cfg.RemoteURL != "" {
			if err := a.connect(); err != nil {
				return err
			}
			fmt.Printf("\n%s\n", ui.RenderBold("Backend"))
			fmt.Printf("   URL: %s\n", a.cfg.RemoteURL)

			probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
			rtt, err := a.client.Ping(probeCtx)
			cancel()
			if err != nil {
				fmt.Printf("   %s Unreachable: %v\n", ui.RenderWarn("⚠"), err)
			} else {
				fmt.Printf("   %s Online (rtt %v)\n", ui.RenderPass("✓"), rtt.Round(time.Millisecond))
			}

			unresolved, err := a.resolver.UnresolvedCount(ctx)
			if err != nil {
				return err
			}
			if unresolved > 0 {
				fmt.Printf("\n%s %d unresolved conflicts (run 'hsync conflicts list')\n",
					ui.RenderWarn("⚠"), unresolved)
			}
		} else {
			fmt.Printf("\n%s remote_url not configured, running local-only\n", ui.RenderDim("·"))
		}

		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
