package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the mutation queue now",
	Long: `Run one drain pass over the mutation queue.

Queued mutations are pushed to the remote backend strictly in order.
A transient failure stops the pass (the remaining entries retry on the
next run); a permanently rejected mutation is marked dead and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}

		pending, err := a.queue.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		if pending == 0 {
			fmt.Printf("%s Queue is empty, nothing to sync\n", ui.RenderPass("✓"))
			return nil
		}

		// One probe so the connectivity gate reflects reality before
		// the drain decision.
		a.monitor.Start()
		defer a.monitor.Stop()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		// Give the first probe a moment to land.
		deadline := time.Now().Add(a.cfg.ProbeTimeout + time.Second)
		for a.monitor.State().LastChecked.IsZero() && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		if !a.monitor.ShouldTryOnline() {
			fmt.Printf("%s Backend unreachable, %d mutations remain queued\n", ui.RenderWarn("⚠"), pending)
			return nil
		}

		fmt.Printf("%s Syncing %d mutations...\n", ui.RenderAccent("🔄"), pending)
		start := time.Now()

		a.manager.Drain(ctx)

		remaining, err := a.queue.PendingCount(ctx)
		if err != nil {
			return err
		}
		synced := pending - remaining

		fmt.Printf("%s Drain complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced: %d\n", synced)
		if remaining > 0 {
			fmt.Printf("   Remaining: %d\n", remaining)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
