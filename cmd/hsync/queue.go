package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/queue"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and maintain the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		statusFlag, _ := cmd.Flags().GetString("status")

		muts, err := a.queue.List(cmd.Context(), queue.Status(statusFlag))
		if err != nil {
			return err
		}

		if len(muts) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		for _, m := range muts {
			marker := ui.RenderAccent("•")
			switch m.Status {
			case queue.StatusFailed:
				marker = ui.RenderWarn("⚠")
			case queue.StatusDead:
				marker = ui.RenderFail("✗")
			}
			fmt.Printf("%s #%d %s %s/%s [%s]", marker, m.ID, m.Op, m.Table, m.RecordID, m.Status)
			if m.RetryCount > 0 {
				fmt.Printf(" retries=%d/%d", m.RetryCount, m.MaxRetries)
			}
			fmt.Println()
			if m.LastError != "" {
				fmt.Printf("    %s\n", ui.RenderDim(m.LastError))
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue failed and dead mutations",
	Long: `Reset failed and dead mutations to pending with a fresh retry
budget. The next drain pass picks them up in their original order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.queue.ResetFailed(cmd.Context())
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("%s No failed or dead mutations\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Printf("%s Re-queued %d mutations\n", ui.RenderPass("✓"), n)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old dead mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.queue.PurgeDead(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Purged %d dead mutations\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "", "filter by status (pending, processing, failed, dead)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
