package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var ticketsCmd = &cobra.Command{
	Use:     "tickets",
	GroupID: "records",
	Short:   "Manage event tickets",
}

var ticketsIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a ticket to a member",
	Long: `Issue an event ticket.

Tickets issued offline carry a provisional number and receive their
real per-event sequence number during sync, so two devices issuing
tickets concurrently cannot collide.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		memberID, _ := cmd.Flags().GetString("member")
		event, _ := cmd.Flags().GetString("event")

		t := &schema.Ticket{MemberID: memberID, Event: event}
		if err := a.tickets.Issue(cmd.Context(), t); err != nil {
			return err
		}
		fmt.Printf("%s Ticket issued for %s, number assigned on sync\n", ui.RenderPass("✓"), t.Event)
		return nil
	},
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets by event and number",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		event, _ := cmd.Flags().GetString("event")
		memberID, _ := cmd.Flags().GetString("member")

		tickets, err := a.tickets.List(cmd.Context(), store.TicketFilter{
			Event:    event,
			MemberID: memberID,
		})
		if err != nil {
			return err
		}

		if len(tickets) == 0 {
			fmt.Println("No tickets found")
			return nil
		}
		for _, t := range tickets {
			num := ui.RenderDim("(provisional)")
			if !t.HasProvisionalSeq() {
				num = fmt.Sprintf("#%d", t.SeqNo)
			}
			marker := ui.RenderPass("✓")
			if t.SyncStatus == schema.StatusPending {
				marker = ui.RenderWarn("…")
			}
			fmt.Printf("%s %s %s %s\n", marker, t.Event, num, ui.RenderDim(t.MemberID))
		}
		return nil
	},
}

var ticketsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.tickets.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Ticket deleted, queued for sync\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	ticketsIssueCmd.Flags().String("member", "", "member id (required)")
	ticketsIssueCmd.Flags().String("event", "", "event name (required)")
	_ = ticketsIssueCmd.MarkFlagRequired("member")
	_ = ticketsIssueCmd.MarkFlagRequired("event")

	ticketsListCmd.Flags().String("event", "", "filter by event")
	ticketsListCmd.Flags().String("member", "", "filter by member id")

	ticketsCmd.AddCommand(ticketsIssueCmd)
	ticketsCmd.AddCommand(ticketsListCmd)
	ticketsCmd.AddCommand(ticketsDeleteCmd)
	rootCmd.AddCommand(ticketsCmd)
}
