package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var paymentsCmd = &cobra.Command{
	Use:     "payments",
	GroupID: "records",
	Short:   "Manage payment records",
}

var paymentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a payment",
	Long: `Record a membership fee or donation payment.

The receipt number is assigned by the server during sync; until then
the payment shows without one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		memberID, _ := cmd.Flags().GetString("member")
		amount, _ := cmd.Flags().GetInt64("amount")
		concept, _ := cmd.Flags().GetString("concept")

		p := &schema.Payment{MemberID: memberID, AmountCents: amount, Concept: concept}
		if err := a.payments.Create(cmd.Context(), p); err != nil {
			return err
		}
		fmt.Printf("%s Payment of %.2f recorded for %s, queued for sync\n",
			ui.RenderPass("✓"), float64(p.AmountCents)/100, p.MemberName)
		return nil
	},
}

var paymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		memberID, _ := cmd.Flags().GetString("member")
		limit, _ := cmd.Flags().GetInt("limit")

		payments, err := a.payments.List(cmd.Context(), store.PaymentFilter{
			MemberID: memberID,
			Limit:    limit,
		})
		if err != nil {
			return err
		}

		if len(payments) == 0 {
			fmt.Println("No payments found")
			return nil
		}
		for _, p := range payments {
			receipt := ui.RenderDim("(no receipt yet)")
			if p.ReceiptNo > 0 {
				receipt = fmt.Sprintf("receipt #%d", p.ReceiptNo)
			}
			marker := ui.RenderPass("✓")
			if p.SyncStatus == schema.StatusPending {
				marker = ui.RenderWarn("…")
			}
			fmt.Printf("%s %.2f %s %s %s\n", marker,
				float64(p.AmountCents)/100, p.Concept, ui.RenderDim(p.MemberName), receipt)
		}
		return nil
	},
}

var paymentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a payment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.payments.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Payment deleted, queued for sync\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	paymentsAddCmd.Flags().String("member", "", "member id (required)")
	paymentsAddCmd.Flags().Int64("amount", 0, "amount in cents (required)")
	paymentsAddCmd.Flags().String("concept", "", "payment concept (required)")
	_ = paymentsAddCmd.MarkFlagRequired("member")
	_ = paymentsAddCmd.MarkFlagRequired("amount")
	_ = paymentsAddCmd.MarkFlagRequired("concept")

	paymentsListCmd.Flags().String("member", "", "filter by member id")
	paymentsListCmd.Flags().Int("limit", 0, "limit results (0 = all)")

	paymentsCmd.AddCommand(paymentsAddCmd)
	paymentsCmd.AddCommand(paymentsListCmd)
	paymentsCmd.AddCommand(paymentsDeleteCmd)
	rootCmd.AddCommand(paymentsCmd)
}
