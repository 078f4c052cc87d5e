package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/schema"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/store"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var membersCmd = &cobra.Command{
	Use:     "members",
	GroupID: "records",
	Short:   "Manage member records",
}

var membersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new member",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		name, _ := cmd.Flags().GetString("name")
		email, _ := cmd.Flags().GetString("email")
		phone, _ := cmd.Flags().GetString("phone")

		m := &schema.Member{Name: name, Email: email, Phone: phone}
		if err := a.members.Create(cmd.Context(), m); err != nil {
			return err
		}
		fmt.Printf("%s Member %s registered (%s), queued for sync\n", ui.RenderPass("✓"), m.Name, m.ID)
		return nil
	},
}

var membersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		all, _ := cmd.Flags().GetBool("all")
		search, _ := cmd.Flags().GetString("search")

		var members []*schema.Member
		if search != "" {
			members, err = a.members.Search(cmd.Context(), search)
		} else {
			filter := store.MemberFilter{}
			if !all {
				active := true
				filter.Active = &active
			}
			members, err = a.members.List(cmd.Context(), filter)
		}
		if err != nil {
			return err
		}

		if len(members) == 0 {
			fmt.Println("No members found")
			return nil
		}
		for _, m := range members {
			marker := ui.RenderPass("✓")
			if m.SyncStatus == schema.StatusPending {
				marker = ui.RenderWarn("…")
			} else if m.SyncStatus == schema.StatusConflict {
				marker = ui.RenderFail("!")
			}
			line := fmt.Sprintf("%s %s <%s>", marker, m.Name, m.Email)
			if !m.Active {
				line += ui.RenderDim(" (inactive)")
			}
			fmt.Println(line)
			fmt.Printf("    %s\n", ui.RenderDim(m.ID))
		}
		return nil
	},
}

var membersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate a member (history is preserved)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.members.Deactivate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Member deactivated, queued for sync\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	membersAddCmd.Flags().String("name", "", "full name (required)")
	membersAddCmd.Flags().String("email", "", "email address (required, unique)")
	membersAddCmd.Flags().String("phone", "", "phone number")
	_ = membersAddCmd.MarkFlagRequired("name")
	_ = membersAddCmd.MarkFlagRequired("email")

	membersListCmd.Flags().Bool("all", false, "include deactivated members")
	membersListCmd.Flags().String("search", "", "filter by name or email")

	membersCmd.AddCommand(membersAddCmd)
	membersCmd.AddCommand(membersListCmd)
	membersCmd.AddCommand(membersDeactivateCmd)
	rootCmd.AddCommand(membersCmd)
}
