package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/conflict"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}

		conflicts, err := a.resolver.ListUnresolved(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No unresolved conflicts\n", ui.RenderPass("✓"))
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s #%d %s/%s detected %s\n", ui.RenderWarn("⚠"),
				c.ID, c.Table, c.RecordID, c.DetectedAt.Format(time.RFC3339))
			fmt.Printf("    local:  %s (%s)\n", compactJSON(c.LocalData), c.LocalTS.Format(time.RFC3339))
			fmt.Printf("    server: %s (%s)\n", compactJSON(c.ServerData), c.ServerTS.Format(time.RFC3339))
		}
		fmt.Printf("\nResolve with: hsync conflicts resolve <id>\n")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by keeping one version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conflict id %q", args[0])
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}

		c, err := a.resolver.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		if c.Resolved {
			fmt.Printf("%s Conflict #%d is already resolved (%s)\n", ui.RenderPass("✓"), id, c.Resolution)
			return nil
		}

		keep, _ := cmd.Flags().GetString("keep")
		if keep == "" {
			keep, err = pickResolution(c)
			if err != nil {
				return err
			}
		}

		var choice conflict.Resolution
		switch keep {
		case "local":
			choice = conflict.ResolutionLocal
		case "server":
			choice = conflict.ResolutionServer
		default:
			return fmt.Errorf("invalid choice %q (want local or server)", keep)
		}

		if err := a.resolver.ResolveManual(cmd.Context(), id, choice); err != nil {
			return err
		}
		fmt.Printf("%s Conflict #%d resolved, kept %s version\n", ui.RenderPass("✓"), id, keep)
		return nil
	},
}

// pickResolution asks interactively which version to keep.
func pickResolution(c *conflict.Conflict) (string, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Conflict on %s/%s", c.Table, c.RecordID)).
				Description(fmt.Sprintf("local:  %s\nserver: %s",
					compactJSON(c.LocalData), compactJSON(c.ServerData))).
				Options(
					huh.NewOption("Keep local version (push to server)", "local"),
					huh.NewOption("Keep server version (discard local change)", "server"),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("resolution cancelled: %w", err)
	}
	return choice, nil
}

// compactJSON renders raw JSON on one line, truncated for display.
func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	const max = 100
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}

func init() {
	conflictsResolveCmd.Flags().String("keep", "", "version to keep (local or server); prompts when omitted")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
