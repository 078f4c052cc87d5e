// Command hsync manages the local membership database and keeps it
// reconciled with the remote backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hsync",
	Short: "Offline-first membership database with background sync",
	Long: `hsync keeps a local SQLite copy of the brotherhood's members,
payments and tickets, usable fully offline. Every write is recorded
durably and queued; a background drain pushes queued changes to the
remote backend whenever connectivity allows, in the exact order they
were made.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.hsync/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
