package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/config"
	"github.com/cuadrillasoledadaya/hermandad-sync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Show and initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		data, err := cfg.Render()
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s", path)
		}

		if err := config.Default().WriteFile(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote default config to %s\n", ui.RenderPass("✓"), path)
		fmt.Println("Set remote_url and api_key to enable sync.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
