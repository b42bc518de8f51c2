package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatkit/chatcache/internal/config"
	"github.com/chatkit/chatcache/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write a TOML config file holding every setting at its default value.

Every setting can also be given through the environment with the
CHATCACHE_ prefix, e.g. CHATCACHE_API_BASE_URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path, err := config.WriteDefault(configPath, force)
		if err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
