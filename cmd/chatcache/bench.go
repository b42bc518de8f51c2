package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chatkit/chatcache/internal/config"
	"github.com/chatkit/chatcache/internal/loadtest"
	"github.com/chatkit/chatcache/internal/spool"
	"github.com/chatkit/chatcache/internal/ui"
)

var cacheImportCmd = &cobra.Command{
	Use:   "import <dump.jsonl>",
	Short: "Import a JSONL dump of channel states into the spool",
	Long: `Split a JSONL dump into spool files.

Every line of the dump is one channel state: the channel, its members and
its messages. The channel goes to channels/{type}--{id}.json and each
message to messages/{id}.json. A running daemon picks the files up;
otherwise run "chatcache cache sync".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		clean, _ := cmd.Flags().GetBool("clean")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if clean && !dryRun {
			if err := spool.Clean(cfg.SpoolDir); err != nil {
				return err
			}
		}

		res, err := spool.Import(cmd.Context(), spool.ImportOptions{
			From:     args[0],
			SpoolDir: cfg.SpoolDir,
			DryRun:   dryRun,
			Backup:   backup,
		})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d channels and %d messages into %s\n",
			ui.RenderPass("✓"), verb, res.Channels, res.Messages, cfg.SpoolDir)
		if res.BackupCreated != "" {
			fmt.Printf("   %s\n", ui.KeyValue("Backup", res.BackupCreated))
		}
		for _, e := range res.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

var cacheBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure query latency under concurrent readers",
	Long: `Fill a scratch cache with synthetic channels and messages and measure
how long opening a conversation takes with many concurrent readers.

The user's cache is not touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channels, _ := cmd.Flags().GetInt("channels")
		messages, _ := cmd.Flags().GetInt("messages")
		readers, _ := cmd.Flags().GetInt("readers")
		queries, _ := cmd.Flags().GetInt("queries")
		verify, _ := cmd.Flags().GetDuration("verify")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		dir, err := os.MkdirTemp("", "chatcache-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		start := time.Now()
		tc, err := loadtest.CreateTestCache(cmd.Context(), filepath.Join(dir, "bench.db"), channels, messages)
		if err != nil {
			return err
		}
		defer tc.Close()
		populated := time.Since(start)

		stats, err := tc.RunConcurrentQueries(cmd.Context(), readers, queries)
		if err != nil {
			return err
		}

		if verify > 0 {
			if err := tc.VerifyConsistency(cmd.Context(), readers, verify); err != nil {
				return fmt.Errorf("consistency check failed: %w", err)
			}
		}

		if asYAML {
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(stats)
		}

		fmt.Printf("%s Populated %d channels and %d messages in %v\n",
			ui.RenderPass("✓"), len(tc.ChannelIDs), tc.TotalMessages, populated.Round(time.Millisecond))
		fmt.Printf("%s %d readers x %d queries\n\n", ui.RenderAccent("→"), readers, queries)
		stats.PrintStats(cmd.OutOrStdout())
		if verify > 0 {
			fmt.Printf("\n%s No inconsistencies during %v with a live writer\n", ui.RenderPass("✓"), verify)
		}
		return nil
	},
}

func init() {
	cacheImportCmd.Flags().Bool("dry-run", false, "Validate the dump without writing files")
	cacheImportCmd.Flags().Bool("backup", false, "Keep a timestamped copy of the dump")
	cacheImportCmd.Flags().Bool("clean", false, "Remove existing spool files first")

	cacheBenchCmd.Flags().Int("channels", 200, "Channels to generate")
	cacheBenchCmd.Flags().Int("messages", 100, "Messages per channel")
	cacheBenchCmd.Flags().Int("readers", 50, "Concurrent readers")
	cacheBenchCmd.Flags().Int("queries", 20, "Conversations opened per reader")
	cacheBenchCmd.Flags().Duration("verify", 0, "Also check consistency against a live writer for this long")
	cacheBenchCmd.Flags().Bool("yaml", false, "Output as YAML")

	cacheCmd.AddCommand(cacheImportCmd)
	cacheCmd.AddCommand(cacheBenchCmd)
}
