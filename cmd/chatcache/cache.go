package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/chatkit/chatcache/internal/daemon"
	"github.com/chatkit/chatcache/internal/dashboard"
	"github.com/chatkit/chatcache/internal/store"
	cachesync "github.com/chatkit/chatcache/internal/sync"
	"github.com/chatkit/chatcache/internal/ui"
	"github.com/chatkit/chatcache/internal/worker"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "cache",
	Short:   "Local cache management",
	Long: `Manage the local chat cache.

The cache is a SQLite database that mirrors channels, messages, users and
reactions. It is filled from the spool directory and from the chat backend,
and it holds outgoing messages until they are sent.`,
}

var cacheSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Full sync from the spool directory into the cache",
	Long: `Sync every spool file into the cache.

This performs a full sync:
  1. Reads all channels/*.json files
  2. Reads all messages/*.json files
  3. Updates the cache

Files that cannot be read are reported and skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("sync")
		if err != nil {
			return err
		}
		defer a.Close()

		channelsDir := filepath.Join(a.cfg.SpoolDir, "channels")
		messagesDir := filepath.Join(a.cfg.SpoolDir, "messages")

		fmt.Printf("%s Syncing from %s...\n", ui.RenderAccent("→"), a.cfg.SpoolDir)
		start := time.Now()

		res, err := cachesync.New(a.db, a.logger).FullSync(cmd.Context(), channelsDir, messagesDir)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   %s\n", ui.KeyValue("Channels", res.Channels))
		fmt.Printf("   %s\n", ui.KeyValue("Messages", res.Messages))
		if res.Failed() {
			fmt.Printf("%s %d channel and %d message files skipped (see log)\n",
				ui.RenderWarn("⚠"), res.ChannelsFailed, res.MessagesFailed)
		}
		fmt.Printf("   %s\n", ui.KeyValue("Cache", a.db.Path()))
		return nil
	},
}

// statusReport is the machine-readable form of cache status.
type statusReport struct {
	Path      string      `yaml:"path"`
	SizeBytes int64       `yaml:"size_bytes"`
	Modified  time.Time   `yaml:"modified"`
	SpoolDir  string      `yaml:"spool_dir"`
	Online    bool        `yaml:"online"`
	Stats     store.Stats `yaml:"stats"`
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache status",
	Long: `Display the current status of the cache.

Shows:
  - Cache file location and size
  - Number of users, channels, messages and reactions
  - Outgoing messages waiting to be sent or synced, and failed ones`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asYAML, _ := cmd.Flags().GetBool("yaml")

		a, err := openApp("status")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		report := statusReport{
			Path:     a.db.Path(),
			SpoolDir: a.cfg.SpoolDir,
			Online:   a.cfg.Online(),
			Stats:    st,
		}
		if info, err := os.Stat(a.db.Path()); err == nil {
			report.SizeBytes = info.Size()
			report.Modified = info.ModTime()
		}

		if asYAML {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("failed to encode status: %w", err)
			}
			return enc.Close()
		}

		fmt.Printf("\n%s\n\n", ui.RenderAccent("Cache Status"))
		fmt.Println(ui.KeyValue("Location", report.Path))
		fmt.Println(ui.KeyValue("Size", ui.FormatSize(report.SizeBytes)))
		fmt.Println(ui.KeyValue("Modified", report.Modified.Format("2006-01-02 15:04:05")))
		fmt.Println(ui.KeyValue("Spool", report.SpoolDir))
		fmt.Println()
		fmt.Println(ui.KeyValue("Users", st.Users))
		fmt.Println(ui.KeyValue("Channels", st.Channels))
		fmt.Println(ui.KeyValue("Messages", st.Messages))
		fmt.Println(ui.KeyValue("Reactions", st.Reactions))
		fmt.Println(ui.KeyValue("Pending send", st.PendingSend))
		fmt.Println(ui.KeyValue("Pending sync", st.PendingSync))
		if st.Failed > 0 {
			fmt.Println(ui.KeyValue("Failed", ui.RenderWarn(fmt.Sprint(st.Failed))))
		} else {
			fmt.Println(ui.KeyValue("Failed", st.Failed))
		}
		if !report.Online {
			fmt.Printf("\n%s\n", ui.RenderMuted("No backend configured; outgoing messages stay queued."))
		}
		fmt.Println()
		return nil
	},
}

var cacheWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Remove all cached data",
	Long: `Remove every record from the cache, including outgoing messages that
were not sent yet. The schema is kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := openApp("wipe")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		interactive := ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout)
		ok, err := confirmWipe(os.Stdout, st, yes, interactive, promptConfirm)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := a.db.RemoveAllData(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s Cache wiped\n", ui.RenderPass("✓"))
		return nil
	},
}

// promptConfirm asks a yes/no question on the terminal.
var promptConfirm = func(title, description string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Wipe").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

// confirmWipe decides whether a wipe goes ahead. Without --yes it asks when
// running interactively and otherwise explains how to confirm.
func confirmWipe(w io.Writer, st store.Stats, yes, interactive bool, prompt func(title, description string) (bool, error)) (bool, error) {
	if yes {
		return true, nil
	}
	summary := fmt.Sprintf("This removes %d channels and %d messages (%d unsent).",
		st.Channels, st.Messages, st.PendingSend+st.PendingSync+st.Failed)
	if interactive {
		ok, err := prompt("Wipe the cache?", summary)
		if err != nil {
			return false, fmt.Errorf("confirm wipe: %w", err)
		}
		if !ok {
			fmt.Fprintln(w, ui.RenderMuted("Wipe cancelled."))
		}
		return ok, nil
	}
	fmt.Fprintf(w, "%s %s\n", ui.RenderWarn("⚠"), summary)
	fmt.Fprintln(w, "   Run again with --yes to confirm.")
	return false, nil
}

var cacheDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync the whole spool directory into the cache
  2. Watch channels/ and messages/ and sync changed files
  3. Send queued messages and edits when a backend is configured
  4. Serve the dashboard when --dashboard is given

Stop it with Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")

		a, err := openApp("daemon")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)

		// abort unwinds whatever was already started.
		abort := func(err error) error {
			stop()
			_ = g.Wait()
			return err
		}

		dcfg := daemon.Config{
			DebounceInterval: a.cfg.Daemon.DebounceInterval,
			FullSyncInterval: a.cfg.Daemon.FullSyncInterval,
			Logger:           a.logger,
		}

		if withDashboard {
			server := dashboard.NewServer(dashboard.Config{Port: a.cfg.Dashboard.Port, Logger: a.logger})
			if err := server.Start(); err != nil {
				return err
			}
			handler := dashboard.NewHandler(server, a.db, a.logger)
			if err := handler.Attach(ctx); err != nil {
				server.Stop()
				return err
			}
			dcfg.OnFullSync = handler.OnSyncComplete
			fmt.Printf("   %s\n", ui.KeyValue("Dashboard", "http://"+server.Addr()))

			g.Go(func() error {
				<-ctx.Done()
				handler.Detach()
				return server.Stop()
			})
		}

		d, err := daemon.New(cachesync.New(a.db, a.logger), a.cfg.SpoolDir, dcfg)
		if err != nil {
			return abort(err)
		}

		if a.cfg.Online() {
			client, err := a.apiClient()
			if err != nil {
				return abort(err)
			}
			sender := worker.NewMessageSender(a.db, client, a.logger)
			editor := worker.NewMessageEditor(a.db, client, a.logger)
			if err := sender.Start(ctx); err != nil {
				return abort(err)
			}
			if err := editor.Start(ctx); err != nil {
				sender.Stop()
				return abort(err)
			}
			g.Go(func() error {
				<-ctx.Done()
				sender.Stop()
				editor.Stop()
				return nil
			})
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("→"))
		fmt.Printf("   %s\n", ui.KeyValue("Spool", a.cfg.SpoolDir))
		fmt.Printf("   %s\n", ui.KeyValue("Cache", a.db.Path()))
		if !a.cfg.Online() {
			fmt.Printf("   %s\n", ui.RenderMuted("offline: outgoing messages stay queued"))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g.Go(func() error { return d.Run(ctx) })

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		fmt.Println("Daemon stopped")
		return nil
	},
}

func init() {
	cacheStatusCmd.Flags().Bool("yaml", false, "Output as YAML")
	cacheWipeCmd.Flags().Bool("yes", false, "Confirm removing all data")
	cacheDaemonCmd.Flags().Bool("dashboard", false, "Serve the dashboard while running")

	cacheCmd.AddCommand(cacheSyncCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheWipeCmd)
	cacheCmd.AddCommand(cacheDaemonCmd)
	rootCmd.AddCommand(cacheCmd)
}
