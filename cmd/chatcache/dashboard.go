package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatkit/chatcache/internal/dashboard"
	"github.com/chatkit/chatcache/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the live cache dashboard",
	Long: `Serve a WebSocket dashboard that streams cache changes.

Clients connect to /ws and receive channel_update, message_update, stats
and wipe messages as the cache changes. It only observes the cache; run
"chatcache cache daemon" to keep the cache in sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("dashboard")
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := dashboard.NewServer(dashboard.Config{Port: port, Logger: a.logger})
		if err := server.Start(); err != nil {
			return err
		}
		handler := dashboard.NewHandler(server, a.db, a.logger)
		if err := handler.Attach(ctx); err != nil {
			server.Stop()
			return err
		}

		fmt.Printf("%s Dashboard running\n", ui.RenderPass("✓"))
		fmt.Printf("   %s\n", ui.KeyValue("WebSocket", "ws://"+server.Addr()+"/ws"))
		fmt.Printf("   %s\n", ui.KeyValue("Health", "http://"+server.Addr()+"/health"))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		handler.Detach()
		if err := server.Stop(); err != nil {
			return err
		}
		fmt.Println("Dashboard stopped")
		return nil
	},
}

func init() {
	dashboardCmd.Flags().Int("port", dashboard.DefaultConfig().Port, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
