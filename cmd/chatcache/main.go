// Command chatcache manages the local chat cache: it ingests the spool
// directory, runs the sync daemon and the outgoing message workers, and
// serves the live dashboard.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatkit/chatcache/internal/api"
	"github.com/chatkit/chatcache/internal/config"
	"github.com/chatkit/chatcache/internal/logging"
	"github.com/chatkit/chatcache/internal/schema"
	"github.com/chatkit/chatcache/internal/store"
	"github.com/chatkit/chatcache/internal/ui"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chatcache",
	Short:         "Local cache and sync engine for a chat client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.AddGroup(
		&cobra.Group{ID: "cache", Title: "Cache Commands:"},
		&cobra.Group{ID: "chat", Title: "Chat Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// app holds what every command that touches the cache needs.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	db        *store.Database
}

// openApp loads the config, builds the logger and opens the cache.
func openApp(component string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Component:  component,
	})
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath, store.Options{Logger: logger})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		closer.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, logCloser: closer, db: db}
	if err := a.ensureCurrentUser(context.Background()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// ensureCurrentUser stores the configured user as the current user the
// first time the cache is opened.
func (a *app) ensureCurrentUser(ctx context.Context) error {
	if a.cfg.UserID == "" {
		return nil
	}
	return a.db.Write(ctx, func(s *store.Session) error {
		cur, err := s.CurrentUser()
		if err != nil || cur != nil {
			return err
		}
		_, err = s.SaveCurrentUser(schema.CurrentUserPayload{UserPayload: schema.UserPayload{ID: a.cfg.UserID}})
		return err
	})
}

// apiClient returns the backend client, or api.Offline when none is
// configured.
func (a *app) apiClient() (api.Client, error) {
	if !a.cfg.Online() {
		return api.Offline{}, nil
	}
	return api.NewHTTPClient(api.HTTPOptions{
		BaseURL: a.cfg.API.BaseURL,
		APIKey:  a.cfg.API.Key,
		Token:   a.cfg.API.Token,
		Timeout: a.cfg.API.Timeout,
	})
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Warning: failed to close cache", "error", err)
	}
	a.logCloser.Close()
}
