package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"setu/config"
	"setu/core/appbootstrap"
	"setu/core/ledger"
	"setu/core/store"
	"setu/core/utils"
)

const shutdownTimeout = 20 * time.Second

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "setu",
		Short:         "Setu civic incident reporting backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("SETU_CONFIG", "config.yaml"), "path to yaml config (optional)")
	root.AddCommand(newServeCmd(opts), newMigrateCmd(opts), newLeaderboardCmd(opts))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *rootOptions) load() (*config.AppConfig, *utils.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := utils.NewLoggerWithOptions(os.Stdout, cfg.LogLevel, cfg.Debug)
	return cfg, logger, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server with background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) error {
	app, err := appbootstrap.Compose(ctx, cfg, logger, appbootstrap.Options{})
	if err != nil {
		return err
	}
	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if err := app.Start(workersCtx); err != nil {
		_ = app.Stop(context.Background())
		return err
	}
	srv := app.Server.NewHTTPServer()
	srvErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Printf("shutting down")
	case runErr = <-srvErr:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// hub close ends websocket streams, so stop the app before draining http
	cancelWorkers()
	stopErr := app.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopErr = errors.Join(stopErr, err)
	}
	return errors.Join(runErr, stopErr)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print the schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			db, err := store.NewDB(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, logger); err != nil {
				return err
			}
			version, err := store.MigrationVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func newLeaderboardCmd(opts *rootOptions) *cobra.Command {
	var role string
	var n int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the top users by points as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			var r store.Role
			if role != "" {
				parsed, ok := store.ParseRole(role)
				if !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				r = parsed
			}
			db, err := store.NewDB(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			l := ledger.New(store.NewUsersStore(db), store.NewPointsStore(db), nil, cfg.Redis, logger)
			entries, err := l.TopN(cmd.Context(), r, n)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "citizen, ngo or government (default all)")
	cmd.Flags().IntVarP(&n, "top", "n", ledger.DefaultTopN, "number of entries")
	return cmd
}
