package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/alimasry/go-camp/config"
	"github.com/alimasry/go-camp/logging"
	"github.com/alimasry/go-camp/model"
	"github.com/alimasry/go-camp/server"
	"github.com/alimasry/go-camp/store/postgres"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "campd",
	Short:         "Versioned document service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cfg.Store.Driver != "postgres" {
			return fmt.Errorf("migrate needs the postgres store driver, got %q", cfg.Store.Driver)
		}
		st, err := postgres.Open(cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msg("schema migrated")
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "cache-clear",
	Short: "Drop every cached document representation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		c, err := openCache(cmd.Context(), cfg.Cache, log)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.Clear(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("backend", cfg.Cache.Backend).Msg("cache cleared")
		return nil
	},
}

var userRoles []string

var userAddCmd = &cobra.Command{
	Use:   "useradd NAME",
	Short: "Create a user, bypassing authorization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		if cfg.Store.Driver == "memory" {
			return errors.New("useradd needs a persistent store driver")
		}
		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		svc, err := newService(st, cfg, nil, nil, log)
		if err != nil {
			return err
		}
		roles := make([]model.Role, 0, len(userRoles))
		for _, r := range userRoles {
			roles = append(roles, model.Role(strings.TrimSpace(r)))
		}
		u, err := svc.CreateUser(cmd.Context(), args[0], roles)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), u.ID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json, toml or .env)")
	userAddCmd.Flags().StringSliceVar(&userRoles, "role", nil, "role to grant, repeatable")
	rootCmd.AddCommand(serveCmd, migrateCmd, cacheClearCmd, userAddCmd)
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	defer c.Close()

	hub := server.NewHub(log)
	svc, err := newService(st, cfg, c, hub, log)
	if err != nil {
		return err
	}
	if err := bootstrapAdmin(ctx, svc, cfg.Auth.BootstrapAdmin, log); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: server.NewHandler(svc, hub, log)}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("store", cfg.Store.Driver).Str("cache", cfg.Cache.Backend).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
