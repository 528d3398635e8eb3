package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nebulatech/volquota/internal/app"
	"github.com/nebulatech/volquota/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.AppConfig{}

	rootCmd := &cobra.Command{
		Use:           "volquotad",
		Short:         "Volume quota accounting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfg.ConfigPath, "config", "c", "", "path to config file (default config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the quota service",
		RunE: func(cmd *cobra.Command, args []string) error {
			app.SetupLogging(cfg)
			ctx, stop := signalContext()
			defer stop()
			return app.RunServer(ctx, cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app.SetupLogging(cfg)
			return app.Migrate(cmd.Context(), cfg)
		},
	}

	expireCmd := &cobra.Command{
		Use:   "expire",
		Short: "Release expired reservations once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app.SetupLogging(cfg)
			expired, errExpire := app.ExpireOnce(cmd.Context(), cfg)
			if errExpire != nil {
				return errExpire
			}
			fmt.Printf("released %d expired reservations\n", expired)
			return nil
		},
	}

	var adminUsername, adminPassword string
	adminCreateCmd := &cobra.Command{
		Use:   "admin-create",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app.SetupLogging(cfg)
			return app.CreateAdmin(cmd.Context(), cfg, adminUsername, adminPassword)
		},
	}
	adminCreateCmd.Flags().StringVar(&adminUsername, "username", "", "admin username")
	adminCreateCmd.Flags().StringVar(&adminPassword, "password", "", "admin password")
	_ = adminCreateCmd.MarkFlagRequired("username")
	_ = adminCreateCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(serveCmd, migrateCmd, expireCmd, adminCreateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
