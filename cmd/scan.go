package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/server"
)

var (
	scanPort    int
	scanMigrate bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the scanner loop with the HTTP control surface",
	Long:  "Starts the per-tenant scanner, the monitoring checker and the HTTP control surface. Stops on SIGINT/SIGTERM after the in-flight tick drains.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if scanPort != 0 {
			cfg.Server.Port = scanPort
		}
		if err := cfg.Validate("scan"); err != nil {
			return err
		}

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if scanMigrate {
			if err := env.Store.Migrate(ctx); err != nil {
				return eris.Wrap(err, "migrate store")
			}
		}

		if err := env.Scanner.Start(ctx); err != nil {
			return eris.Wrap(err, "start scanner")
		}
		defer func() {
			if env.Scanner.Running() {
				_ = env.Scanner.Stop()
				zap.L().Info("scanner stopped", zap.Any("status", env.Scanner.Status()))
			}
		}()

		go env.Checker(cfg).Run(ctx)

		srv := server.New(server.Deps{
			Scanner:  env.Scanner,
			Store:    env.Store,
			Costs:    env.Costs,
			Breakers: env.Router.Breakers(),
			Metrics:  env.Metrics.Handler(),
		}, cfg.Server)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanPort, "port", 0, "server port (default from config)")
	scanCmd.Flags().BoolVar(&scanMigrate, "migrate", false, "create the detected_leads table before starting")
	rootCmd.AddCommand(scanCmd)
}
