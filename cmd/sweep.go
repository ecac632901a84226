package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sweepTenant string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry delivery of stored but undelivered leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("sweep"); err != nil {
			return err
		}

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Scanner.Sweep(ctx, sweepTenant)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepTenant, "tenant", "", "limit the sweep to one tenant id")
	rootCmd.AddCommand(sweepCmd)
}
