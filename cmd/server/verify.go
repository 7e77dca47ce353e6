package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"paygate/internal/config"
	"paygate/pkg/logger"
)

func verifyCmd(configPath *string) *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "verify <gateway> <reference>",
		Short: "Ask a gateway for the state of a payment",
		Long: `Query the gateway for the current state of a reference and print the
result as JSON. With --apply the result is reconciled into local state the
same way a webhook would be.

Examples:
  paygate verify paystack pstk_ORD1001_3f9a2c1b7d4e
  paygate verify stripe stripe_ORD1001_3f9a2c1b7d4e --apply`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(serviceName, cfg.Environment, cfg.LogLevel)
			defer log.Sync()

			ctx := context.Background()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if apply {
				outcome, err := a.payments.VerifyAndApply(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return enc.Encode(outcome)
			}

			result, err := a.payments.Verify(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "reconcile the result into local state")
	return cmd
}
