package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"paygate/internal/config"
	"paygate/internal/models"
	"paygate/internal/repository"
	"paygate/pkg/database"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the payment tables and webhook log indexes",
		Long: `Create the orders, payments and payment_refunds tables if they do not
exist. When mongo_uri is set, the webhook log indexes are created too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Storage != "postgres" {
				return errors.New("migrate requires storage=postgres")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, database.DefaultOptions())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx, models.Schema); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d schema statements\n", len(models.Schema))

			if cfg.MongoURI == "" {
				return nil
			}
			client, err := repository.ConnectMongo(ctx, cfg.MongoURI)
			if err != nil {
				return err
			}
			defer client.Disconnect(context.Background())

			if err := repository.NewWebhookLogRepository(client.Database(cfg.MongoDatabase)).EnsureIndexes(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "webhook log indexes ready")
			return nil
		},
	}
}
