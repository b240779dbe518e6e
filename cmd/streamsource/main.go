// Command streamsource administers the schema of a Postgres-backed stream
// store.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeffijoe/streamsource/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dsn     string
		timeout time.Duration
		verbose bool
	)

	root := &cobra.Command{
		Use:           "streamsource",
		Short:         "Administer a Postgres-backed stream store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "postgres://localhost:5432/streamsource", "Postgres connection string")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	logger := func() *zap.Logger {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg = zap.NewDevelopmentConfig()
		}
		log, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return log
	}

	root.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Create the database and schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			log := logger()
			defer log.Sync()

			if err := storage.CreateDatabase(ctx, dsn); err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			driver, err := storage.NewPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			defer driver.Close(ctx)
			if err := driver.Setup(ctx); err != nil {
				return err
			}
			log.Info("schema ready")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "teardown",
		Short: "Drop the schema (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			log := logger()
			defer log.Sync()

			driver, err := storage.NewPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			defer driver.Close(ctx)
			if err := driver.Teardown(ctx); err != nil {
				return err
			}
			log.Info("schema dropped")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "head",
		Short: "Print the current head position",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			driver, err := storage.NewPostgres(ctx, dsn)
			if err != nil {
				return err
			}
			defer driver.Close(ctx)
			head, err := driver.ReadHead(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), head)
			return nil
		},
	})

	return root
}
