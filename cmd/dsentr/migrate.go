package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/dsentr/internal/config"
	sqlstore "github.com/user/dsentr/internal/storage/sql"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		store, err := sqlstore.New(cfg.Driver, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%w: open database: %v", errConfig, err)
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("%w: %v", errMigration, err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
