package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kurrentlibrary/internal/platform/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL events and checkpoint tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreBackend != config.BackendPostgres && cfg.CheckpointBackend != config.BackendPostgres {
			return errors.New("migrate needs STORE_BACKEND or CHECKPOINT_BACKEND set to postgres")
		}
		db, err := openPostgres(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
