package main

import (
	"context"
	"fmt"

	"migration-gate-service/internal/usecase"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that every migration declares a safe directive",
	Long: "Scan the migrations directory and report migrations that do not declare an explicit safe directive. " +
		"Intended for CI pipelines; no database connection is required.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationsDir, err := resolveMigrationsDir()
		if err != nil {
			return fmt.Errorf("failed to resolve migrations directory: %w", err)
		}

		// ファイルのスキャンのみ行うため、DB接続は不要
		migrationService := usecase.NewMigrationService(nil, nil, nil, migrationsDir)

		unannotated, err := migrationService.CheckAnnotations(ctx)
		if err != nil {
			return fmt.Errorf("check failed: %w", err)
		}

		if len(unannotated) == 0 {
			fmt.Println("All migrations declare a safe directive.")
			return nil
		}

		fmt.Println("Migrations without an explicit safe directive:")
		for _, id := range unannotated {
			fmt.Printf("  %s\n", id)
		}
		return fmt.Errorf("%d migration(s) missing a safe directive", len(unannotated))
	},
}
