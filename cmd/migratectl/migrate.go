package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"migration-gate-service/internal/domain"
	"migration-gate-service/internal/infra"
	"migration-gate-service/internal/repository"
	"migration-gate-service/internal/usecase"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  "Manage database migrations for the migration gate service",
}

var (
	migrateSafeMode   string
	migrateSafeDryRun bool
	migrateUpFake     bool
	migrateStatusApp  string
)

// resolveMigrationsDir はmigrationsディレクトリの絶対パスを返す。
func resolveMigrationsDir() (string, error) {
	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		// デフォルト: ./migrations
		migrationsDir = "./migrations"
	}
	return filepath.Abs(migrationsDir)
}

// setupServices はDB接続とサービス群を初期化する。
func setupServices() (*usecase.MigrationService, *usecase.GateService, error) {
	// DB接続情報を環境変数から取得
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	// データベース接続
	db, err := infra.NewDB(dsn, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrationsDir, err := resolveMigrationsDir()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}

	// 履歴・検出テーブルを準備
	if err := repository.EnsureSchema(db); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare migration tables: %w", err)
	}

	migrationRepo := repository.NewMigrationRepository(db)
	detectionRepo := repository.NewDetectionRepository(db)
	migrationService := usecase.NewMigrationService(migrationRepo, detectionRepo, db, migrationsDir)
	gateService := usecase.NewGateService(migrationService, migrationRepo, detectionRepo)
	return migrationService, gateService, nil
}

var migrateSafeCmd = &cobra.Command{
	Use:   "safe",
	Short: "Classify pending migrations and apply the runnable ones",
	Long: "Classify pending migrations by their safety directives and apply only the runnable ones. " +
		"In strict mode the command fails without applying anything when blocked migrations exist.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		_, gateService, err := setupServices()
		if err != nil {
			return err
		}

		// モードはフラグ優先、未指定なら環境変数から取得
		modeValue := migrateSafeMode
		if modeValue == "" {
			modeValue = os.Getenv("MIGRATION_GATE_MODE")
		}
		mode, err := domain.ParseGateMode(modeValue)
		if err != nil {
			return fmt.Errorf("parsing gate mode: %w", err)
		}

		report, runErr := gateService.Run(ctx, mode, migrateSafeDryRun)
		printGateReport(report)

		if runErr != nil {
			var blockedErr *domain.BlockedError
			if errors.As(runErr, &blockedErr) {
				return runErr
			}
			return fmt.Errorf("migration failed: %w", runErr)
		}
		return nil
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  "Apply all pending migrations to the database without classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, _, err := setupServices()
		if err != nil {
			return err
		}

		if migrateUpFake {
			count, err := migrationService.FakeMigrations(ctx)
			if err != nil {
				return fmt.Errorf("fake migration failed: %w", err)
			}
			fmt.Printf("Marked %d migration(s) as applied without executing.\n", count)
			return nil
		}

		// マイグレーション実行
		applied, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if len(applied) == 0 {
			fmt.Println("No pending migrations.")
		} else {
			fmt.Printf("Applied %d migration(s) successfully.\n", len(applied))
		}

		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show the status of all migrations (applied/pending)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		migrationService, _, err := setupServices()
		if err != nil {
			return err
		}

		// マイグレーションステータスを取得
		var migrations []*domain.Migration
		if migrateStatusApp != "" {
			migrations, err = migrationService.GetAppMigrationStatus(ctx, migrateStatusApp)
		} else {
			migrations, err = migrationService.GetMigrationStatus(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		// テーブル形式で出力
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "APP\tNAME\tSAFE\tSTATUS\tAPPLIED AT\tDETECTED AT")
		fmt.Fprintln(w, "---\t----\t----\t------\t----------\t-----------")

		for _, migration := range migrations {
			appliedAt := "-"
			if migration.AppliedAt != nil {
				appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
			}
			detectedAt := "-"
			if migration.DetectedAt != nil {
				detectedAt = migration.DetectedAt.Format("2006-01-02 15:04:05")
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				migration.ID.App, migration.ID.Name, migration.Safe, migration.Status, appliedAt, detectedAt)
		}

		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}

		return nil
	},
}

// printGateReport はゲート実行の結果を表示する。
func printGateReport(report *usecase.GateReport) {
	if report == nil {
		return
	}

	if report.Plan != nil {
		printPlan(report.Plan)
	}

	if report.DryRun {
		fmt.Printf("Dry run: %d migration(s) would be applied.\n", len(report.Applied))
		return
	}
	if len(report.Applied) == 0 {
		fmt.Println("No migrations applied.")
	} else {
		fmt.Printf("Applied %d migration(s) successfully.\n", len(report.Applied))
	}
}

// printPlan は分類結果を表示する。
func printPlan(plan *domain.Plan) {
	fmt.Printf("Runnable (%d):\n", len(plan.Runnable))
	for _, id := range plan.Runnable {
		fmt.Printf("  %s\n", id)
	}
	fmt.Printf("Blocked (%d):\n", len(plan.Blocked))
	for _, blocked := range plan.Blocked {
		fmt.Printf("  %s (prerequisite: %s, cause: %s)\n", blocked.ID, blocked.Prerequisite, blocked.Cause)
	}
	fmt.Printf("Delayed (%d):\n", len(plan.Delayed))
	for _, delayed := range plan.Delayed {
		if delayed.AwaitingDetection() {
			fmt.Printf("  %s (awaiting detection)\n", delayed.ID)
		} else {
			fmt.Printf("  %s (eligible at: %s, remaining: %s)\n",
				delayed.ID, delayed.EligibleAt.Format("2006-01-02 15:04:05"), delayed.Remaining)
		}
	}
}

func init() {
	migrateSafeCmd.Flags().StringVar(&migrateSafeMode, "mode", "", "Gate mode: strict, nonstrict, disabled (or set MIGRATION_GATE_MODE)")
	migrateSafeCmd.Flags().BoolVar(&migrateSafeDryRun, "dry-run", false, "Classify without applying or recording anything")
	migrateUpCmd.Flags().BoolVar(&migrateUpFake, "fake", false, "Record migrations as applied without executing them")
	migrateStatusCmd.Flags().StringVar(&migrateStatusApp, "app", "", "Show status for a single app only")

	migrateCmd.AddCommand(migrateSafeCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
