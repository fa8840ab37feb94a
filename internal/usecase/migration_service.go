// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"migration-gate-service/internal/domain"

	"gorm.io/gorm"
)

// MigrationRepository はマイグレーション適用履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	AppliedSet(ctx context.Context) (map[domain.NodeID]bool, error)
	RecordMigration(ctx context.Context, id domain.NodeID) error
	IsMigrationApplied(ctx context.Context, id domain.NodeID) (bool, error)
}

// MigrationService はマイグレーションの探索と実行を提供する。
type MigrationService struct {
	repo          MigrationRepository
	detections    DetectionRepository
	db            *gorm.DB
	migrationsDir string
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, detections DetectionRepository, db *gorm.DB, migrationsDir string) *MigrationService {
	return &MigrationService{
		repo:          repo,
		detections:    detections,
		db:            db,
		migrationsDir: migrationsDir,
	}
}

// migrationFile はスキャンで見つかったマイグレーションファイル1件を表す。
type migrationFile struct {
	node         *domain.MigrationNode
	filePath     string
	safeDeclared bool // safe ディレクティブが明示されていたか
}

// scanMigrationFiles はmigrationsディレクトリ配下のアプリディレクトリから.sqlファイルをスキャンする。
// ディレクトリ構成: {migrations dir}/{app}/{version}_{name}.sql
// 同一アプリ内のマイグレーションはバージョン順の暗黙的な依存連鎖を持つ。
func (s *MigrationService) scanMigrationFiles(ctx context.Context) ([]*migrationFile, error) {
	entries, err := os.ReadDir(s.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []*migrationFile
	for _, appEntry := range entries {
		if !appEntry.IsDir() {
			continue
		}
		app := appEntry.Name()
		appDir := filepath.Join(s.migrationsDir, app)
		appEntries, err := os.ReadDir(appDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read app directory %s: %w", app, err)
		}

		// os.ReadDirはファイル名順を返すため、そのままバージョン順になる
		var prev domain.NodeID
		for _, entry := range appEntries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
				continue
			}

			name, err := parseMigrationFileName(entry.Name())
			if err != nil {
				return nil, err
			}
			id := domain.NodeID{App: app, Name: name}

			filePath := filepath.Join(appDir, entry.Name())
			content, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("failed to read migration file %s: %w", filePath, err)
			}

			directives, err := parseDirectives(id, string(content))
			if err != nil {
				return nil, err
			}

			node := &domain.MigrationNode{
				ID:        id,
				Safe:      directives.safe,
				DependsOn: directives.dependsOn,
				RunBefore: directives.runBefore,
			}
			if !prev.IsZero() {
				node.DependsOn = append([]domain.NodeID{prev}, node.DependsOn...)
			}
			prev = id

			files = append(files, &migrationFile{
				node:         node,
				filePath:     filePath,
				safeDeclared: directives.declared,
			})
		}
	}

	return files, nil
}

// parseMigrationFileName はファイル名を検証し、マイグレーション名を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 0001_create_users.sql)
func parseMigrationFileName(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, ".sql")

	parts := strings.SplitN(nameWithoutExt, "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}

	return nameWithoutExt, nil
}

// fileDirectives はマイグレーションファイル先頭のコメントブロックから読み取った宣言を表す。
type fileDirectives struct {
	safe      domain.Safe
	declared  bool
	dependsOn []domain.NodeID
	runBefore []domain.NodeID
}

// parseDirectives はファイル先頭のコメントブロックからディレクティブを読み取る。
// 対応するディレクティブ:
//
//	-- safe: after_deploy delay=24h
//	-- depends_on: sales.0001_initial, billing.0002_add_total
//	-- run_before: reports.0003_rebuild
//
// 最初の非コメント行以降は読み取らない。未知のコメントは無視する。
func parseDirectives(id domain.NodeID, content string) (fileDirectives, error) {
	var directives fileDirectives

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "--") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "--"))

		switch {
		case strings.HasPrefix(comment, "safe:"):
			if directives.declared {
				return fileDirectives{}, fmt.Errorf("%w: %s: duplicate safe directive", domain.ErrInvalidMigrationFile, id)
			}
			safe, err := domain.ParseSafe(strings.TrimPrefix(comment, "safe:"))
			if err != nil {
				return fileDirectives{}, fmt.Errorf("%s: %w", id, err)
			}
			directives.safe = safe
			directives.declared = true
		case strings.HasPrefix(comment, "depends_on:"):
			ids, err := parseNodeIDList(strings.TrimPrefix(comment, "depends_on:"))
			if err != nil {
				return fileDirectives{}, fmt.Errorf("%s: %w", id, err)
			}
			directives.dependsOn = append(directives.dependsOn, ids...)
		case strings.HasPrefix(comment, "run_before:"):
			ids, err := parseNodeIDList(strings.TrimPrefix(comment, "run_before:"))
			if err != nil {
				return fileDirectives{}, fmt.Errorf("%s: %w", id, err)
			}
			directives.runBefore = append(directives.runBefore, ids...)
		}
	}

	if !directives.declared {
		directives.safe = domain.DefaultSafe()
	}
	return directives, nil
}

// parseNodeIDList はカンマ区切りのマイグレーション識別子一覧を解析する。
func parseNodeIDList(value string) ([]domain.NodeID, error) {
	var ids []domain.NodeID
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := domain.ParseNodeID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// buildGraph はスキャン結果から依存グラフを構築する。
func buildGraph(files []*migrationFile) (*domain.Graph, error) {
	nodes := make([]*domain.MigrationNode, len(files))
	for i, file := range files {
		nodes[i] = file.node
	}
	return domain.NewGraph(nodes)
}

// ApplyMigrations は未適用マイグレーションを依存関係順に全て実行し、適用したものを返す。
// ゲートによる分類は行わない。
func (s *MigrationService) ApplyMigrations(ctx context.Context) ([]domain.NodeID, error) {
	files, err := s.scanMigrationFiles(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return nil, err
	}

	graph, err := buildGraph(files)
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.AppliedSet(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "apply_migrations",
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	order := graph.TopologicalOrder(func(id domain.NodeID) bool { return !applied[id] })
	if len(order) == 0 {
		return nil, nil
	}

	byID := make(map[domain.NodeID]*migrationFile, len(files))
	for _, file := range files {
		byID[file.node.ID] = file
	}

	appliedIDs := make([]domain.NodeID, 0, len(order))
	for _, id := range order {
		if err := s.applyMigration(ctx, byID[id]); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"migration", id.String(),
				"error", err,
			)
			return appliedIDs, fmt.Errorf("%w: %s: %v", domain.ErrMigrationFailed, id, err)
		}
		appliedIDs = append(appliedIDs, id)
	}

	return appliedIDs, nil
}

// FakeMigrations は未適用マイグレーションをSQLを実行せずに適用済みとして記録する。
// 既存データベースをゲート管理下へ移行する際に使う。
func (s *MigrationService) FakeMigrations(ctx context.Context) (int, error) {
	files, err := s.scanMigrationFiles(ctx)
	if err != nil {
		return 0, err
	}

	fakedCount := 0
	for _, file := range files {
		applied, err := s.repo.IsMigrationApplied(ctx, file.node.ID)
		if err != nil {
			return fakedCount, fmt.Errorf("failed to check migration status: %w", err)
		}
		if applied {
			continue
		}
		if err := s.repo.RecordMigration(ctx, file.node.ID); err != nil {
			return fakedCount, fmt.Errorf("failed to record migration %s: %w", file.node.ID, err)
		}
		fakedCount++
	}

	return fakedCount, nil
}

// applyMigration は単一のマイグレーションを実行する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *migrationFile) error {
	sqlBytes, err := os.ReadFile(migration.filePath)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read migration file",
			"operation", "apply_migration",
			"migration", migration.node.ID.String(),
			"file_path", migration.filePath,
			"error", err,
		)
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", domain.ErrMigrationFileNotFound, migration.filePath)
		}
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	// トランザクション内で実行
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(string(sqlBytes)).Error; err != nil {
			slog.ErrorContext(ctx, "failed to execute migration SQL",
				"operation", "apply_migration",
				"migration", migration.node.ID.String(),
				"error", err,
			)
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}

		// 履歴を記録（トランザクション内で実行するため、同じtxを使用）
		model := struct {
			App  string `gorm:"column:app;primaryKey;type:varchar(128)"`
			Name string `gorm:"column:name;primaryKey;type:varchar(255)"`
		}{
			App:  migration.node.ID.App,
			Name: migration.node.ID.Name,
		}
		if err := tx.Table("schema_migrations").Create(&model).Error; err != nil {
			slog.ErrorContext(ctx, "failed to record migration in schema_migrations",
				"operation", "apply_migration",
				"migration", migration.node.ID.String(),
				"error", err,
			)
			return fmt.Errorf("failed to record migration: %w", err)
		}

		return nil
	})
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	files, err := s.scanMigrationFiles(ctx)
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch applied migrations",
			"operation", "get_migration_status",
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}
	appliedMap := make(map[domain.NodeID]*domain.Migration, len(appliedMigrations))
	for _, migration := range appliedMigrations {
		appliedMap[migration.ID] = migration
	}

	detected, err := s.detections.DetectedMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch migration detections: %w", err)
	}

	migrations := make([]*domain.Migration, 0, len(files))
	for _, file := range files {
		migration := &domain.Migration{
			ID:       file.node.ID,
			Safe:     file.node.Safe,
			FilePath: file.filePath,
			Status:   domain.MigrationStatusPending,
		}
		if applied, exists := appliedMap[file.node.ID]; exists {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = applied.AppliedAt
		}
		if detectedAt, exists := detected[file.node.ID]; exists {
			at := detectedAt
			migration.DetectedAt = &at
		}
		migrations = append(migrations, migration)
	}

	return migrations, nil
}

// GetAppMigrationStatus は指定アプリのマイグレーション状況を取得する。
func (s *MigrationService) GetAppMigrationStatus(ctx context.Context, app string) ([]*domain.Migration, error) {
	migrations, err := s.GetMigrationStatus(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []*domain.Migration
	for _, migration := range migrations {
		if migration.ID.App == app {
			filtered = append(filtered, migration)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrAppNotFound, app)
	}
	return filtered, nil
}

// CheckAnnotations は safe ディレクティブを明示していないマイグレーションを報告する。
// 依存グラフの構造エラーもここで検出される。
func (s *MigrationService) CheckAnnotations(ctx context.Context) ([]domain.NodeID, error) {
	files, err := s.scanMigrationFiles(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := buildGraph(files); err != nil {
		return nil, err
	}

	var unannotated []domain.NodeID
	for _, file := range files {
		if !file.safeDeclared {
			unannotated = append(unannotated, file.node.ID)
		}
	}
	return unannotated, nil
}
