// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"log/slog"
	"time"

	"migration-gate-service/internal/domain"

	"gorm.io/gorm"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	App       string    `gorm:"column:app;primaryKey;type:varchar(128)"`
	Name      string    `gorm:"column:name;primaryKey;type:varchar(255)"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション適用履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureSchema はゲートが利用する管理テーブルを作成する。
func EnsureSchema(db *gorm.DB) error {
	return db.AutoMigrate(&SchemaMigrationModel{}, &MigrationDetectionModel{})
}

// FindAllApplied は適用済みマイグレーション一覧を取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("app ASC, name ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find all applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i, model := range models {
		appliedAt := model.AppliedAt
		migrations[i] = &domain.Migration{
			ID:        domain.NodeID{App: model.App, Name: model.Name},
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}

	return migrations, nil
}

// AppliedSet は適用済みマイグレーションの識別子集合を取得する。
func (r *MigrationRepository) AppliedSet(ctx context.Context) (map[domain.NodeID]bool, error) {
	migrations, err := r.FindAllApplied(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[domain.NodeID]bool, len(migrations))
	for _, migration := range migrations {
		applied[migration.ID] = true
	}
	return applied, nil
}

// RecordMigration はマイグレーション適用履歴を記録する。
func (r *MigrationRepository) RecordMigration(ctx context.Context, id domain.NodeID) error {
	model := &SchemaMigrationModel{
		App:  id.App,
		Name: id.Name,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"migration", id.String(),
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, id domain.NodeID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SchemaMigrationModel{}).
		Where("app = ? AND name = ?", id.App, id.Name).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check if migration is applied",
			"operation", "is_migration_applied",
			"migration", id.String(),
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}
