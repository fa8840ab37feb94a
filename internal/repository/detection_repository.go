package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"migration-gate-service/internal/domain"
)

// MigrationDetectionModel はmigration_detectionsテーブルのモデル。
// 各マイグレーションをゲートが最初に検出した時刻を保持し、待機時間の基準になる。
type MigrationDetectionModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	App        string    `gorm:"type:varchar(128);not null;uniqueIndex:uk_detection_app_name"`
	Name       string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_detection_app_name"`
	DetectedAt time.Time `gorm:"column:detected_at;not null"`
}

// TableName はテーブル名を返す。
func (MigrationDetectionModel) TableName() string {
	return "migration_detections"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *MigrationDetectionModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// DetectionRepository はマイグレーションの初回検出時刻を管理するリポジトリ。
type DetectionRepository struct {
	db *gorm.DB
}

// NewDetectionRepository は新しいDetectionRepositoryを生成する。
func NewDetectionRepository(db *gorm.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// DetectedMap は全マイグレーションの初回検出時刻を取得する。
func (r *DetectionRepository) DetectedMap(ctx context.Context) (map[domain.NodeID]time.Time, error) {
	var models []MigrationDetectionModel
	if err := r.db.WithContext(ctx).Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find migration detections",
			"operation", "detected_map",
			"error", err,
		)
		return nil, err
	}

	detected := make(map[domain.NodeID]time.Time, len(models))
	for _, model := range models {
		detected[domain.NodeID{App: model.App, Name: model.Name}] = model.DetectedAt
	}
	return detected, nil
}

// RecordDetections は未記録のマイグレーションの検出時刻を記録する。
// 記録済みのマイグレーションは初回の時刻を保持し、上書きしない。
func (r *DetectionRepository) RecordDetections(ctx context.Context, ids []domain.NodeID, detectedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	models := make([]MigrationDetectionModel, len(ids))
	for i, id := range ids {
		models[i] = MigrationDetectionModel{
			App:        id.App,
			Name:       id.Name,
			DetectedAt: detectedAt,
		}
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to record migration detections",
			"operation", "record_detections",
			"count", len(ids),
			"error", err,
		)
		return err
	}
	return nil
}
