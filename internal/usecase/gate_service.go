package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"migration-gate-service/internal/domain"
)

// DetectionRepository は未適用マイグレーションの検出記録を管理するリポジトリのインターフェース。
type DetectionRepository interface {
	DetectedMap(ctx context.Context) (map[domain.NodeID]time.Time, error)
	RecordDetections(ctx context.Context, ids []domain.NodeID, detectedAt time.Time) error
}

// GateService は安全性分類に基づくマイグレーション実行ゲートを提供する。
type GateService struct {
	migrations *MigrationService
	repo       MigrationRepository
	detections DetectionRepository
}

// NewGateService は新しいGateServiceを生成する。
func NewGateService(migrations *MigrationService, repo MigrationRepository, detections DetectionRepository) *GateService {
	return &GateService{
		migrations: migrations,
		repo:       repo,
		detections: detections,
	}
}

// GateReport はゲート実行の結果を表す。
type GateReport struct {
	Mode    domain.GateMode
	DryRun  bool
	Plan    *domain.Plan // disabledモードでは分類を行わないためnil
	Applied []domain.NodeID
}

// Run はモードに従って未適用マイグレーションを分類し、適用可能なものを実行する。
// dryRunの場合は状態を一切変更せず、Appliedには適用対象の候補を入れて返す。
// strictモードでブロックがある場合はBlockedErrorを返し、何も適用・記録しない。
func (s *GateService) Run(ctx context.Context, mode domain.GateMode, dryRun bool) (*GateReport, error) {
	switch mode {
	case domain.GateDisabled:
		return s.runDisabled(ctx, dryRun)
	case domain.GateStrict, domain.GateNonstrict:
		// 分類へ進む
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidGateMode, mode)
	}

	plan, files, applied, err := s.classify(ctx)
	if err != nil {
		return nil, err
	}

	report := &GateReport{
		Mode:   mode,
		DryRun: dryRun,
		Plan:   plan,
	}

	if mode == domain.GateStrict && plan.HasBlocked() {
		return report, &domain.BlockedError{Blocked: plan.Blocked}
	}

	if dryRun {
		report.Applied = append(report.Applied, plan.Runnable...)
		return report, nil
	}

	// 適用前に全ての未適用マイグレーションの検出を記録し、遅延の起点時刻を確定させる。
	// 既に検出済みのものは最初の記録が保持される。
	pending := pendingIDs(files, applied)
	if err := s.detections.RecordDetections(ctx, pending, plan.Now); err != nil {
		slog.ErrorContext(ctx, "failed to record migration detections",
			"operation", "gate_run",
			"error", err,
		)
		return report, fmt.Errorf("recording migration detections: %w", err)
	}

	byID := make(map[domain.NodeID]*migrationFile, len(files))
	for _, file := range files {
		byID[file.node.ID] = file
	}

	for _, id := range plan.Runnable {
		if err := s.migrations.applyMigration(ctx, byID[id]); err != nil {
			return report, fmt.Errorf("%w: %s: %v", domain.ErrMigrationFailed, id, err)
		}
		report.Applied = append(report.Applied, id)
	}

	return report, nil
}

// Plan は現在の未適用マイグレーションの分類を返す。状態は変更しない。
func (s *GateService) Plan(ctx context.Context) (*domain.Plan, error) {
	plan, _, _, err := s.classify(ctx)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// runDisabled は分類を行わず、未適用マイグレーションを依存関係順に全て適用する。
func (s *GateService) runDisabled(ctx context.Context, dryRun bool) (*GateReport, error) {
	report := &GateReport{Mode: domain.GateDisabled, DryRun: dryRun}

	if dryRun {
		files, err := s.migrations.scanMigrationFiles(ctx)
		if err != nil {
			return nil, err
		}
		graph, err := buildGraph(files)
		if err != nil {
			return nil, err
		}
		applied, err := s.repo.AppliedSet(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching applied migrations: %w", err)
		}
		report.Applied = graph.TopologicalOrder(func(id domain.NodeID) bool { return !applied[id] })
		return report, nil
	}

	ids, err := s.migrations.ApplyMigrations(ctx)
	report.Applied = ids
	return report, err
}

// classify はマイグレーションの探索と分類をまとめて行う。
func (s *GateService) classify(ctx context.Context) (*domain.Plan, []*migrationFile, map[domain.NodeID]bool, error) {
	files, err := s.migrations.scanMigrationFiles(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	graph, err := buildGraph(files)
	if err != nil {
		return nil, nil, nil, err
	}

	applied, err := s.repo.AppliedSet(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetching applied migrations: %w", err)
	}
	detected, err := s.detections.DetectedMap(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fetching migration detections: %w", err)
	}

	plan, err := domain.Classify(graph, applied, detected, time.Now())
	if err != nil {
		return nil, nil, nil, err
	}
	return plan, files, applied, nil
}

// pendingIDs は未適用マイグレーションを登録順で返す。
func pendingIDs(files []*migrationFile, applied map[domain.NodeID]bool) []domain.NodeID {
	var pending []domain.NodeID
	for _, file := range files {
		if !applied[file.node.ID] {
			pending = append(pending, file.node.ID)
		}
	}
	return pending
}
