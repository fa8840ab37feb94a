package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"migration-gate-service/internal/domain"

	"gorm.io/gorm"
)

// setupGateService はゲートサービスとその依存一式を作成する。
func setupGateService(t *testing.T, files map[string]string) (*GateService, *mockMigrationRepository, *mockDetectionRepository, *gorm.DB) {
	t.Helper()

	migrationsDir := setupMigrationsDir(t, files)
	db := setupTestDB(t)
	repo := newMockMigrationRepository()
	detections := newMockDetectionRepository()
	migrations := NewMigrationService(repo, detections, db, migrationsDir)
	return NewGateService(migrations, repo, detections), repo, detections, db
}

// blockedTestFiles はbefore_deployが未適用の依存元になっている構成を返す。
func blockedTestFiles() map[string]string {
	return map[string]string{
		"sales/0001_create_accounts.sql": "-- safe: before_deploy\nCREATE TABLE accounts (id INT);",
		"sales/0002_create_balances.sql": "CREATE TABLE balances (id INT);",
	}
}

func TestGateService_Run_Strict_Blocked(t *testing.T) {
	ctx := context.Background()
	gate, _, detections, db := setupGateService(t, blockedTestFiles())

	report, err := gate.Run(ctx, domain.GateStrict, false)
	if err == nil {
		t.Fatal("expected BlockedError, but got nil")
	}

	var blockedErr *domain.BlockedError
	if !errors.As(err, &blockedErr) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if len(blockedErr.Blocked) != 1 {
		t.Fatalf("expected 1 blocked migration, got %d", len(blockedErr.Blocked))
	}
	blocked := blockedErr.Blocked[0]
	if want := (domain.NodeID{App: "sales", Name: "0002_create_balances"}); blocked.ID != want {
		t.Errorf("expected blocked migration %s, got %s", want, blocked.ID)
	}
	if want := (domain.NodeID{App: "sales", Name: "0001_create_accounts"}); blocked.Prerequisite != want {
		t.Errorf("expected prerequisite %s, got %s", want, blocked.Prerequisite)
	}
	if blocked.Cause != domain.BlockCauseBeforeDeploy {
		t.Errorf("expected cause %s, got %s", domain.BlockCauseBeforeDeploy, blocked.Cause)
	}

	// strictモードでは何も適用・記録されない
	if len(report.Applied) != 0 {
		t.Errorf("expected no migrations applied, got %d", len(report.Applied))
	}
	if tableExists(t, db, "accounts") {
		t.Error("table accounts should not be created in strict mode with blocked migrations")
	}
	if len(detections.detections) != 0 {
		t.Errorf("expected no detections recorded, got %d", len(detections.detections))
	}

	// 分類結果は報告される
	if report.Plan == nil {
		t.Fatal("expected plan in report")
	}
	if len(report.Plan.Runnable) != 1 {
		t.Errorf("expected 1 runnable migration in plan, got %d", len(report.Plan.Runnable))
	}
}

func TestGateService_Run_Strict_AppliesRunnable(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"sales/0001_create_users.sql":      "-- safe: always\nCREATE TABLE users (id INT);",
		"sales/0002_create_posts.sql":      "-- safe: after_deploy\nCREATE TABLE posts (id INT);",
		"billing/0001_create_invoices.sql": "-- depends_on: sales.0001_create_users\nCREATE TABLE invoices (id INT);",
	}
	gate, _, detections, db := setupGateService(t, files)

	report, err := gate.Run(ctx, domain.GateStrict, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []domain.NodeID{
		{App: "sales", Name: "0001_create_users"},
		{App: "sales", Name: "0002_create_posts"},
		{App: "billing", Name: "0001_create_invoices"},
	}
	if len(report.Applied) != len(expected) {
		t.Fatalf("expected %d migrations applied, got %d", len(expected), len(report.Applied))
	}
	for i, want := range expected {
		if report.Applied[i] != want {
			t.Errorf("applied[%d]: expected %s, got %s", i, want, report.Applied[i])
		}
	}

	for _, table := range []string{"users", "posts", "invoices"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	// 全ての未適用マイグレーションの検出が記録される
	if len(detections.detections) != 3 {
		t.Errorf("expected 3 detections recorded, got %d", len(detections.detections))
	}
	for _, id := range expected {
		if _, exists := detections.detections[id]; !exists {
			t.Errorf("expected detection recorded for %s", id)
		}
	}
}

func TestGateService_Run_Nonstrict_ProceedsWithBlocked(t *testing.T) {
	ctx := context.Background()
	gate, _, detections, db := setupGateService(t, blockedTestFiles())

	report, err := gate.Run(ctx, domain.GateNonstrict, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 適用可能なものだけ適用され、ブロックされたものは報告される
	if len(report.Applied) != 1 {
		t.Fatalf("expected 1 migration applied, got %d", len(report.Applied))
	}
	if want := (domain.NodeID{App: "sales", Name: "0001_create_accounts"}); report.Applied[0] != want {
		t.Errorf("expected %s applied, got %s", want, report.Applied[0])
	}
	if !tableExists(t, db, "accounts") {
		t.Error("table accounts was not created")
	}
	if tableExists(t, db, "balances") {
		t.Error("table balances should not be created")
	}
	if len(report.Plan.Blocked) != 1 {
		t.Errorf("expected 1 blocked migration in plan, got %d", len(report.Plan.Blocked))
	}

	// ブロックされたものも含めて検出は記録される
	if len(detections.detections) != 2 {
		t.Errorf("expected 2 detections recorded, got %d", len(detections.detections))
	}
}

func TestGateService_Run_Disabled_AppliesAll(t *testing.T) {
	ctx := context.Background()
	gate, _, detections, db := setupGateService(t, blockedTestFiles())

	report, err := gate.Run(ctx, domain.GateDisabled, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 分類を行わず全て適用される
	if report.Plan != nil {
		t.Error("expected no plan in disabled mode")
	}
	if len(report.Applied) != 2 {
		t.Fatalf("expected 2 migrations applied, got %d", len(report.Applied))
	}
	for _, table := range []string{"accounts", "balances"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	// ゲートを通らないため検出は記録されない
	if len(detections.detections) != 0 {
		t.Errorf("expected no detections recorded, got %d", len(detections.detections))
	}
}

func TestGateService_Run_Disabled_DryRun(t *testing.T) {
	ctx := context.Background()
	gate, _, _, db := setupGateService(t, blockedTestFiles())

	report, err := gate.Run(ctx, domain.GateDisabled, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Applied) != 2 {
		t.Errorf("expected 2 candidate migrations, got %d", len(report.Applied))
	}
	if tableExists(t, db, "accounts") {
		t.Error("dry run should not apply migrations")
	}
}

func TestGateService_Run_DryRun(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"sales/0001_create_users.sql": "-- safe: always\nCREATE TABLE users (id INT);",
	}
	gate, _, detections, db := setupGateService(t, files)

	report, err := gate.Run(ctx, domain.GateStrict, true)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !report.DryRun {
		t.Error("expected dry run report")
	}
	if len(report.Applied) != 1 {
		t.Errorf("expected 1 candidate migration, got %d", len(report.Applied))
	}
	if tableExists(t, db, "users") {
		t.Error("dry run should not apply migrations")
	}
	if len(detections.detections) != 0 {
		t.Errorf("dry run should not record detections, got %d", len(detections.detections))
	}
}

func TestGateService_Run_DelayNotElapsed(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"sales/0001_drop_legacy.sql": "-- safe: after_deploy delay=24h\nCREATE TABLE legacy_dropped (id INT);",
	}
	gate, _, detections, db := setupGateService(t, files)

	// 1時間前に検出済みと設定
	id := domain.NodeID{App: "sales", Name: "0001_drop_legacy"}
	detections.detections[id] = time.Now().Add(-1 * time.Hour)

	report, err := gate.Run(ctx, domain.GateStrict, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Applied) != 0 {
		t.Errorf("expected no migrations applied, got %d", len(report.Applied))
	}
	if tableExists(t, db, "legacy_dropped") {
		t.Error("delayed migration should not be applied")
	}
	if len(report.Plan.Delayed) != 1 {
		t.Fatalf("expected 1 delayed migration, got %d", len(report.Plan.Delayed))
	}

	delayed := report.Plan.Delayed[0]
	if delayed.ID != id {
		t.Errorf("expected delayed migration %s, got %s", id, delayed.ID)
	}
	if delayed.AwaitingDetection() {
		t.Error("expected eligible time to be known")
	}
	// 検出から24時間後に適用可能になるため、残りはおよそ23時間
	if delayed.Remaining <= 22*time.Hour || delayed.Remaining > 23*time.Hour {
		t.Errorf("expected remaining close to 23h, got %v", delayed.Remaining)
	}
}

func TestGateService_Run_DelayElapsed(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"sales/0001_drop_legacy.sql": "-- safe: after_deploy delay=24h\nCREATE TABLE legacy_dropped (id INT);",
	}
	gate, _, detections, db := setupGateService(t, files)

	// 25時間前に検出済みと設定
	id := domain.NodeID{App: "sales", Name: "0001_drop_legacy"}
	detections.detections[id] = time.Now().Add(-25 * time.Hour)

	report, err := gate.Run(ctx, domain.GateStrict, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Applied) != 1 {
		t.Fatalf("expected 1 migration applied, got %d", len(report.Applied))
	}
	if !tableExists(t, db, "legacy_dropped") {
		t.Error("table legacy_dropped was not created")
	}
}

func TestGateService_Run_RecordsDetectionForDelayed(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"sales/0001_drop_legacy.sql": "-- safe: after_deploy delay=24h\nCREATE TABLE legacy_dropped (id INT);",
	}
	gate, _, detections, db := setupGateService(t, files)

	// 検出記録がないため適用可能時刻は未確定
	report, err := gate.Run(ctx, domain.GateStrict, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Plan.Delayed) != 1 {
		t.Fatalf("expected 1 delayed migration, got %d", len(report.Plan.Delayed))
	}
	if !report.Plan.Delayed[0].AwaitingDetection() {
		t.Error("expected delayed migration to be awaiting detection")
	}
	if tableExists(t, db, "legacy_dropped") {
		t.Error("delayed migration should not be applied")
	}

	// 今回の実行で検出が記録され、次回以降の遅延起点になる
	id := domain.NodeID{App: "sales", Name: "0001_drop_legacy"}
	detectedAt, exists := detections.detections[id]
	if !exists {
		t.Fatal("expected detection to be recorded")
	}
	if !detectedAt.Equal(report.Plan.Now) {
		t.Errorf("expected detection at %v, got %v", report.Plan.Now, detectedAt)
	}
}

func TestGateService_Plan(t *testing.T) {
	ctx := context.Background()
	gate, _, detections, db := setupGateService(t, blockedTestFiles())

	plan, err := gate.Plan(ctx)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Runnable) != 1 {
		t.Errorf("expected 1 runnable migration, got %d", len(plan.Runnable))
	}
	if len(plan.Blocked) != 1 {
		t.Errorf("expected 1 blocked migration, got %d", len(plan.Blocked))
	}

	// 分類のみで状態は変更されない
	if tableExists(t, db, "accounts") {
		t.Error("Plan should not apply migrations")
	}
	if len(detections.detections) != 0 {
		t.Errorf("Plan should not record detections, got %d", len(detections.detections))
	}
}

func TestGateService_Plan_AppliedPrerequisite(t *testing.T) {
	ctx := context.Background()
	gate, repo, _, _ := setupGateService(t, blockedTestFiles())

	// before_deployの依存元が適用済みならブロックされない
	repo.markApplied(domain.NodeID{App: "sales", Name: "0001_create_accounts"})

	plan, err := gate.Plan(ctx)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Blocked) != 0 {
		t.Errorf("expected no blocked migrations, got %d", len(plan.Blocked))
	}
	if len(plan.Runnable) != 1 {
		t.Fatalf("expected 1 runnable migration, got %d", len(plan.Runnable))
	}
	if want := (domain.NodeID{App: "sales", Name: "0002_create_balances"}); plan.Runnable[0] != want {
		t.Errorf("expected %s runnable, got %s", want, plan.Runnable[0])
	}
}

func TestGateService_Run_InvalidMode(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _ := setupGateService(t, blockedTestFiles())

	_, err := gate.Run(ctx, domain.GateMode("lenient"), false)
	if !errors.Is(err, domain.ErrInvalidGateMode) {
		t.Errorf("expected ErrInvalidGateMode, got %v", err)
	}
}
