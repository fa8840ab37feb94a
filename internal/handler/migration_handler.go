// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"migration-gate-service/internal/domain"
	"migration-gate-service/internal/usecase"
	"migration-gate-service/pkg/httputil"
)

var appNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// MigrationHandler はHTTPハンドラを提供する。
type MigrationHandler struct {
	migrations *usecase.MigrationService
	gate       *usecase.GateService
}

// NewMigrationHandler は新しいMigrationHandlerを生成する。
func NewMigrationHandler(migrations *usecase.MigrationService, gate *usecase.GateService) *MigrationHandler {
	return &MigrationHandler{
		migrations: migrations,
		gate:       gate,
	}
}

func validateAppName(app string) error {
	if app == "" {
		return domain.ErrInvalidAppName
	}
	if len(app) > 128 {
		return domain.ErrInvalidAppName
	}
	if !appNameRegex.MatchString(app) {
		return domain.ErrInvalidAppName
	}
	return nil
}

// MigrationResponse はマイグレーション1件のレスポンス形式。
type MigrationResponse struct {
	App        string `json:"app"`
	Name       string `json:"name"`
	Safe       string `json:"safe"`
	Status     string `json:"status"`
	AppliedAt  string `json:"applied_at,omitempty"`
	DetectedAt string `json:"detected_at,omitempty"`
}

// MigrationListResponse はマイグレーション一覧のレスポンス形式。
type MigrationListResponse struct {
	Migrations []MigrationResponse `json:"migrations"`
}

// BlockedResponse はブロックされたマイグレーションのレスポンス形式。
type BlockedResponse struct {
	Migration    string `json:"migration"`
	Prerequisite string `json:"prerequisite"`
	Cause        string `json:"cause"`
}

// DelayedResponse は遅延中のマイグレーションのレスポンス形式。
type DelayedResponse struct {
	Migration    string `json:"migration"`
	Prerequisite string `json:"prerequisite,omitempty"`
	EligibleAt   string `json:"eligible_at,omitempty"`
	Remaining    string `json:"remaining,omitempty"`
}

// PlanResponse は分類結果のレスポンス形式。
type PlanResponse struct {
	GeneratedAt string            `json:"generated_at"`
	Runnable    []string          `json:"runnable"`
	Blocked     []BlockedResponse `json:"blocked"`
	Delayed     []DelayedResponse `json:"delayed"`
}

// Health はヘルスチェックに応答する。
func (h *MigrationHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListMigrations は全マイグレーションの状況を取得する。
func (h *MigrationHandler) ListMigrations(w http.ResponseWriter, r *http.Request) {
	migrations, err := h.migrations.GetMigrationStatus(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, toMigrationListResponse(migrations))
}

// ListAppMigrations は指定アプリのマイグレーション状況を取得する。
func (h *MigrationHandler) ListAppMigrations(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")
	if err := validateAppName(app); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_APP_NAME", "invalid app name format")
		return
	}

	migrations, err := h.migrations.GetAppMigrationStatus(r.Context(), app)
	if err != nil {
		if errors.Is(err, domain.ErrAppNotFound) {
			httputil.Error(w, http.StatusNotFound, "APP_NOT_FOUND", "no migrations found for this app")
			return
		}
		writeServiceError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, toMigrationListResponse(migrations))
}

// GetPlan は未適用マイグレーションの分類を取得する。
func (h *MigrationHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.gate.Plan(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response := PlanResponse{
		GeneratedAt: plan.Now.Format(time.RFC3339),
		Runnable:    make([]string, len(plan.Runnable)),
		Blocked:     make([]BlockedResponse, len(plan.Blocked)),
		Delayed:     make([]DelayedResponse, len(plan.Delayed)),
	}
	for i, id := range plan.Runnable {
		response.Runnable[i] = id.String()
	}
	for i, blocked := range plan.Blocked {
		response.Blocked[i] = BlockedResponse{
			Migration:    blocked.ID.String(),
			Prerequisite: blocked.Prerequisite.String(),
			Cause:        string(blocked.Cause),
		}
	}
	for i, delayed := range plan.Delayed {
		item := DelayedResponse{Migration: delayed.ID.String()}
		if !delayed.Prerequisite.IsZero() {
			item.Prerequisite = delayed.Prerequisite.String()
		}
		if !delayed.AwaitingDetection() {
			item.EligibleAt = delayed.EligibleAt.Format(time.RFC3339)
			item.Remaining = delayed.Remaining.String()
		}
		response.Delayed[i] = item
	}

	httputil.JSON(w, http.StatusOK, response)
}

// writeServiceError はユースケース層のエラーをHTTPレスポンスに変換する。
func writeServiceError(w http.ResponseWriter, err error) {
	if isInvalidMigrationTree(err) {
		httputil.Error(w, http.StatusInternalServerError, "INVALID_MIGRATIONS", "migration files are invalid")
		return
	}
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// isInvalidMigrationTree はマイグレーションファイル群の定義不正に起因するエラーか判定する。
func isInvalidMigrationTree(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidMigrationFile,
		domain.ErrInvalidSafeValue,
		domain.ErrInvalidDelay,
		domain.ErrInvalidNodeID,
		domain.ErrDuplicateMigration,
		domain.ErrUnknownDependency,
		domain.ErrDependencyCycle,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func toMigrationResponse(migration *domain.Migration) MigrationResponse {
	response := MigrationResponse{
		App:    migration.ID.App,
		Name:   migration.ID.Name,
		Safe:   migration.Safe.String(),
		Status: string(migration.Status),
	}
	if migration.AppliedAt != nil {
		response.AppliedAt = migration.AppliedAt.Format(time.RFC3339)
	}
	if migration.DetectedAt != nil {
		response.DetectedAt = migration.DetectedAt.Format(time.RFC3339)
	}
	return response
}

func toMigrationListResponse(migrations []*domain.Migration) MigrationListResponse {
	response := MigrationListResponse{
		Migrations: make([]MigrationResponse, len(migrations)),
	}
	for i, migration := range migrations {
		response.Migrations[i] = toMigrationResponse(migration)
	}
	return response
}
