package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSafeValue は安全性区分の値が不正な場合のエラー。
	ErrInvalidSafeValue = errors.New("invalid safe value")

	// ErrInvalidDelay は待機時間の指定が不正な場合のエラー。
	ErrInvalidDelay = errors.New("invalid delay")

	// ErrInvalidGateMode はゲートモードの設定値が不正な場合のエラー。
	ErrInvalidGateMode = errors.New("invalid gate mode")

	// ErrInvalidNodeID はマイグレーション識別子の形式が不正な場合のエラー。
	ErrInvalidNodeID = errors.New("invalid migration identifier")

	// ErrDuplicateMigration は同じ識別子のマイグレーションが複数存在する場合のエラー。
	ErrDuplicateMigration = errors.New("duplicate migration")

	// ErrUnknownDependency は依存先のマイグレーションがグラフに存在しない場合のエラー。
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle は依存グラフに循環がある場合のエラー。
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrAppNotFound は指定されたアプリラベルのマイグレーションが存在しない場合のエラー。
	ErrAppNotFound = errors.New("app not found")

	// ErrInvalidAppName はアプリラベルの形式が不正な場合のエラー。
	ErrInvalidAppName = errors.New("invalid app name")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// BlockedError は strict モードで blocked なマイグレーションが存在する場合に返されるエラー。
// 全ての blocked ノードとその原因を保持し、適用は一切行われない。
type BlockedError struct {
	Blocked []BlockedMigration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%d migration(s) blocked by unapplied prerequisites", len(e.Blocked))
}
