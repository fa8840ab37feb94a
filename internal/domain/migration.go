// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"strings"
	"time"
)

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// NodeID はマイグレーションをアプリラベルと名前で一意に識別する。
type NodeID struct {
	App  string // アプリラベル（マイグレーションディレクトリ名）
	Name string // マイグレーション名（例: "0001_initial"）
}

// String は "app.0001_name" 形式の識別子を返す。
func (id NodeID) String() string {
	return id.App + "." + id.Name
}

// IsZero は未設定の識別子かどうかを返す。
func (id NodeID) IsZero() bool {
	return id.App == "" && id.Name == ""
}

// ParseNodeID は "app.0001_name" 形式の識別子を解析する。
// アプリラベルにドットは含められない。
func ParseNodeID(s string) (NodeID, error) {
	app, name, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || app == "" || name == "" {
		return NodeID{}, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return NodeID{App: app, Name: name}, nil
}

// Migration は1つのマイグレーションの状態ビューを表すドメインモデル
type Migration struct {
	ID         NodeID
	Safe       Safe            // 安全性区分
	AppliedAt  *time.Time      // 適用日時（未適用の場合はnil）
	DetectedAt *time.Time      // 初回検出日時（未検出の場合はnil）
	FilePath   string          // マイグレーションファイルのパス
	Status     MigrationStatus // 適用状態
}
