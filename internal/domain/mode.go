package domain

import "fmt"

// GateMode はゲートの動作モードを表す。
type GateMode string

const (
	// GateStrict は blocked が存在する場合に何も適用せず失敗するモードを表す。
	GateStrict GateMode = "strict"
	// GateNonstrict は blocked を報告しつつ runnable のみ適用するモードを表す。
	GateNonstrict GateMode = "nonstrict"
	// GateDisabled は分類を行わず全ての未適用マイグレーションを適用するモードを表す。
	GateDisabled GateMode = "disabled"
)

// ParseGateMode はモード設定値を解析する。空文字列は strict として扱う。
func ParseGateMode(value string) (GateMode, error) {
	switch GateMode(value) {
	case "":
		return GateStrict, nil
	case GateStrict, GateNonstrict, GateDisabled:
		return GateMode(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGateMode, value)
	}
}
