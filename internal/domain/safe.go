package domain

import (
	"fmt"
	"strings"
	"time"
)

// SafeKind はマイグレーションのデプロイ安全性区分を表す。
type SafeKind string

const (
	// SafeBeforeDeploy は新しいアプリケーションコードの配備前に実行するマイグレーションを表す。
	SafeBeforeDeploy SafeKind = "before_deploy"
	// SafeAfterDeploy は配備後にのみ実行してよいマイグレーションを表す。
	SafeAfterDeploy SafeKind = "after_deploy"
	// SafeAlways はどちらのフェーズでも実行できるマイグレーションを表す。
	SafeAlways SafeKind = "always"
)

// Safe は安全性区分と任意の待機時間の組を表す。
// Delay は HasDelay が true の場合のみ意味を持ち、after_deploy / always にのみ指定できる。
type Safe struct {
	Kind     SafeKind
	Delay    time.Duration
	HasDelay bool
}

// DefaultSafe は safe ディレクティブを省略したマイグレーションに適用される既定値を返す。
func DefaultSafe() Safe {
	return Safe{Kind: SafeAlways}
}

// Validate は区分と待機時間の組み合わせを検証する。
func (s Safe) Validate() error {
	switch s.Kind {
	case SafeBeforeDeploy:
		if s.HasDelay {
			return fmt.Errorf("%w: before_deploy does not take a delay", ErrInvalidDelay)
		}
	case SafeAfterDeploy, SafeAlways:
		if s.HasDelay && s.Delay < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidDelay, s.Delay)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSafeValue, string(s.Kind))
	}
	return nil
}

// String はディレクティブと同じ表記を返す。
func (s Safe) String() string {
	if s.HasDelay {
		return fmt.Sprintf("%s delay=%s", s.Kind, s.Delay)
	}
	return string(s.Kind)
}

// ParseSafe は safe ディレクティブの値を解析する。
// 受け付ける形式: "before_deploy" | "after_deploy" | "always" に任意で "delay=<duration>" が続く。
// duration は time.ParseDuration の表記（例: "30m", "24h"）。
func ParseSafe(value string) (Safe, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return Safe{}, fmt.Errorf("%w: empty value", ErrInvalidSafeValue)
	}

	safe := Safe{Kind: SafeKind(fields[0])}
	for _, field := range fields[1:] {
		key, raw, ok := strings.Cut(field, "=")
		if !ok || key != "delay" {
			return Safe{}, fmt.Errorf("%w: unknown option %q", ErrInvalidSafeValue, field)
		}
		if safe.HasDelay {
			return Safe{}, fmt.Errorf("%w: duplicate delay option", ErrInvalidSafeValue)
		}
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return Safe{}, fmt.Errorf("%w: %q", ErrInvalidDelay, raw)
		}
		safe.Delay = delay
		safe.HasDelay = true
	}

	if err := safe.Validate(); err != nil {
		return Safe{}, err
	}
	return safe, nil
}
