package domain

import (
	"fmt"
	"time"
)

// BlockCause は blocked の原因種別を表す。
type BlockCause string

const (
	// BlockCauseBeforeDeploy は未適用の before_deploy 依存に起因する block を表す。
	BlockCauseBeforeDeploy BlockCause = "unapplied_before_deploy"
	// BlockCauseDelayedDependency は待機中の依存に起因する block を表す。
	// before_deploy のマイグレーションは依存先の待機を引き継げないため block になる。
	BlockCauseDelayedDependency BlockCause = "delayed_dependency"
)

// BlockedMigration は適用を拒否されたマイグレーションとその原因を表す。
type BlockedMigration struct {
	ID           NodeID
	Prerequisite NodeID // block の原因となった依存先
	Cause        BlockCause
}

// DelayedMigration は待機時間が経過していないマイグレーションを表す。
type DelayedMigration struct {
	ID           NodeID
	Prerequisite NodeID        // 待機を引き継いだ依存先（自身の delay による場合はゼロ値）
	EligibleAt   time.Time     // 適用可能になる時刻（検出時刻が未記録の場合はゼロ値）
	Remaining    time.Duration // EligibleAt までの残り時間（EligibleAt が既知の場合のみ）
}

// AwaitingDetection は待機の基準となる検出時刻がまだ記録されていないかどうかを返す。
func (d DelayedMigration) AwaitingDetection() bool {
	return d.EligibleAt.IsZero()
}

// Plan は未適用マイグレーションの分類結果を表す。
// Runnable は依存関係順、Blocked と Delayed はグラフ登録順に並ぶ。
// 3つの集合は互いに素で、合わせて全ての未適用ノードを覆う。
type Plan struct {
	Now      time.Time
	Runnable []NodeID
	Blocked  []BlockedMigration
	Delayed  []DelayedMigration
}

// HasBlocked は blocked なマイグレーションが存在するかどうかを返す。
func (p *Plan) HasBlocked() bool {
	return len(p.Blocked) > 0
}

type nodeClass int

const (
	classRunnable nodeClass = iota
	classDelayed
	classBlocked
)

type nodeState struct {
	class        nodeClass
	prerequisite NodeID
	cause        BlockCause
	eligibleAt   time.Time // classDelayed のみ。ゼロ値は検出未記録を表す
}

// Classify は依存グラフと適用済み集合のスナップショットから未適用マイグレーションを分類する。
//
// 分類規則:
//   - before_deploy は自身の区分では常に適用可能で、delayed には決してならない。
//   - delay 付きの after_deploy / always は、検出時刻から delay が経過するまで delayed。
//     検出時刻が未記録の場合、待機は開始していないものとして delayed になる。
//   - 未適用の before_deploy に（推移的に）依存するノードは blocked。未適用の
//     after_deploy / always の連鎖は互いを block しない。
//   - delayed な依存を持つノードは待機を引き継いで delayed になる。ただし自身が
//     before_deploy の場合は待機できないため blocked になる。
//
// now は呼び出しごとに一度だけ評価した時刻を渡す。detected は各ノードの初回検出時刻。
// 入力は一切変更されず、同じスナップショットに対する結果は常に同一になる。
func Classify(g *Graph, applied map[NodeID]bool, detected map[NodeID]time.Time, now time.Time) (*Plan, error) {
	pending := make([]NodeID, 0, g.Len())
	for _, id := range g.order {
		if applied[id] {
			continue
		}
		if err := g.nodes[id].Safe.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		pending = append(pending, id)
	}

	states := make(map[NodeID]nodeState, len(pending))
	var resolve func(id NodeID) nodeState
	resolve = func(id NodeID) nodeState {
		if state, ok := states[id]; ok {
			return state
		}
		node := g.nodes[id]
		state := seedState(node, detected, now)

		// 依存先は宣言順に調べ、最初に見つかった block 原因を採用する
		for _, dep := range g.deps[id] {
			if applied[dep] {
				continue
			}
			depNode, ok := g.nodes[dep]
			if !ok {
				continue
			}
			if depNode.Safe.Kind == SafeBeforeDeploy {
				state = nodeState{class: classBlocked, prerequisite: dep, cause: BlockCauseBeforeDeploy}
				break
			}
			depState := resolve(dep)
			if depState.class == classBlocked {
				state = nodeState{class: classBlocked, prerequisite: depState.prerequisite, cause: depState.cause}
				break
			}
			if depState.class == classDelayed {
				if node.Safe.Kind == SafeBeforeDeploy {
					state = nodeState{class: classBlocked, prerequisite: dep, cause: BlockCauseDelayedDependency}
					break
				}
				state = mergeDelay(state, dep, depState)
			}
		}

		states[id] = state
		return state
	}

	for _, id := range pending {
		resolve(id)
	}

	plan := &Plan{Now: now}
	runnable := make(map[NodeID]bool, len(pending))
	for _, id := range pending {
		state := states[id]
		switch state.class {
		case classRunnable:
			runnable[id] = true
		case classBlocked:
			plan.Blocked = append(plan.Blocked, BlockedMigration{
				ID:           id,
				Prerequisite: state.prerequisite,
				Cause:        state.cause,
			})
		case classDelayed:
			delayed := DelayedMigration{
				ID:           id,
				Prerequisite: state.prerequisite,
				EligibleAt:   state.eligibleAt,
			}
			if !state.eligibleAt.IsZero() {
				delayed.Remaining = state.eligibleAt.Sub(now)
			}
			plan.Delayed = append(plan.Delayed, delayed)
		}
	}
	plan.Runnable = g.TopologicalOrder(func(id NodeID) bool { return runnable[id] })
	return plan, nil
}

// seedState はノード単体の区分と待機時間から初期状態を決める。
func seedState(node *MigrationNode, detected map[NodeID]time.Time, now time.Time) nodeState {
	if !node.Safe.HasDelay {
		return nodeState{class: classRunnable}
	}
	detectedAt, ok := detected[node.ID]
	if !ok {
		// 検出未記録: 待機が開始していないため解放時刻も未定
		return nodeState{class: classDelayed}
	}
	eligibleAt := detectedAt.Add(node.Safe.Delay)
	if now.Before(eligibleAt) {
		return nodeState{class: classDelayed, eligibleAt: eligibleAt}
	}
	return nodeState{class: classRunnable}
}

// mergeDelay は依存先の待機を現在の状態へ取り込む。
// 解放時刻が最も遅いものを採用し、検出未記録（ゼロ値）は既知の時刻より優先する。
func mergeDelay(state nodeState, dep NodeID, depState nodeState) nodeState {
	merged := nodeState{class: classDelayed, prerequisite: dep, eligibleAt: depState.eligibleAt}
	if state.class != classDelayed {
		return merged
	}
	if state.eligibleAt.IsZero() {
		return state
	}
	if depState.eligibleAt.IsZero() || depState.eligibleAt.After(state.eligibleAt) {
		return merged
	}
	return state
}
