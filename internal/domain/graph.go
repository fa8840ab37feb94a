package domain

import "fmt"

// MigrationNode は依存グラフ上のマイグレーション1件を表す。
type MigrationNode struct {
	ID        NodeID
	Safe      Safe
	DependsOn []NodeID // 先に適用されている必要があるマイグレーション
	RunBefore []NodeID // このマイグレーションより後に適用すべきマイグレーション
}

// Graph はマイグレーション依存グラフの読み取り専用スナップショットを表す。
// run_before 指定は構築時に対象ノード側の依存関係へ正規化されるため、
// 構築後の走査は DependsOn 方向のみを辿ればよい。
type Graph struct {
	nodes map[NodeID]*MigrationNode
	order []NodeID
	deps  map[NodeID][]NodeID
}

// NewGraph はノード一覧から依存グラフを構築し、整合性を検証する。
// 識別子の重複、存在しない依存先、循環は全て構築エラーとする。
func NewGraph(nodes []*MigrationNode) (*Graph, error) {
	g := &Graph{
		nodes: make(map[NodeID]*MigrationNode, len(nodes)),
		order: make([]NodeID, 0, len(nodes)),
		deps:  make(map[NodeID][]NodeID, len(nodes)),
	}

	for _, node := range nodes {
		if _, ok := g.nodes[node.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMigration, node.ID)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
	}

	for _, node := range nodes {
		for _, dep := range node.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, node.ID, dep)
			}
			g.addDependency(node.ID, dep)
		}
	}

	for _, node := range nodes {
		for _, target := range node.RunBefore {
			if _, ok := g.nodes[target]; !ok {
				return nil, fmt.Errorf("%w: %s runs before %s", ErrUnknownDependency, node.ID, target)
			}
			g.addDependency(target, node.ID)
		}
	}

	if tail := g.findCycle(); !tail.IsZero() {
		return nil, fmt.Errorf("%w: involving %s", ErrDependencyCycle, tail)
	}
	return g, nil
}

func (g *Graph) addDependency(id, dep NodeID) {
	for _, existing := range g.deps[id] {
		if existing == dep {
			return
		}
	}
	g.deps[id] = append(g.deps[id], dep)
}

// findCycle は依存の循環に含まれるノードを1つ返す。循環がなければゼロ値を返す。
func (g *Graph) findCycle() NodeID {
	const (
		white = iota // 未訪問
		gray         // 訪問中
		black        // 訪問済み
	)
	color := make(map[NodeID]int, len(g.order))

	var visit func(id NodeID) NodeID
	visit = func(id NodeID) NodeID {
		color[id] = gray
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); !hit.IsZero() {
					return hit
				}
			}
		}
		color[id] = black
		return NodeID{}
	}

	for _, id := range g.order {
		if color[id] == white {
			if hit := visit(id); !hit.IsZero() {
				return hit
			}
		}
	}
	return NodeID{}
}

// Node は識別子に対応するノードを返す。
func (g *Graph) Node(id NodeID) (*MigrationNode, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Order は登録順のノード識別子一覧を返す。
func (g *Graph) Order() []NodeID {
	order := make([]NodeID, len(g.order))
	copy(order, g.order)
	return order
}

// Dependencies は正規化済みの依存先一覧を宣言順で返す。
func (g *Graph) Dependencies(id NodeID) []NodeID {
	deps := make([]NodeID, len(g.deps[id]))
	copy(deps, g.deps[id])
	return deps
}

// Len はノード数を返す。
func (g *Graph) Len() int {
	return len(g.order)
}

// TopologicalOrder は include が真を返すノードを依存関係順に並べて返す。
// include 対象外の依存は満たされているものとして扱い、同順位は登録順で安定する。
func (g *Graph) TopologicalOrder(include func(NodeID) bool) []NodeID {
	selected := make([]NodeID, 0, len(g.order))
	member := make(map[NodeID]bool, len(g.order))
	for _, id := range g.order {
		if include(id) {
			selected = append(selected, id)
			member[id] = true
		}
	}

	result := make([]NodeID, 0, len(selected))
	emitted := make(map[NodeID]bool, len(selected))
	for len(result) < len(selected) {
		progressed := false
		for _, id := range selected {
			if emitted[id] {
				continue
			}
			ready := true
			for _, dep := range g.deps[id] {
				if member[dep] && !emitted[dep] {
					ready = false
					break
				}
			}
			if ready {
				emitted[id] = true
				result = append(result, id)
				progressed = true
			}
		}
		// 循環は構築時に排除済みだが、万一の場合も無限ループにしない
		if !progressed {
			break
		}
	}
	return result
}
