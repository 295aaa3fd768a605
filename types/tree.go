package types

// StepTree reconstructs the step hierarchy of a single test from its flat step list.
// Nodes live in an arena and are addressed by index; parent links are lookups by id,
// never embedded pointers.
type StepTree struct {
	nodes []stepNode
	index map[string]int
	roots []int
}

type stepNode struct {
	step     *StepRecord
	parent   int // -1 for roots
	depth    int
	children []int
}

// StepTreeStats contains aggregated statistics for a step tree
type StepTreeStats struct {
	Total   int
	Major   int
	Minor   int
	Passed  int
	Failed  int
	Skipped int
	Running int
}

// BuildStepTree builds a tree from steps given in creation order.
// Steps whose parent is unknown are treated as roots.
func BuildStepTree(steps []*StepRecord) *StepTree {
	tree := &StepTree{
		nodes: make([]stepNode, 0, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for _, step := range steps {
		if step == nil {
			continue
		}
		if _, dup := tree.index[step.ID]; dup {
			continue
		}
		tree.index[step.ID] = len(tree.nodes)
		tree.nodes = append(tree.nodes, stepNode{step: step, parent: -1})
	}

	// Parents are always created before their children, so a single pass in
	// creation order assigns depths correctly.
	for i := range tree.nodes {
		node := &tree.nodes[i]
		parentIdx, ok := tree.index[node.step.ParentID]
		if node.step.ParentID == "" || !ok || parentIdx == i {
			tree.roots = append(tree.roots, i)
			continue
		}
		node.parent = parentIdx
		node.depth = tree.nodes[parentIdx].depth + 1
		tree.nodes[parentIdx].children = append(tree.nodes[parentIdx].children, i)
	}
	return tree
}

// Len returns the number of steps in the tree
func (t *StepTree) Len() int {
	return len(t.nodes)
}

// Get returns the step with the given id
func (t *StepTree) Get(id string) (*StepRecord, bool) {
	idx, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.nodes[idx].step, true
}

// Roots returns the top-level steps in creation order
func (t *StepTree) Roots() []*StepRecord {
	return t.collect(t.roots)
}

// Children returns the direct children of a step in creation order
func (t *StepTree) Children(id string) []*StepRecord {
	idx, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.nodes[idx].children)
}

// Parent returns the parent of a step, if it has one in this tree
func (t *StepTree) Parent(id string) (*StepRecord, bool) {
	idx, ok := t.index[id]
	if !ok || t.nodes[idx].parent < 0 {
		return nil, false
	}
	return t.nodes[t.nodes[idx].parent].step, true
}

// Depth returns the nesting depth of a step (0 for roots)
func (t *StepTree) Depth(id string) int {
	idx, ok := t.index[id]
	if !ok {
		return 0
	}
	return t.nodes[idx].depth
}

// Walk visits every step depth-first in display order. parentIsLast records, for each
// ancestor level, whether that ancestor was the last of its siblings.
func (t *StepTree) Walk(fn func(step *StepRecord, depth int, isLast bool, parentIsLast []bool)) {
	var visit func(indexes []int, parentIsLast []bool)
	visit = func(indexes []int, parentIsLast []bool) {
		for i, idx := range indexes {
			node := t.nodes[idx]
			isLast := i == len(indexes)-1
			fn(node.step, node.depth, isLast, parentIsLast)
			if len(node.children) > 0 {
				next := make([]bool, len(parentIsLast), len(parentIsLast)+1)
				copy(next, parentIsLast)
				visit(node.children, append(next, isLast))
			}
		}
	}
	visit(t.roots, nil)
}

// MajorSteps returns every MAJOR step in display order
func (t *StepTree) MajorSteps() []*StepRecord {
	var out []*StepRecord
	t.Walk(func(step *StepRecord, _ int, _ bool, _ []bool) {
		if step.Level == LevelMajor {
			out = append(out, step)
		}
	})
	return out
}

// Stats aggregates level and status counts over the whole tree
func (t *StepTree) Stats() StepTreeStats {
	var stats StepTreeStats
	for _, node := range t.nodes {
		stats.Total++
		if node.step.Level == LevelMajor {
			stats.Major++
		} else {
			stats.Minor++
		}
		switch node.step.Status {
		case StatusPassed:
			stats.Passed++
		case StatusFailed:
			stats.Failed++
		case StatusSkipped:
			stats.Skipped++
		default:
			stats.Running++
		}
	}
	return stats
}

func (t *StepTree) collect(indexes []int) []*StepRecord {
	out := make([]*StepRecord, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, t.nodes[idx].step)
	}
	return out
}
