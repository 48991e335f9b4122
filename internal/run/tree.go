package run

import (
	"sort"
	"time"
)

// TreeNode is one run in the branch forest of a simulation.
type TreeNode struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Status             Status      `json:"status"`
	TotalSteps         int         `json:"total_steps"`
	BranchPointStateID string      `json:"branch_point,omitempty"`
	Children           []*TreeNode `json:"children"`

	createdAt time.Time
}

// BuildTree links runs to their parent runs. A run whose parent is not in
// runs becomes a root. Siblings and roots are ordered by creation time.
func BuildTree(runs []Run) []*TreeNode {
	nodes := make(map[string]*TreeNode, len(runs))
	for _, r := range runs {
		nodes[r.ID] = &TreeNode{
			ID:                 r.ID,
			Name:               r.Name,
			Status:             r.Status,
			TotalSteps:         r.TotalSteps,
			BranchPointStateID: r.BranchPointStateID,
			Children:           []*TreeNode{},
			createdAt:          r.CreatedAt,
		}
	}

	roots := []*TreeNode{}
	for _, r := range runs {
		n := nodes[r.ID]
		if parent, ok := nodes[r.ParentRunID]; ok && r.ParentRunID != r.ID {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}

	byCreated := func(ns []*TreeNode) {
		sort.SliceStable(ns, func(i, j int) bool { return ns[i].createdAt.Before(ns[j].createdAt) })
	}
	byCreated(roots)
	for _, n := range nodes {
		byCreated(n.Children)
	}
	return roots
}

// Walk visits n and its descendants depth first.
func (n *TreeNode) Walk(visit func(node *TreeNode, depth int)) {
	var walk func(*TreeNode, int)
	walk = func(node *TreeNode, depth int) {
		visit(node, depth)
		for _, c := range node.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
}
