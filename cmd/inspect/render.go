package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/simulation"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// #region styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	sharedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	pointStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))

	statusStyles = map[run.Status]lipgloss.Style{
		run.StatusActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		run.StatusPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		run.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6")),
		run.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
	}
)

func statusText(s run.Status) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// #endregion styles

// #region printer
// printer writes either indented JSON or styled text.
type printer struct {
	w       io.Writer
	jsonOut bool
}

func newPrinter(w io.Writer, jsonOut bool) *printer {
	return &printer{w: w, jsonOut: jsonOut}
}

func (p *printer) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(p.w, string(data))
	return nil
}

func (p *printer) empty(what string) {
	fmt.Fprintln(p.w, mutedStyle.Render("no "+what+" found"))
}

// #endregion printer

// #region tables
func (p *printer) simulations(sims []simulation.Summary) error {
	if p.jsonOut {
		return p.printJSON(sims)
	}
	if len(sims) == 0 {
		p.empty("simulations")
		return nil
	}
	fmt.Fprintf(p.w, "%-10s  %-24s  %-16s  %-8s  %4s  %s\n", "ID", "Name", "Environment", "Agent", "Runs", "Created")
	for _, s := range sims {
		fmt.Fprintf(p.w, "%-10s  %-24s  %-16s  %-8s  %4d  %s\n",
			shortID(s.ID), clip(s.Name, 24), clip(s.EnvironmentName, 16), clip(s.AgentType, 8),
			s.RunCount, s.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func (p *printer) runs(runs []run.Run) error {
	if p.jsonOut {
		return p.printJSON(runs)
	}
	if len(runs) == 0 {
		p.empty("runs")
		return nil
	}
	fmt.Fprintf(p.w, "%-10s  %-20s  %-10s  %6s  %-10s  %s\n", "ID", "Name", "Status", "Steps", "Parent", "Created")
	for _, r := range runs {
		parent := "—"
		if r.IsBranch() {
			parent = shortID(r.ParentRunID)
		}
		// Padded before styling so escape codes do not skew columns.
		status := fmt.Sprintf("%-10s", r.Status)
		if style, ok := statusStyles[r.Status]; ok {
			status = style.Render(status)
		}
		fmt.Fprintf(p.w, "%-10s  %-20s  %s  %6d  %-10s  %s\n",
			shortID(r.ID), clip(r.Name, 20), status, r.TotalSteps, parent,
			r.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func (p *printer) ledger(r run.Run, entries []ledger.Positioned) error {
	if p.jsonOut {
		return p.printJSON(struct {
			RunID   string              `json:"run_id"`
			RunName string              `json:"run_name"`
			States  []ledger.Positioned `json:"states"`
		}{r.ID, r.Name, entries})
	}
	fmt.Fprintf(p.w, "%s  %s  %s\n", titleStyle.Render(r.Name), mutedStyle.Render(r.ID), statusText(r.Status))
	fmt.Fprintf(p.w, "%5s  %-10s  %-10s  %5s  %8s  %s\n", "Order", "State", "Parent", "Step", "Reward", "Observation")
	for _, e := range entries {
		marker := " "
		if e.State.ID == r.BranchPointStateID {
			marker = pointStyle.Render("*")
		}
		fmt.Fprintf(p.w, "%5d%s %-10s  %-10s  %5d  %8s  %s\n",
			e.SequenceOrder, marker, shortID(e.State.ID), shortID(e.State.ParentID),
			e.State.StepNumber, reward(e.State.Reward), clip(string(e.State.Observation), 40))
	}
	return nil
}

func (p *printer) states(states []state.State) error {
	if p.jsonOut {
		return p.printJSON(states)
	}
	if len(states) == 0 {
		p.empty("states")
		return nil
	}
	for i, s := range states {
		fmt.Fprintf(p.w, "%s%s  step=%d reward=%s %s\n",
			strings.Repeat("  ", i), shortID(s.ID), s.StepNumber, reward(s.Reward),
			mutedStyle.Render(clip(string(s.Observation), 40)))
	}
	return nil
}

func (p *printer) history(ops []logging.OperationEntry) error {
	if p.jsonOut {
		return p.printJSON(ops)
	}
	if len(ops) == 0 {
		p.empty("operations")
		return nil
	}
	for _, op := range ops {
		fmt.Fprintf(p.w, "%s  %-9s  %s\n",
			mutedStyle.Render(op.CreatedAt.Format("2006-01-02T15:04:05Z")), op.Operation, op.DetailJSON)
	}
	return nil
}

// #endregion tables

// #region tree
func (p *printer) tree(roots []*run.TreeNode) error {
	if p.jsonOut {
		return p.printJSON(roots)
	}
	if len(roots) == 0 {
		p.empty("runs")
		return nil
	}
	for _, root := range roots {
		root.Walk(func(n *run.TreeNode, depth int) {
			prefix := ""
			if depth > 0 {
				prefix = strings.Repeat("   ", depth-1) + "└─ "
			}
			at := ""
			if n.BranchPointStateID != "" {
				at = mutedStyle.Render(" @" + shortID(n.BranchPointStateID))
			}
			fmt.Fprintf(p.w, "%s%s %s %s%s\n", prefix, titleStyle.Render(n.Name),
				statusText(n.Status), mutedStyle.Render(fmt.Sprintf("(%d steps)", n.TotalSteps)), at)
		})
	}
	return nil
}

// #endregion tree

// #region compare
func (p *printer) comparison(cmp divergence.Comparison) error {
	if p.jsonOut {
		return p.printJSON(cmp)
	}
	fmt.Fprintf(p.w, "%s %s vs %s\n", titleStyle.Render("compare"), shortID(cmp.Run1ID), shortID(cmp.Run2ID))
	fmt.Fprintf(p.w, "  shared: %d  run1 only: %d  run2 only: %d\n",
		cmp.SharedCount, cmp.Run1UniqueCount, cmp.Run2UniqueCount)
	if cmp.DivergencePoint == nil {
		fmt.Fprintln(p.w, mutedStyle.Render("  no shared prefix"))
	} else {
		fmt.Fprintf(p.w, "  divergence: %s (step %d)\n",
			pointStyle.Render(shortID(cmp.DivergencePoint.ID)), cmp.DivergencePoint.StepNumber)
	}
	line := func(label string, states []state.State, style lipgloss.Style) {
		ids := make([]string, len(states))
		for i, s := range states {
			ids[i] = shortID(s.ID)
		}
		fmt.Fprintf(p.w, "  %-10s %s\n", label, style.Render(strings.Join(ids, " → ")))
	}
	line("shared", cmp.Shared, sharedStyle)
	line("run1", cmp.Run1Only, statusStyles[run.StatusActive])
	line("run2", cmp.Run2Only, statusStyles[run.StatusPaused])
	return nil
}

// #endregion compare

// #region helpers
func reward(r *float64) string {
	if r == nil {
		return "—"
	}
	return fmt.Sprintf("%.3f", *r)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion helpers
