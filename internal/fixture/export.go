package fixture

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// #region export
// Export turns a stored simulation into a fixture whose expectations are the
// store's current answers for every pair of runs. Ingesting the result into
// an empty store reproduces the same run tree.
func Export(ctx context.Context, runs *run.Manager, engine *divergence.Engine, simulationID string) (*Fixture, error) {
	sim, err := runs.Simulations().Get(ctx, simulationID)
	if err != nil {
		return nil, fmt.Errorf("export simulation: %w", err)
	}
	stored, err := runs.ListBySimulation(ctx, simulationID)
	if err != nil {
		return nil, fmt.Errorf("export runs: %w", err)
	}

	f := &Fixture{
		Description: fmt.Sprintf("Export of simulation %s (%s): %d runs", sim.Name, sim.ID, len(stored)),
		Simulation: api.CreateSimulationRequest{
			Name:              sim.Name,
			Description:       sim.Description,
			EnvironmentName:   sim.EnvironmentName,
			EnvironmentConfig: sim.EnvironmentConfig,
			AgentType:         sim.AgentType,
			AgentConfig:       sim.AgentConfig,
			MaxSteps:          sim.MaxSteps,
			Seed:              sim.Seed,
			Tags:              sim.Tags,
		},
	}

	names := make(map[string]string, len(stored))
	taken := make(map[string]bool, len(stored))
	ledgers := make(map[string][]string, len(stored))
	var order []run.Run
	haveRoot := false

	for _, r := range parentsFirst(stored) {
		entries, err := runs.RunStates(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("export run %s: %w", r.ID, err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("export run %s: empty ledger", r.ID)
		}

		name := r.Name
		if taken[name] {
			name = fmt.Sprintf("%s-%s", r.Name, r.ID[:min(8, len(r.ID))])
		}
		taken[name] = true
		names[r.ID] = name

		fr := Run{
			Name:            name,
			Description:     r.Description,
			ConfigOverrides: r.ConfigOverrides,
			Status:          r.Status,
			TotalReward:     r.TotalReward,
		}
		start := 1
		if r.IsBranch() {
			parent := ledgers[r.ParentRunID]
			at := indexOf(parent, r.BranchPointStateID)
			if at < 0 {
				return nil, fmt.Errorf("export run %s: branch point %s not in parent ledger", r.ID, r.BranchPointStateID)
			}
			fr.BranchFrom = names[r.ParentRunID]
			fr.BranchStep = at
			start = at + 1
		} else {
			root := stepOf(entries[0].State)
			if !haveRoot {
				f.Root = root
				haveRoot = true
			} else {
				fr.Root = &root
			}
		}
		if fr.Status == run.StatusActive {
			fr.Status = ""
		}

		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.State.ID
			if i >= start {
				fr.Steps = append(fr.Steps, stepOf(e.State))
			}
		}
		ledgers[r.ID] = ids
		f.Runs = append(f.Runs, fr)
		order = append(order, r)
	}

	for i := range order {
		for j := i + 1; j < len(order); j++ {
			cmp, err := engine.CompareRuns(ctx, order[i].ID, order[j].ID)
			if err != nil {
				return nil, fmt.Errorf("export comparison: %w", err)
			}
			c := Comparison{
				Run1:     names[order[i].ID],
				Run2:     names[order[j].ID],
				Shared:   cmp.SharedCount,
				Run1Only: cmp.Run1UniqueCount,
				Run2Only: cmp.Run2UniqueCount,
			}
			if cmp.SharedCount > 0 {
				step := cmp.SharedCount - 1
				c.DivergenceStep = &step
			}
			f.Expected.Comparisons = append(f.Expected.Comparisons, c)
		}
	}
	return f, nil
}

// parentsFirst orders runs so each branch follows its parent. Runs whose
// parent is outside the slice are treated as independent.
func parentsFirst(runs []run.Run) []run.Run {
	present := make(map[string]bool, len(runs))
	for _, r := range runs {
		present[r.ID] = true
	}
	out := make([]run.Run, 0, len(runs))
	done := make(map[string]bool, len(runs))
	for len(out) < len(runs) {
		progressed := false
		for _, r := range runs {
			if done[r.ID] {
				continue
			}
			if r.IsBranch() && present[r.ParentRunID] && !done[r.ParentRunID] {
				continue
			}
			if r.IsBranch() && !present[r.ParentRunID] {
				r.ParentRunID, r.BranchPointStateID = "", ""
			}
			out = append(out, r)
			done[r.ID] = true
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

func stepOf(s state.State) Step {
	return Step{
		Observation: s.Observation,
		Action:      s.Action,
		Reward:      s.Reward,
		Done:        s.Done,
		Truncated:   s.Truncated,
		Info:        s.Info,
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// #endregion export
