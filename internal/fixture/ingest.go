package fixture

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/state"
)

// #region types
// Result records what Ingest wrote, keyed by fixture run name.
type Result struct {
	SimulationID string
	Runs         map[string]run.Run
	// Ledgers holds each run's state ids in sequence order.
	Ledgers map[string][]string
	// Order is the fixture run order.
	Order []string
}

// Mismatch is one disagreement between a fixture and the store.
type Mismatch struct {
	Subject string
	Field   string
	Want    string
	Got     string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s: want %s, got %s", m.Subject, m.Field, m.Want, m.Got)
}

// #endregion types

// #region ingest
// Ingest writes f through runs: the simulation, one root state per
// independent run, every appended step, the branches and the final statuses.
// Runs are processed in fixture order so a branch sees its parent's full
// ledger.
func Ingest(ctx context.Context, runs *run.Manager, f *Fixture) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	sim, err := runs.Simulations().Create(ctx, f.Simulation.Params())
	if err != nil {
		return Result{}, fmt.Errorf("ingest simulation: %w", err)
	}

	res := Result{
		SimulationID: sim.ID,
		Runs:         make(map[string]run.Run, len(f.Runs)),
		Ledgers:      make(map[string][]string, len(f.Runs)),
	}
	for _, fr := range f.Runs {
		r, ledger, err := ingestRun(ctx, runs, sim.ID, f.Root, fr, res)
		if err != nil {
			return res, fmt.Errorf("ingest run %q: %w", fr.Name, err)
		}
		res.Runs[fr.Name] = r
		res.Ledgers[fr.Name] = ledger
		res.Order = append(res.Order, fr.Name)
	}
	return res, nil
}

func ingestRun(ctx context.Context, runs *run.Manager, simID string, root Step, fr Run, res Result) (run.Run, []string, error) {
	var r run.Run
	var ledger []string

	if fr.BranchFrom == "" {
		if fr.Root != nil {
			root = *fr.Root
		}
		rootState, err := runs.States().Create(ctx, newState(root, 0))
		if err != nil {
			return r, nil, err
		}
		r, err = runs.CreateRun(ctx, run.CreateParams{
			SimulationID:    simID,
			Name:            fr.Name,
			Description:     fr.Description,
			RootStateID:     rootState.ID,
			ConfigOverrides: fr.ConfigOverrides,
		})
		if err != nil {
			return r, nil, err
		}
		ledger = []string{rootState.ID}
	} else {
		parent := res.Ledgers[fr.BranchFrom]
		if fr.BranchStep >= len(parent) {
			return r, nil, fmt.Errorf("branch_step %d beyond %q ledger of %d states",
				fr.BranchStep, fr.BranchFrom, len(parent))
		}
		var err error
		r, err = runs.Branch(ctx, run.BranchParams{
			ParentRunID:        res.Runs[fr.BranchFrom].ID,
			BranchPointStateID: parent[fr.BranchStep],
			Name:               fr.Name,
			Description:        fr.Description,
			ConfigOverrides:    fr.ConfigOverrides,
		})
		if err != nil {
			return r, nil, err
		}
		ledger = append([]string(nil), parent[:fr.BranchStep+1]...)
	}

	for _, step := range fr.Steps {
		st, updated, err := runs.AppendNewState(ctx, r.ID, newState(step, len(ledger)))
		if err != nil {
			return r, nil, err
		}
		r = updated
		ledger = append(ledger, st.ID)
	}

	var err error
	switch fr.Status {
	case run.StatusPaused:
		r, err = runs.Pause(ctx, r.ID)
	case run.StatusCompleted:
		r, err = runs.Complete(ctx, r.ID, fr.TotalReward)
	case run.StatusFailed:
		r, err = runs.Fail(ctx, r.ID)
	}
	return r, ledger, err
}

func newState(s Step, stepNumber int) state.NewState {
	obs := s.Observation
	if len(obs) == 0 {
		obs = json.RawMessage(`null`)
	}
	return state.NewState{
		Observation: obs,
		Action:      s.Action,
		Reward:      s.Reward,
		Done:        s.Done,
		Truncated:   s.Truncated,
		StepNumber:  stepNumber,
		Info:        s.Info,
	}
}

// #endregion ingest

// #region verify
// Verify compares every expected comparison and every run's step count
// against the store. It returns an error only when the store cannot answer.
func Verify(ctx context.Context, engine *divergence.Engine, res Result, exp Expected) ([]Mismatch, error) {
	var out []Mismatch

	for _, name := range res.Order {
		r := res.Runs[name]
		if want := len(res.Ledgers[name]); r.TotalSteps != want {
			out = append(out, Mismatch{Subject: name, Field: "total_steps",
				Want: fmt.Sprint(want), Got: fmt.Sprint(r.TotalSteps)})
		}
	}

	for _, c := range exp.Comparisons {
		r1, ok1 := res.Runs[c.Run1]
		r2, ok2 := res.Runs[c.Run2]
		if !ok1 || !ok2 {
			return out, fmt.Errorf("comparison %s vs %s names a run that was not ingested", c.Run1, c.Run2)
		}
		cmp, err := engine.CompareRuns(ctx, r1.ID, r2.ID)
		if err != nil {
			return out, fmt.Errorf("compare %s vs %s: %w", c.Run1, c.Run2, err)
		}
		subject := c.Run1 + " vs " + c.Run2
		counts := []struct {
			field     string
			want, got int
		}{
			{"shared", c.Shared, cmp.SharedCount},
			{"run1_only", c.Run1Only, cmp.Run1UniqueCount},
			{"run2_only", c.Run2Only, cmp.Run2UniqueCount},
		}
		for _, n := range counts {
			if n.want != n.got {
				out = append(out, Mismatch{Subject: subject, Field: n.field,
					Want: fmt.Sprint(n.want), Got: fmt.Sprint(n.got)})
			}
		}
		if m, ok := checkDivergence(subject, c, cmp, res.Ledgers[c.Run1]); !ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func checkDivergence(subject string, c Comparison, cmp divergence.Comparison, ledger1 []string) (Mismatch, bool) {
	got := "null"
	if cmp.DivergencePoint != nil {
		got = cmp.DivergencePoint.ID
	}
	want := "null"
	if c.DivergenceStep != nil {
		if *c.DivergenceStep < 0 || *c.DivergenceStep >= len(ledger1) {
			want = fmt.Sprintf("step %d (outside %s)", *c.DivergenceStep, c.Run1)
		} else {
			want = ledger1[*c.DivergenceStep]
		}
	}
	if want == got {
		return Mismatch{}, true
	}
	return Mismatch{Subject: subject, Field: "divergence_point", Want: want, Got: got}, false
}

// #endregion verify
