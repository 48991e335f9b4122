package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/events"
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/simulation"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region helpers
type recorder struct {
	mu     sync.Mutex
	events []events.RunEvent
	err    error
}

func (r *recorder) Publish(_ context.Context, ev *events.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return r.err
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type env struct {
	m    *Manager
	pub  *recorder
	sim  simulation.Simulation
	root state.State
	path string
}

func setup(t *testing.T) env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := dbutil.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pub := &recorder{}
	m, err := NewManager(db, nil, pub, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx := context.Background()
	sim, err := m.Simulations().Create(ctx, simulation.Params{
		Name:            "cartpole-dqn",
		EnvironmentName: "CartPole-v1",
		AgentType:       "DQN",
		AgentConfig:     map[string]any{"learning_rate": 0.001},
	})
	if err != nil {
		t.Fatalf("Create simulation: %v", err)
	}
	root, err := m.States().Create(ctx, state.NewState{Observation: obs(0)})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	return env{m: m, pub: pub, sim: sim, root: root, path: path}
}

func obs(step int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`[%d, 0.01, -0.02, 0.03]`, step))
}

func (e env) createRun(t *testing.T, name string) Run {
	t.Helper()
	r, err := e.m.CreateRun(context.Background(), CreateParams{
		SimulationID:    e.sim.ID,
		Name:            name,
		RootStateID:     e.root.ID,
		ConfigOverrides: map[string]any{"learning_rate": 0.001, "gamma": 0.99},
	})
	if err != nil {
		t.Fatalf("CreateRun %s: %v", name, err)
	}
	return r
}

// step appends a fresh state to the head of runID.
func (e env) step(t *testing.T, runID string, n int) state.State {
	t.Helper()
	reward := 1.0
	st, _, err := e.m.AppendNewState(context.Background(), runID, state.NewState{
		Observation: obs(n),
		Action:      json.RawMessage(`1`),
		Reward:      &reward,
		StepNumber:  n,
	})
	if err != nil {
		t.Fatalf("AppendNewState step %d: %v", n, err)
	}
	return st
}

func ledgerIDs(t *testing.T, db *sql.DB, runID string) []string {
	t.Helper()
	ids, err := ledger.StateIDs(context.Background(), db, runID)
	if err != nil {
		t.Fatalf("StateIDs: %v", err)
	}
	return ids
}

// checkInvariants verifies the run row against its ledger.
func checkInvariants(t *testing.T, m *Manager, runID string) {
	t.Helper()
	ctx := context.Background()
	r, err := m.Get(ctx, runID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	entries, err := m.RunStates(ctx, runID)
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if r.TotalSteps != len(entries) {
		t.Errorf("total_steps = %d, ledger has %d", r.TotalSteps, len(entries))
	}
	for i, e := range entries {
		if e.SequenceOrder != i {
			t.Errorf("entry %d has order %d", i, e.SequenceOrder)
		}
		if i > 0 && e.State.ParentID != entries[i-1].State.ID {
			t.Errorf("entry %d parent %s, want %s", i, e.State.ParentID, entries[i-1].State.ID)
		}
	}
	if len(entries) > 0 && r.CurrentStateID != entries[len(entries)-1].State.ID {
		t.Errorf("current_state_id = %s, want %s", r.CurrentStateID, entries[len(entries)-1].State.ID)
	}
}

// #endregion helpers

// #region create-tests
func TestCreateRun(t *testing.T) {
	e := setup(t)
	r := e.createRun(t, "main")

	if r.Status != StatusActive {
		t.Errorf("status = %s", r.Status)
	}
	if r.TotalSteps != 1 {
		t.Errorf("total_steps = %d, want 1", r.TotalSteps)
	}
	if r.RootStateID != e.root.ID || r.CurrentStateID != e.root.ID {
		t.Errorf("root/current = %s/%s", r.RootStateID, r.CurrentStateID)
	}
	if r.StartedAt == nil || r.CompletedAt != nil {
		t.Errorf("started_at = %v, completed_at = %v", r.StartedAt, r.CompletedAt)
	}

	got, err := e.m.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "main" || got.ConfigOverrides["gamma"] != 0.99 {
		t.Errorf("unexpected run: %+v", got)
	}
	if ids := ledgerIDs(t, e.m.DB(), r.ID); len(ids) != 1 || ids[0] != e.root.ID {
		t.Errorf("ledger = %v", ids)
	}
	checkInvariants(t, e.m, r.ID)

	if types := e.pub.types(); len(types) != 1 || types[0] != events.RunCreated {
		t.Errorf("events = %v", types)
	}
}

func TestCreateRun_Errors(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.m.CreateRun(ctx, CreateParams{SimulationID: "missing", Name: "x", RootStateID: e.root.ID})
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing simulation: expected ErrNotFound, got %v", err)
	}
	_, err = e.m.CreateRun(ctx, CreateParams{SimulationID: e.sim.ID, Name: "x", RootStateID: "missing"})
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing root: expected ErrNotFound, got %v", err)
	}
	_, err = e.m.CreateRun(ctx, CreateParams{SimulationID: e.sim.ID, RootStateID: e.root.ID})
	if !errors.Is(err, storeerr.ErrValidation) {
		t.Errorf("missing name: expected ErrValidation, got %v", err)
	}

	runs, err := e.m.ListAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("failed creates left %d runs behind", len(runs))
	}
}

func TestCreateRun_RecordsLineage(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	parent := e.createRun(t, "main")
	s1 := e.step(t, parent.ID, 1)

	r, err := e.m.CreateRun(ctx, CreateParams{
		SimulationID:       e.sim.ID,
		Name:               "imported",
		RootStateID:        s1.ID,
		ParentRunID:        parent.ID,
		BranchPointStateID: s1.ID,
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	got, err := e.m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ParentRunID != parent.ID || got.BranchPointStateID != s1.ID {
		t.Errorf("parent/branch point = %s/%s", got.ParentRunID, got.BranchPointStateID)
	}
	if ids := ledgerIDs(t, e.m.DB(), r.ID); len(ids) != 1 || ids[0] != s1.ID {
		t.Errorf("ledger = %v, want only the root", ids)
	}

	tree, err := e.m.Tree(ctx, e.sim.ID)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 1 || tree[0].Children[0].ID != r.ID {
		t.Errorf("expected imported run under main, got %+v", tree)
	}
}

func TestCreateRun_LineageErrors(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	parent := e.createRun(t, "main")

	other, err := e.m.Simulations().Create(ctx, simulation.Params{
		Name: "other", EnvironmentName: "MountainCar-v0", AgentType: "PPO",
	})
	if err != nil {
		t.Fatalf("Create simulation: %v", err)
	}

	tests := []struct {
		name string
		p    CreateParams
		want error
	}{
		{"missing parent", CreateParams{SimulationID: e.sim.ID, Name: "x", RootStateID: e.root.ID,
			ParentRunID: "missing"}, storeerr.ErrNotFound},
		{"missing branch point", CreateParams{SimulationID: e.sim.ID, Name: "x", RootStateID: e.root.ID,
			ParentRunID: parent.ID, BranchPointStateID: "missing"}, storeerr.ErrNotFound},
		{"branch point without parent", CreateParams{SimulationID: e.sim.ID, Name: "x", RootStateID: e.root.ID,
			BranchPointStateID: e.root.ID}, storeerr.ErrValidation},
		{"parent in other simulation", CreateParams{SimulationID: other.ID, Name: "x", RootStateID: e.root.ID,
			ParentRunID: parent.ID}, storeerr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.m.CreateRun(ctx, tt.p); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	runs, err := e.m.ListAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("failed creates left %d extra runs behind", len(runs)-1)
	}
}

// #endregion create-tests

// #region append-tests
func TestAppendNewState_Gapless(t *testing.T) {
	e := setup(t)
	r := e.createRun(t, "main")

	var last state.State
	for i := 1; i <= 5; i++ {
		last = e.step(t, r.ID, i)
	}

	got, err := e.m.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TotalSteps != 6 {
		t.Errorf("total_steps = %d, want 6", got.TotalSteps)
	}
	if got.CurrentStateID != last.ID {
		t.Errorf("current_state_id = %s, want %s", got.CurrentStateID, last.ID)
	}
	checkInvariants(t, e.m, r.ID)
}

func TestAppendNewState_WrongParent(t *testing.T) {
	e := setup(t)
	r := e.createRun(t, "main")
	e.step(t, r.ID, 1)

	_, _, err := e.m.AppendNewState(context.Background(), r.ID, state.NewState{
		ParentID:    e.root.ID,
		Observation: obs(2),
	})
	if !errors.Is(err, storeerr.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	checkInvariants(t, e.m, r.ID)
}

func TestAddState(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")

	st, err := e.m.States().Create(ctx, state.NewState{ParentID: e.root.ID, Observation: obs(1), StepNumber: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := e.m.AddState(ctx, r.ID, st.ID)
	if err != nil {
		t.Fatalf("AddState: %v", err)
	}
	if got.TotalSteps != 2 || got.CurrentStateID != st.ID {
		t.Errorf("run after add = %+v", got)
	}

	// A sibling of the new head does not extend it.
	sibling, err := e.m.States().Create(ctx, state.NewState{ParentID: e.root.ID, Observation: obs(1), StepNumber: 1})
	if err != nil {
		t.Fatalf("Create sibling: %v", err)
	}
	if _, err := e.m.AddState(ctx, r.ID, sibling.ID); !errors.Is(err, storeerr.ErrValidation) {
		t.Errorf("sibling: expected ErrValidation, got %v", err)
	}
	if _, err := e.m.AddState(ctx, r.ID, "missing"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing state: expected ErrNotFound, got %v", err)
	}
	if _, err := e.m.AddState(ctx, "missing", st.ID); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing run: expected ErrNotFound, got %v", err)
	}
	checkInvariants(t, e.m, r.ID)
}

func TestAppendToCompletedRunRejected(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")
	e.step(t, r.ID, 1)

	if _, err := e.m.Complete(ctx, r.ID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, _, err := e.m.AppendNewState(ctx, r.ID, state.NewState{Observation: obs(2)})
	if !errors.Is(err, storeerr.ErrRunNotActive) {
		t.Fatalf("expected ErrRunNotActive, got %v", err)
	}

	got, _ := e.m.Get(ctx, r.ID)
	if got.TotalSteps != 2 {
		t.Errorf("rejected append changed total_steps to %d", got.TotalSteps)
	}
	checkInvariants(t, e.m, r.ID)
}

// #endregion append-tests

// #region branch-tests
func TestBranch_MainExpScenario(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	main := e.createRun(t, "main")

	s := []state.State{e.root}
	for i := 1; i <= 5; i++ {
		s = append(s, e.step(t, main.ID, i))
	}

	exp, err := e.m.Branch(ctx, BranchParams{
		ParentRunID:        main.ID,
		BranchPointStateID: s[3].ID,
		Name:               "exp",
		ConfigOverrides:    map[string]any{"learning_rate": 0.01},
	})
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}

	if exp.RootStateID != s[3].ID || exp.CurrentStateID != s[3].ID || exp.BranchPointStateID != s[3].ID {
		t.Errorf("root/current/branch point = %s/%s/%s", exp.RootStateID, exp.CurrentStateID, exp.BranchPointStateID)
	}
	if exp.ParentRunID != main.ID || exp.SimulationID != main.SimulationID {
		t.Errorf("parent/simulation = %s/%s", exp.ParentRunID, exp.SimulationID)
	}
	if exp.TotalSteps != 4 {
		t.Errorf("total_steps = %d, want 4", exp.TotalSteps)
	}
	if exp.Description != "Branched from main at step 3" {
		t.Errorf("description = %q", exp.Description)
	}
	if exp.ConfigOverrides["learning_rate"] != 0.01 || exp.ConfigOverrides["gamma"] != 0.99 {
		t.Errorf("config_overrides = %v", exp.ConfigOverrides)
	}

	want := []string{s[0].ID, s[1].ID, s[2].ID, s[3].ID}
	if got := ledgerIDs(t, e.m.DB(), exp.ID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("branch ledger = %v, want %v", got, want)
	}

	s4b := e.step(t, exp.ID, 4)
	s5b := e.step(t, exp.ID, 5)
	if s4b.ParentID != s[3].ID || s5b.ParentID != s4b.ID {
		t.Errorf("branch states do not extend the branch point")
	}
	checkInvariants(t, e.m, exp.ID)
	checkInvariants(t, e.m, main.ID)

	// The parent is untouched.
	if got := ledgerIDs(t, e.m.DB(), main.ID); len(got) != 6 || got[5] != s[5].ID {
		t.Errorf("main ledger changed: %v", got)
	}

	runs, err := ledger.RunsContaining(ctx, e.m.DB(), s[2].ID)
	if err != nil {
		t.Fatalf("RunsContaining: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("s2 should be shared by both runs, got %v", runs)
	}
}

func TestBranch_PrefixPreserving(t *testing.T) {
	e := setup(t)
	main := e.createRun(t, "main")
	for i := 1; i <= 4; i++ {
		e.step(t, main.ID, i)
	}
	parentIDs := ledgerIDs(t, e.m.DB(), main.ID)

	for k, bp := range parentIDs {
		b, err := e.m.Branch(context.Background(), BranchParams{
			ParentRunID:        main.ID,
			BranchPointStateID: bp,
			Name:               fmt.Sprintf("b%d", k),
		})
		if err != nil {
			t.Fatalf("Branch at %d: %v", k, err)
		}
		got := ledgerIDs(t, e.m.DB(), b.ID)
		if strings.Join(got, ",") != strings.Join(parentIDs[:k+1], ",") {
			t.Errorf("branch at %d ledger = %v, want %v", k, got, parentIDs[:k+1])
		}
		checkInvariants(t, e.m, b.ID)
	}
}

func TestBranch_InvalidBranchPoint(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	main := e.createRun(t, "main")
	e.step(t, main.ID, 1)

	otherRoot, err := e.m.States().Create(ctx, state.NewState{Observation: obs(0)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = e.m.Branch(ctx, BranchParams{ParentRunID: main.ID, BranchPointStateID: otherRoot.ID, Name: "bad"})
	if !errors.Is(err, storeerr.ErrInvalidBranchPoint) {
		t.Fatalf("expected ErrInvalidBranchPoint, got %v", err)
	}

	runs, _ := e.m.ListAll(ctx, 0, 0)
	if len(runs) != 1 {
		t.Errorf("invalid branch left %d runs", len(runs))
	}
}

func TestBranch_NotFound(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	main := e.createRun(t, "main")

	_, err := e.m.Branch(ctx, BranchParams{ParentRunID: "missing", BranchPointStateID: e.root.ID, Name: "b"})
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing parent: expected ErrNotFound, got %v", err)
	}
	_, err = e.m.Branch(ctx, BranchParams{ParentRunID: main.ID, BranchPointStateID: "missing", Name: "b"})
	if !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("missing state: expected ErrNotFound, got %v", err)
	}
}

func TestBranch_FromCompletedRun(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	main := e.createRun(t, "main")
	s1 := e.step(t, main.ID, 1)
	if _, err := e.m.Complete(ctx, main.ID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	b, err := e.m.Branch(ctx, BranchParams{
		ParentRunID:        main.ID,
		BranchPointStateID: s1.ID,
		Name:               "retry",
		Description:        "second attempt",
	})
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if b.Status != StatusActive || b.Description != "second attempt" {
		t.Errorf("branch = %+v", b)
	}
	e.step(t, b.ID, 2)
	checkInvariants(t, e.m, b.ID)
}

// #endregion branch-tests

// #region status-tests
func TestStatusTransitions(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")

	if _, err := e.m.Pause(ctx, r.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, _, err := e.m.AppendNewState(ctx, r.ID, state.NewState{Observation: obs(1)}); !errors.Is(err, storeerr.ErrRunNotActive) {
		t.Errorf("append to paused: expected ErrRunNotActive, got %v", err)
	}
	if _, err := e.m.Pause(ctx, r.ID); !errors.Is(err, storeerr.ErrRunNotActive) {
		t.Errorf("pause paused: expected ErrRunNotActive, got %v", err)
	}

	if _, err := e.m.Resume(ctx, r.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	e.step(t, r.ID, 1)

	reward := 42.5
	done, err := e.m.Complete(ctx, r.ID, &reward)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Errorf("completed run = %+v", done)
	}

	got, _ := e.m.Get(ctx, r.ID)
	if got.TotalReward == nil || *got.TotalReward != 42.5 {
		t.Errorf("total_reward = %v", got.TotalReward)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not persisted")
	}

	if _, err := e.m.Fail(ctx, r.ID); !errors.Is(err, storeerr.ErrRunNotActive) {
		t.Errorf("fail completed: expected ErrRunNotActive, got %v", err)
	}
	if _, err := e.m.Resume(ctx, r.ID); !errors.Is(err, storeerr.ErrRunNotActive) {
		t.Errorf("resume completed: expected ErrRunNotActive, got %v", err)
	}
	if _, err := e.m.Pause(ctx, "missing"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("pause missing: expected ErrNotFound, got %v", err)
	}

	want := []string{events.RunCreated, events.RunPaused, events.RunResumed, events.RunCompleted}
	if got := e.pub.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestFailFromPaused(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")

	if _, err := e.m.Pause(ctx, r.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	failed, err := e.m.Fail(ctx, r.ID)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.CompletedAt == nil {
		t.Errorf("failed run = %+v", failed)
	}
}

// #endregion status-tests

// #region read-tests
func TestListAndHistory(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	a := e.createRun(t, "a")
	e.createRun(t, "b")
	e.step(t, a.ID, 1)
	e.m.Pause(ctx, a.ID)

	runs, err := e.m.ListBySimulation(ctx, e.sim.ID)
	if err != nil {
		t.Fatalf("ListBySimulation: %v", err)
	}
	if len(runs) != 2 || runs[0].Name != "a" || runs[1].Name != "b" {
		t.Errorf("runs = %+v", runs)
	}
	if _, err := e.m.ListBySimulation(ctx, "missing"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	page, err := e.m.ListAll(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(page) != 1 || page[0].Name != "b" {
		t.Errorf("page = %+v", page)
	}

	hist, err := e.m.History(ctx, a.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var ops []string
	for _, h := range hist {
		ops = append(ops, h.Operation)
	}
	want := []string{logging.OpCreate, logging.OpAppend, logging.OpPause}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("history = %v, want %v", ops, want)
	}

	if _, err := e.m.RunStates(ctx, "missing"); !errors.Is(err, storeerr.ErrNotFound) {
		t.Errorf("States missing: expected ErrNotFound, got %v", err)
	}

	sims, err := e.m.Simulations().List(ctx, 0, 10)
	if err != nil {
		t.Fatalf("List simulations: %v", err)
	}
	if len(sims) != 1 || sims[0].RunCount != 2 {
		t.Errorf("simulation summaries = %+v", sims)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	e := setup(t)
	e.pub.err = errors.New("broker down")

	r := e.createRun(t, "main")
	if _, err := e.m.Get(context.Background(), r.ID); err != nil {
		t.Fatalf("run should be committed despite publish failure: %v", err)
	}
}

// #endregion read-tests

// #region concurrency-tests
func TestConcurrentAppends(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")

	const writers, perWriter = 8, 5
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				err := e.m.RetryOnConflict(ctx, 5, func() error {
					_, _, err := e.m.AppendNewState(ctx, r.ID, state.NewState{Observation: obs(i)})
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	got, _ := e.m.Get(ctx, r.ID)
	if got.TotalSteps != 1+writers*perWriter {
		t.Errorf("total_steps = %d, want %d", got.TotalSteps, 1+writers*perWriter)
	}
	checkInvariants(t, e.m, r.ID)
}

func TestConcurrentAppendsAcrossConnections(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	r := e.createRun(t, "main")

	db2, err := dbutil.Open(e.path)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	defer db2.Close()
	m2, err := NewManager(db2, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	const perWriter = 10
	g, gctx := errgroup.WithContext(ctx)
	for _, mgr := range []*Manager{e.m, m2} {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				err := mgr.RetryOnConflict(gctx, 10, func() error {
					_, _, err := mgr.AppendNewState(gctx, r.ID, state.NewState{Observation: obs(i)})
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	got, _ := e.m.Get(ctx, r.ID)
	if got.TotalSteps != 1+2*perWriter {
		t.Errorf("total_steps = %d, want %d", got.TotalSteps, 1+2*perWriter)
	}
	checkInvariants(t, e.m, r.ID)
}

func TestRetryOnConflict_StopsOnOtherErrors(t *testing.T) {
	e := setup(t)
	calls := 0
	err := e.m.RetryOnConflict(context.Background(), 3, func() error {
		calls++
		return storeerr.ErrRunNotActive
	})
	if !errors.Is(err, storeerr.ErrRunNotActive) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}

	calls = 0
	err = e.m.RetryOnConflict(context.Background(), 2, func() error {
		calls++
		return fmt.Errorf("append: %w", storeerr.ErrSequenceConflict)
	})
	if !errors.Is(err, storeerr.ErrSequenceConflict) || calls != 3 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

// #endregion concurrency-tests

// #region error-tests
func TestClosedDB(t *testing.T) {
	e := setup(t)
	r := e.createRun(t, "main")
	e.m.DB().Close()
	ctx := context.Background()

	if _, err := e.m.Get(ctx, r.ID); err == nil {
		t.Error("expected error from Get on closed db")
	}
	if _, _, err := e.m.AppendNewState(ctx, r.ID, state.NewState{Observation: obs(1)}); err == nil {
		t.Error("expected error from AppendNewState on closed db")
	}
	if _, err := e.m.Branch(ctx, BranchParams{ParentRunID: r.ID, BranchPointStateID: e.root.ID, Name: "b"}); err == nil {
		t.Error("expected error from Branch on closed db")
	}
}

func TestGet_BadTimestamp(t *testing.T) {
	e := setup(t)
	r := e.createRun(t, "main")
	if _, err := e.m.DB().Exec(`UPDATE runs SET started_at = 'soon' WHERE id = ?`, r.ID); err != nil {
		t.Fatalf("corrupt started_at: %v", err)
	}

	if _, err := e.m.Get(context.Background(), r.ID); err == nil {
		t.Fatal("expected error for malformed started_at")
	}
}

// #endregion error-tests
