// Package fixture loads JSON trajectory fixtures, ingests them into a store
// and checks the store's comparisons against the outcomes they record.
package fixture

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region fixture-types

// Fixture is the top-level JSON structure of a trajectory fixture.
type Fixture struct {
	Description string                      `json:"description"`
	Simulation  api.CreateSimulationRequest `json:"simulation"`
	Root        Step                        `json:"root"`
	Runs        []Run                       `json:"runs"`
	Expected    Expected                    `json:"expected"`
}

// Run describes one run. A run without BranchFrom starts at its own root
// state, built from Root or else the fixture root. A branch starts from the
// named earlier run at the state holding BranchStep in that run's ledger.
type Run struct {
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	BranchFrom      string         `json:"branch_from,omitempty"`
	BranchStep      int            `json:"branch_step,omitempty"`
	Root            *Step          `json:"root,omitempty"`
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`
	Steps           []Step         `json:"steps"`
	Status          run.Status     `json:"status,omitempty"`
	TotalReward     *float64       `json:"total_reward,omitempty"`
}

// Step is one environment transition.
type Step struct {
	Observation json.RawMessage `json:"observation"`
	Action      json.RawMessage `json:"action,omitempty"`
	Reward      *float64        `json:"reward,omitempty"`
	Done        bool            `json:"done,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
	Info        json.RawMessage `json:"info,omitempty"`
}

// Expected holds the comparisons a store must reproduce.
type Expected struct {
	Comparisons []Comparison `json:"comparisons"`
}

// Comparison is the recorded outcome of comparing two runs by name.
// DivergenceStep is the ledger position of the divergence point, or null when
// the runs share nothing.
type Comparison struct {
	Run1           string `json:"run1"`
	Run2           string `json:"run2"`
	Shared         int    `json:"shared"`
	Run1Only       int    `json:"run1_only"`
	Run2Only       int    `json:"run2_only"`
	DivergenceStep *int   `json:"divergence_step"`
}

// #endregion fixture-types

// #region fixture-loader

// Load reads, parses and validates a JSON fixture file.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks run names and branch references. Branches may only name
// runs listed before them.
func (f *Fixture) Validate() error {
	if err := f.Simulation.Validate(); err != nil {
		return err
	}
	if len(f.Runs) == 0 {
		return fmt.Errorf("no runs: %w", storeerr.ErrValidation)
	}
	seen := make(map[string]int, len(f.Runs))
	for i, r := range f.Runs {
		if r.Name == "" {
			return fmt.Errorf("run %d has no name: %w", i, storeerr.ErrValidation)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("run %q listed twice: %w", r.Name, storeerr.ErrValidation)
		}
		if r.BranchFrom != "" {
			if _, ok := seen[r.BranchFrom]; !ok {
				return fmt.Errorf("run %q branches from unknown or later run %q: %w",
					r.Name, r.BranchFrom, storeerr.ErrValidation)
			}
			if r.BranchStep < 0 {
				return fmt.Errorf("run %q: negative branch_step: %w", r.Name, storeerr.ErrValidation)
			}
		}
		switch r.Status {
		case "", run.StatusActive, run.StatusPaused, run.StatusCompleted, run.StatusFailed:
		default:
			return fmt.Errorf("run %q: unknown status %q: %w", r.Name, r.Status, storeerr.ErrValidation)
		}
		seen[r.Name] = i
	}
	for _, c := range f.Expected.Comparisons {
		for _, name := range []string{c.Run1, c.Run2} {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("comparison names unknown run %q: %w", name, storeerr.ErrValidation)
			}
		}
	}
	return nil
}

// #endregion fixture-loader
