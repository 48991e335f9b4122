// Package divergence compares two runs by the longest common prefix of their
// ledgers. The last shared state is where the runs diverged.
package divergence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/metrics"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region compare
// Result is the comparison of two ordered id lists.
type Result struct {
	Shared   []string
	Run1Only []string
	Run2Only []string
	// DivergencePoint is the last shared id, "" when nothing is shared.
	DivergencePoint string
}

// Compare walks both lists pairwise and stops at the first mismatch.
func Compare(run1, run2 []string) Result {
	n := 0
	for n < len(run1) && n < len(run2) && run1[n] == run2[n] {
		n++
	}
	res := Result{
		Shared:   append([]string{}, run1[:n]...),
		Run1Only: append([]string{}, run1[n:]...),
		Run2Only: append([]string{}, run2[n:]...),
	}
	if n > 0 {
		res.DivergencePoint = run1[n-1]
	}
	return res
}

// #endregion compare

// #region engine
// Comparison is Result resolved to full states.
type Comparison struct {
	Run1ID          string        `json:"run1_id"`
	Run2ID          string        `json:"run2_id"`
	Shared          []state.State `json:"shared"`
	Run1Only        []state.State `json:"run1_only"`
	Run2Only        []state.State `json:"run2_only"`
	DivergencePoint *state.State  `json:"divergence_point"`
	SharedCount     int           `json:"shared_count"`
	Run1UniqueCount int           `json:"run1_unique_count"`
	Run2UniqueCount int           `json:"run2_unique_count"`
}

// Engine loads ledgers and compares them.
type Engine struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// NewEngine returns an Engine over db. m may be nil.
func NewEngine(db *sql.DB, m *metrics.Metrics) *Engine {
	return &Engine{db: db, metrics: m}
}

// CompareRuns loads both ledgers in one read-only transaction so concurrent
// appends cannot produce a torn view.
func (e *Engine) CompareRuns(ctx context.Context, run1ID, run2ID string) (Comparison, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveCompare(time.Since(start)) }()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Comparison{}, fmt.Errorf("compare runs: begin: %w", err)
	}
	defer tx.Rollback()

	entries1, err := load(ctx, tx, run1ID)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare runs: %w", err)
	}
	entries2, err := load(ctx, tx, run2ID)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare runs: %w", err)
	}

	res := Compare(ids(entries1), ids(entries2))
	n := len(res.Shared)
	c := Comparison{
		Run1ID:          run1ID,
		Run2ID:          run2ID,
		Shared:          states(entries1[:n]),
		Run1Only:        states(entries1[n:]),
		Run2Only:        states(entries2[n:]),
		SharedCount:     n,
		Run1UniqueCount: len(entries1) - n,
		Run2UniqueCount: len(entries2) - n,
	}
	if n > 0 {
		dp := entries1[n-1].State
		c.DivergencePoint = &dp
	}
	return c, nil
}

func load(ctx context.Context, tx *sql.Tx, runID string) ([]ledger.Positioned, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, storeerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check run %s: %w", runID, err)
	}
	return ledger.Entries(ctx, tx, runID)
}

func ids(entries []ledger.Positioned) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.State.ID
	}
	return out
}

func states(entries []ledger.Positioned) []state.State {
	out := make([]state.State, len(entries))
	for i, e := range entries {
		out[i] = e.State
	}
	return out
}

// #endregion engine
