// Command replay ingests a trajectory fixture into a store and checks the
// store's run comparisons against the outcomes the fixture records.
//
// Exit codes:
//   - 0: every comparison matched
//   - 1: at least one mismatch
//   - 2: usage, load or ingest error
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/fixture"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/run"
)

// #region main
func main() {
	app := &cli.App{
		Name:  "replay",
		Usage: "Ingest a fixture and verify its recorded comparisons",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "fixture",
				Usage:    "path to fixture JSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "database to ingest into (default: a temporary file)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "log level for store operations",
			},
		},
		Action: replay,
	}
	if err := app.Run(os.Args); err != nil {
		if exitCoder, ok := err.(cli.ExitCoder); ok {
			if msg := exitCoder.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(exitCoder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
}

// #endregion main

// #region replay
func replay(c *cli.Context) error {
	f, err := fixture.Load(c.String("fixture"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	dbPath := c.String("db")
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "branchsim-replay-")
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "replay.db")
	}

	logger, err := logging.NewLogger(c.String("log-level"), "console", os.Stderr)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer func() { _ = logger.Sync() }()

	db, err := dbutil.Open(dbPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open db: %v", err), 2)
	}
	defer db.Close()

	runs, err := run.NewManager(db, logger, nil, nil)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	res, err := fixture.Ingest(c.Context, runs, f)
	if err != nil {
		return cli.Exit(fmt.Sprintf("ingest: %v", err), 2)
	}
	fmt.Printf("Fixture: %s\n", f.Description)
	fmt.Printf("  simulation %s, %d runs\n", shortID(res.SimulationID), len(res.Order))
	for _, name := range res.Order {
		r := res.Runs[name]
		fmt.Printf("  %-12s %-10s %3d states  %s\n", name, r.Status, r.TotalSteps, shortID(r.ID))
	}

	mismatches, err := fixture.Verify(c.Context, divergence.NewEngine(db, nil), res, f.Expected)
	if err != nil {
		return cli.Exit(fmt.Sprintf("verify: %v", err), 2)
	}

	total := len(f.Expected.Comparisons)
	if len(mismatches) == 0 {
		fmt.Printf("\nPASS: %d/%d comparisons matched\n", total, total)
		return nil
	}
	fmt.Printf("\nFAIL: %d mismatches\n", len(mismatches))
	for _, m := range mismatches {
		fmt.Printf("  %s\n", m)
	}
	return cli.Exit("", 1)
}

// #endregion replay

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
