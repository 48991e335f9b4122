// Command fixture-export writes one simulation of a store as a replay
// fixture, with the store's current comparisons as the expected results.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/fixture"
	"github.com/danielpatrickdp/branchsim/internal/run"
)

// #region main
func main() {
	app := &cli.App{
		Name:  "fixture-export",
		Usage: "Export a simulation's run tree as a fixture",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "path to the SQLite database", EnvVars: []string{"SIMDB_DATABASE_PATH"}, Required: true},
			&cli.StringFlag{Name: "simulation", Usage: "simulation id to export", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output fixture JSON path", Required: true},
		},
		Action: export,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export
func export(c *cli.Context) error {
	db, err := dbutil.Open(c.String("db"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	runs, err := run.NewManager(db, nil, nil, nil)
	if err != nil {
		return err
	}
	f, err := fixture.Export(c.Context, runs, divergence.NewEngine(db, nil), c.String("simulation"))
	if err != nil {
		return err
	}
	return writeFixture(f, c.String("out"))
}

func writeFixture(f *fixture.Fixture, outPath string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("Wrote fixture to %s (%d bytes, %d runs, %d comparisons)\n",
		outPath, len(data), len(f.Runs), len(f.Expected.Comparisons))
	return nil
}

// #endregion export
