// Command inspect is a read-only view of a trajectory store database.
//
// Usage:
//
//	inspect --db branchsim.db [--json] <command> [args]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/danielpatrickdp/branchsim/internal/dbutil"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/run"
)

// #region main
func main() {
	app := &cli.App{
		Name:  "inspect",
		Usage: "Inspect simulations, runs and states in a trajectory store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db",
				Usage:    "path to the SQLite database",
				EnvVars:  []string{"SIMDB_DATABASE_PATH"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output as JSON instead of text",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "simulations",
				Usage:  "List simulations with their run counts",
				Flags:  pageFlags(),
				Action: withStore(listSimulations),
			},
			{
				Name:      "runs",
				Usage:     "List runs, optionally for one simulation",
				ArgsUsage: "[simulation-id]",
				Flags:     pageFlags(),
				Action:    withStore(listRuns),
			},
			{
				Name:      "states",
				Usage:     "Show a run's ledger in sequence order",
				ArgsUsage: "<run-id>",
				Action:    withStore(runStates),
			},
			{
				Name:      "tree",
				Usage:     "Show a simulation's run tree",
				ArgsUsage: "<simulation-id>",
				Action:    withStore(runTree),
			},
			{
				Name:      "compare",
				Usage:     "Compare two runs by their longest common prefix",
				ArgsUsage: "<run1-id> <run2-id>",
				Action:    withStore(compareRuns),
			},
			{
				Name:      "lineage",
				Usage:     "Show the path from the root to a state",
				ArgsUsage: "<state-id>",
				Action:    withStore(lineage),
			},
			{
				Name:      "history",
				Usage:     "Show a run's operation log",
				ArgsUsage: "<run-id>",
				Action:    withStore(history),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			fmt.Fprintln(os.Stderr, exitCoder.Error())
			os.Exit(exitCoder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region store
type store struct {
	runs    *run.Manager
	compare *divergence.Engine
	out     *printer
}

func withStore(action func(c *cli.Context, s *store) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		db, err := dbutil.Open(c.String("db"))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		runs, err := run.NewManager(db, nil, nil, nil)
		if err != nil {
			return err
		}
		return action(c, &store{
			runs:    runs,
			compare: divergence.NewEngine(db, nil),
			out:     newPrinter(os.Stdout, c.Bool("json")),
		})
	}
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "skip", Value: 0, Usage: "rows to skip"},
		&cli.IntFlag{Name: "limit", Value: 100, Usage: "maximum rows"},
	}
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return cli.Exit(fmt.Sprintf("usage: inspect %s %s", c.Command.Name, c.Command.ArgsUsage), 2)
	}
	return nil
}

// #endregion store

// #region commands
func listSimulations(c *cli.Context, s *store) error {
	sims, err := s.runs.Simulations().List(c.Context, c.Int("skip"), c.Int("limit"))
	if err != nil {
		return err
	}
	return s.out.simulations(sims)
}

func listRuns(c *cli.Context, s *store) error {
	var runs []run.Run
	var err error
	if c.NArg() > 0 {
		runs, err = s.runs.ListBySimulation(c.Context, c.Args().First())
	} else {
		runs, err = s.runs.ListAll(c.Context, c.Int("skip"), c.Int("limit"))
	}
	if err != nil {
		return err
	}
	return s.out.runs(runs)
}

func runStates(c *cli.Context, s *store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	r, err := s.runs.Get(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	entries, err := s.runs.RunStates(c.Context, r.ID)
	if err != nil {
		return err
	}
	return s.out.ledger(r, entries)
}

func runTree(c *cli.Context, s *store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	tree, err := s.runs.Tree(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return s.out.tree(tree)
}

func compareRuns(c *cli.Context, s *store) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	cmp, err := s.compare.CompareRuns(c.Context, c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	return s.out.comparison(cmp)
}

func lineage(c *cli.Context, s *store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	states, err := s.runs.States().Lineage(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return s.out.states(states)
}

func history(c *cli.Context, s *store) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	if _, err := s.runs.Get(c.Context, c.Args().First()); err != nil {
		return err
	}
	ops, err := s.runs.History(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return s.out.history(ops)
}

// #endregion commands
