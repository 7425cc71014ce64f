package cli

import (
	"context"
	"fmt"

	urfave "github.com/urfave/cli/v3"
)

const (
	queryResultLimitDefault = 20

	limitFlag   = "limit"
	runIDFlag   = "run"
	datasetFlag = "dataset"
)

func runsCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "runs",
		Usage: "Query recorded runs",
		UsageText: `kipple runs                                                   # most recent runs
   kipple runs --run 20250101T120000.000-ab12 --dataset ember   # best combinations of a run`,
		Flags: []urfave.Flag{
			&urfave.IntFlag{
				Name:  limitFlag,
				Usage: "Limits number of result returned",
				Value: queryResultLimitDefault,
			},
			&urfave.StringFlag{
				Name:  runIDFlag,
				Usage: "Run ID; lists the best combinations of that run",
			},
			&urfave.StringFlag{
				Name:  datasetFlag,
				Usage: "Dataset to rank combinations by (required with --run)",
			},
		},
		Action: cmdRuns,
	}
}

func cmdRuns(ctx context.Context, cmd *urfave.Command) error {
	s, err := openStore(ctx, cmd, optionalConfig(cmd))
	if err != nil {
		return err
	}
	defer s.Close()

	limit := int(cmd.Int(limitFlag))
	id := cmd.String(runIDFlag)
	if id == "" {
		list, err := s.ListRuns(ctx, limit)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		return encode(cmd, list)
	}

	ds := cmd.String(datasetFlag)
	if ds == "" {
		return fmt.Errorf("--%s is required with --%s", datasetFlag, runIDFlag)
	}
	list, err := s.Top(ctx, id, ds, limit)
	if err != nil {
		return fmt.Errorf("querying run %s: %w", id, err)
	}
	return encode(cmd, list)
}
