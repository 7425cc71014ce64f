package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/kipple/pkg/pipeline"
	"github.com/mchmarny/kipple/pkg/report"
	"github.com/mchmarny/kipple/pkg/store"
	urfave "github.com/urfave/cli/v3"
)

func searchCommand() *urfave.Command {
	return &urfave.Command{
		Name:    "search",
		Aliases: []string{"s"},
		Usage:   "Search every slot assignment of the portfolio under the FP budget",
		UsageText: `kipple search                                 # search with kipple.yaml
   kipple --config run.yaml search --workers 8   # override worker count`,
		Flags:  runFlags(),
		Action: cmdSearch,
	}
}

type searchSummary struct {
	Run                   string `json:"run" yaml:"run"`
	Report                string `json:"report,omitempty" yaml:"report,omitempty"`
	pipeline.SearchOutput `yaml:",inline"`
}

func cmdSearch(ctx context.Context, cmd *urfave.Command) error {
	r, err := startRun(cmd)
	if err != nil {
		return err
	}

	out, err := pipeline.Search(ctx, r.Env)
	if err != nil {
		r.Env.Close()
		return fmt.Errorf("searching portfolio: %w", err)
	}

	cfg := r.Config
	if cfg.Output.CSV != "" {
		if err := report.SaveCombinations(cfg.Output.CSV, out.Results, out.Slots,
			out.CombinationOptions(cfg.Output.RateDecimals)); err != nil {
			r.Env.Close()
			return fmt.Errorf("writing report: %w", err)
		}
		slog.Info("report written", "path", cfg.Output.CSV, "rows", len(out.Results))
	}

	if err := r.finish(ctx, cmd, out.Skipped, func(s *store.Store) error {
		return s.SaveCombinations(ctx, r.ID, out.Results)
	}); err != nil {
		return err
	}

	return encode(cmd, searchSummary{Run: r.ID, Report: cfg.Output.CSV, SearchOutput: *out})
}
