package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mchmarny/kipple/pkg/model"
	"github.com/mchmarny/kipple/pkg/pipeline"
	"github.com/mchmarny/kipple/pkg/report"
	"github.com/mchmarny/kipple/pkg/store"
	urfave "github.com/urfave/cli/v3"
)

func thresholdsCommand() *urfave.Command {
	return &urfave.Command{
		Name:    "thresholds",
		Aliases: []string{"t"},
		Usage:   "Report each model's thresholds and detection rates at the report FP targets",
		UsageText: `kipple thresholds                   # every model in the model dir
   kipple thresholds initial.json.gz   # only the named models`,
		Flags:  runFlags(),
		Action: cmdThresholds,
	}
}

func cmdThresholds(ctx context.Context, cmd *urfave.Command) error {
	r, err := startRun(cmd)
	if err != nil {
		return err
	}

	names := cmd.Args().Slice()
	if len(names) == 0 {
		if names, err = model.List(r.Config.ModelDir); err != nil {
			r.Env.Close()
			return fmt.Errorf("listing models: %w", err)
		}
	}
	if len(names) == 0 {
		r.Env.Close()
		return fmt.Errorf("no models found in %s", r.Config.ModelDir)
	}

	rows, skipped, err := pipeline.Thresholds(ctx, r.Env, names)
	if err != nil {
		r.Env.Close()
		return fmt.Errorf("calibrating models: %w", err)
	}

	if p := r.Config.Output.Markdown; p != "" {
		if err := report.AppendCalibration(p, rows); err != nil {
			r.Env.Close()
			return fmt.Errorf("writing report: %w", err)
		}
		slog.Info("report appended", "path", p, "models", len(rows))
	}

	if err := r.finish(ctx, cmd, skipped, func(s *store.Store) error {
		return s.SaveCalibration(ctx, r.ID, rows)
	}); err != nil {
		return err
	}
	return encode(cmd, rows)
}
