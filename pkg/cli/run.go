package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchmarny/kipple/pkg/config"
	"github.com/mchmarny/kipple/pkg/metrics"
	"github.com/mchmarny/kipple/pkg/pipeline"
	"github.com/mchmarny/kipple/pkg/store"
	urfave "github.com/urfave/cli/v3"
)

const (
	workersFlag       = "workers"
	skipMalformedFlag = "skip-malformed"
	metricsFileFlag   = "metrics-file"
)

// runFlags override the run file for commands that score datasets.
func runFlags() []urfave.Flag {
	return []urfave.Flag{
		&urfave.IntFlag{
			Name:  workersFlag,
			Usage: "Number of concurrent workers (optional, overrides the run file)",
		},
		&urfave.BoolFlag{
			Name:  skipMalformedFlag,
			Usage: "Skip unreadable corpus files instead of failing the run",
		},
		&urfave.StringFlag{
			Name:  metricsFileFlag,
			Usage: "Write run metrics in the Prometheus textfile format (optional, overrides the run file)",
		},
	}
}

// run is one command execution from config load to result recording.
type run struct {
	ID      string
	Command string
	Started time.Time
	Config  *config.Config
	Metrics *metrics.Recorder
	Env     *pipeline.Env
}

// startRun loads the run file, applies command flag overrides and opens
// the datasets.
func startRun(cmd *urfave.Command) (*run, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cmd.IsSet(workersFlag) {
		cfg.Workers = int(cmd.Int(workersFlag))
	}
	if cmd.Bool(skipMalformedFlag) {
		cfg.SkipMalformed = true
	}
	if v := cmd.String(metricsFileFlag); v != "" {
		cfg.Output.Metrics = v
	}

	r := &run{
		Command: cmd.Name,
		Started: time.Now(),
		Config:  cfg,
		Metrics: metrics.New(),
	}
	r.ID = fmt.Sprintf("%s-%s", r.Started.UTC().Format("20060102T150405.000"), cfg.Hash())

	if r.Env, err = pipeline.Open(cfg, r.Metrics); err != nil {
		return nil, fmt.Errorf("opening run: %w", err)
	}
	slog.Debug("run started", "id", r.ID, "command", r.Command)
	return r, nil
}

// finish records the run and its rows, then writes the metrics file.
func (r *run) finish(ctx context.Context, cmd *urfave.Command, skipped map[string]int, save func(*store.Store) error) error {
	defer r.Env.Close()

	total := 0
	for d, n := range skipped {
		slog.Warn("malformed samples skipped", "dataset", d, "count", n)
		total += n
	}

	s, err := openStore(ctx, cmd, r.Config)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SaveRun(ctx, store.Run{
		ID:         r.ID,
		Command:    r.Command,
		Started:    r.Started,
		ConfigHash: r.Config.Hash(),
		MaxFP:      r.Config.Budget.MaxFP,
		Resolution: r.Config.Budget.Resolution,
		Skipped:    total,
	}); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	if err := save(s); err != nil {
		return fmt.Errorf("saving results: %w", err)
	}

	if err := r.Metrics.WriteTextfile(r.Config.Output.Metrics); err != nil {
		return err
	}
	slog.Info("run recorded", "id", r.ID, "duration", time.Since(r.Started).Round(time.Millisecond).String())
	return nil
}
