package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/kipple/pkg/net"
	urfave "github.com/urfave/cli/v3"
)

func fetchCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "fetch",
		Usage:     "Download the model artifacts listed under model_sources into the model dir",
		UsageText: "kipple fetch [--force]",
		Flags: []urfave.Flag{
			&urfave.BoolFlag{
				Name:  forceFlag,
				Usage: "Download artifacts that are already present",
			},
		},
		Action: cmdFetch,
	}
}

func cmdFetch(ctx context.Context, cmd *urfave.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.ModelSources) == 0 {
		return fmt.Errorf("no model_sources in %s", getConfig(cmd).ConfigPath)
	}

	list, err := net.FetchModels(ctx, net.GetHTTPClient(), cfg.ModelDir, cfg.ModelSources, cmd.Bool(forceFlag))
	if err != nil {
		return fmt.Errorf("fetching models: %w", err)
	}
	return encode(cmd, list)
}
