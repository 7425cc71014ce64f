package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/mchmarny/kipple/pkg/config"
	urfave "github.com/urfave/cli/v3"
)

const forceFlag = "force"

func initCommand() *urfave.Command {
	return &urfave.Command{
		Name:      "init",
		Usage:     "Write a run file with default settings",
		UsageText: "kipple --config kipple.yaml init [--force]",
		Flags: []urfave.Flag{
			&urfave.BoolFlag{
				Name:  forceFlag,
				Usage: "Overwrite an existing run file",
			},
		},
		Action: cmdInit,
	}
}

func cmdInit(_ context.Context, cmd *urfave.Command) error {
	path := getConfig(cmd).ConfigPath

	if _, err := os.Stat(path); err == nil && !cmd.Bool(forceFlag) {
		return fmt.Errorf("run file already exists: %s (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking run file: %w", err)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("writing run file: %w", err)
	}
	slog.Info("run file written", "path", path)
	return nil
}
