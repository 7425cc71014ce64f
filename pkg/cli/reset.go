package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	urfave "github.com/urfave/cli/v3"
)

const yesFlag = "yes"

func resetCommand() *urfave.Command {
	return &urfave.Command{
		Name:  "reset",
		Usage: "Delete all recorded runs and start fresh",
		Flags: []urfave.Flag{
			&urfave.BoolFlag{
				Name:  yesFlag,
				Usage: "Do not ask for confirmation",
			},
		},
		Action: cmdReset,
	}
}

func cmdReset(ctx context.Context, cmd *urfave.Command) error {
	cfg := optionalConfig(cmd)
	path := dbPath(getConfig(cmd), cfg)
	if strings.Contains(path, "://") {
		return fmt.Errorf("reset only deletes sqlite files, not %s", path)
	}

	if !cmd.Bool(yesFlag) {
		fmt.Fprintf(stdout, "This will permanently delete all runs in %s\n", path)
		fmt.Fprint(stdout, "Are you sure? [y/N]: ")

		answer, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Fprintln(stdout, "Aborted.")
			return nil
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting database: %w", err)
	}
	slog.Info("database deleted", "path", path)

	// re-create the empty schema
	s, err := openStore(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	slog.Info("database re-initialized", "path", path)
	return s.Close()
}
