package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mchmarny/kipple/pkg/config"
	"github.com/mchmarny/kipple/pkg/logging"
	"github.com/mchmarny/kipple/pkg/store"
	urfave "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	dirMode = 0700

	formatJSON = "json"
	formatYAML = "yaml"

	configEnvVar = "KIPPLE_CONFIG"
	dbEnvVar     = "KIPPLE_DB"

	debugFlag    = "debug"
	logLevelFlag = "log-level"
	configFlag   = "config"
	dbFlag       = "db"
	formatFlag   = "format"
)

var (
	version = "v0.0.1-default"
	commit  = ""
	date    = ""

	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
)

// Execute creates and runs the CLI application.
func Execute() {
	logging.SetDefaultCLILogger("info")

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *urfave.Command {
	return &urfave.Command{
		Name:                  "kipple",
		Version:               fmt.Sprintf("%s (%s - %s)", version, commit, date),
		EnableShellCompletion: true,
		HideHelpCommand:       true,
		Usage:                 "Calibrate detector thresholds and search FP-bounded detector portfolios",
		Flags: []urfave.Flag{
			&urfave.BoolFlag{
				Name:  debugFlag,
				Usage: "Prints verbose logs (optional, default: false)",
			},
			&urfave.StringFlag{
				Name:  logLevelFlag,
				Usage: "Log level [debug, info, warn, error]",
				Value: "info",
			},
			&urfave.StringFlag{
				Name:    configFlag,
				Aliases: []string{"c"},
				Usage:   "Path to the run file",
				Value:   config.FileName,
				Sources: urfave.EnvVars(configEnvVar),
			},
			&urfave.StringFlag{
				Name:    dbFlag,
				Usage:   "Sqlite file or postgres:// DSN for run results (defaults to output.db, then $HOME/.kipple/kipple.db)",
				Sources: urfave.EnvVars(dbEnvVar),
			},
			&urfave.StringFlag{
				Name:  formatFlag,
				Usage: "Output format [json, yaml]",
				Value: formatJSON,
			},
		},
		Commands: []*urfave.Command{
			initCommand(),
			fetchCommand(),
			thresholdsCommand(),
			searchCommand(),
			compositionsCommand(),
			runsCommand(),
			resetCommand(),
		},
		Before: func(ctx context.Context, cmd *urfave.Command) (context.Context, error) {
			level := cmd.String(logLevelFlag)
			if cmd.Bool(debugFlag) {
				level = "debug"
			}
			logging.SetDefaultCLILogger(level)
			return ctx, nil
		},
	}
}

// appConfig holds the root flags as seen from a command.
type appConfig struct {
	ConfigPath string
	DBPath     string
	Format     string
}

func getConfig(cmd *urfave.Command) *appConfig {
	c := &appConfig{
		ConfigPath: cmd.String(configFlag),
		DBPath:     cmd.String(dbFlag),
		Format:     formatJSON,
	}
	if c.ConfigPath == "" {
		c.ConfigPath = config.FileName
	}
	if f := cmd.String(formatFlag); f == formatYAML || f == "yml" {
		c.Format = formatYAML
	}
	return c
}

// loadConfig reads the run file named by --config.
func loadConfig(cmd *urfave.Command) (*config.Config, error) {
	cfg, err := config.Load(getConfig(cmd).ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// optionalConfig returns the run file when one can be loaded. Commands that
// only touch the store use it to find output.db.
func optionalConfig(cmd *urfave.Command) *config.Config {
	cfg, err := config.Load(getConfig(cmd).ConfigPath)
	if err != nil {
		slog.Debug("no run file", "error", err)
		return nil
	}
	return cfg
}

// dbPath picks the store: the --db flag, then the run file, then the home dir.
func dbPath(app *appConfig, cfg *config.Config) string {
	if app.DBPath != "" {
		return app.DBPath
	}
	if cfg != nil && cfg.Output.DB != "" {
		return cfg.Output.DB
	}
	return filepath.Join(getHomeDir(), store.DataFileName)
}

func openStore(ctx context.Context, cmd *urfave.Command, cfg *config.Config) (*store.Store, error) {
	s, err := store.Open(ctx, dbPath(getConfig(cmd), cfg))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Debug("error getting home dir, using current dir instead", "error", err)
		return "."
	}

	dirPath := filepath.Join(home, ".kipple")
	if _, err := os.Stat(dirPath); errors.Is(err, os.ErrNotExist) {
		slog.Debug("creating dir", "path", dirPath)
		if err := os.Mkdir(dirPath, dirMode); err != nil {
			slog.Debug("error creating dir", "path", dirPath, "home", home, "error", err)
			return home
		}
	}
	return dirPath
}

func encode(cmd *urfave.Command, v any) error {
	if getConfig(cmd).Format == formatYAML {
		return yaml.NewEncoder(stdout).Encode(v)
	}
	e := json.NewEncoder(stdout)
	e.SetIndent("", "  ")
	return e.Encode(v)
}
