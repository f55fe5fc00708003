// Command artifactctl manages the lifecycle of build artifacts: tracking,
// cache keys, invalidation, retention and versioning.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/sparesparrow/lifecycle/config"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/lifecycle"
	"github.com/sparesparrow/lifecycle/logging"
)

func main() {
	if err := newRootCommand(nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// systemFactory builds the lifecycle system from a loaded configuration.
type systemFactory func(ctx context.Context, cfg config.Config) (*lifecycle.System, error)

type app struct {
	configPath string
	logLevel   string
	newSystem  systemFactory
}

func newRootCommand(factory systemFactory) *cobra.Command {
	a := &app{newSystem: factory}
	if a.newSystem == nil {
		a.newSystem = func(ctx context.Context, cfg config.Config) (*lifecycle.System, error) {
			return lifecycle.New(ctx, lifecycle.Options{Config: cfg})
		}
	}

	cmd := &cobra.Command{
		Use:           "artifactctl",
		Short:         "Manage build artifact lifecycles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultFile, "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		a.newTrackCommand(),
		a.newGetCommand(),
		a.newListCommand(),
		a.newInvalidateCommand(),
		a.newSweepCommand(),
		a.newStatusCommand(),
		a.newKeysCommand(),
		a.newVersionCommand(),
		a.newRollbackCommand(),
		a.newReportCommand(),
		a.newServeCommand(),
	)
	return cmd
}

// loadConfig reads the configuration file. A missing file falls back to
// the defaults unless --config was given explicitly.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	ctx := commandContext(cmd)

	path, err := filepath.Abs(a.configPath)
	if err != nil {
		return config.Config{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid configuration path")
	}
	cfg, err := config.Load(ctx, osfs.New("/"), path)
	switch {
	case errors.GetCode(err) == errors.CodeNotFound && !cmd.Flags().Changed("config"):
		cfg = config.Default()
	case err != nil:
		return config.Config{}, err
	}

	if a.logLevel != "" {
		if _, err := logging.ParseLogLevel(a.logLevel); err != nil {
			return config.Config{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid --log-level")
		}
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

func (a *app) system(cmd *cobra.Command) (*lifecycle.System, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return a.newSystem(commandContext(cmd), cfg)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
