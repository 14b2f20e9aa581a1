package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imnive-design/dbc/internal/dbc"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	logLevel  string
	logFormat string
	config    string

	disable       bool
	overrideDebug bool
	overrideLog   bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "dbc",
		Short: "Design-by-contract checks for Go",
		Long: `dbc reads @pre, @post and @invariant annotations from doc comments,
weaves the checks into shadow copies of the annotated files and writes an
overlay so that "go build -overlay" compiles the instrumented code while
the sources stay untouched.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&opts.config, "config", "", "configuration file (default <dir>/"+dbc.ConfigFileName+")")
	pf.BoolVar(&opts.disable, "disable", false, "emit no checks at all")
	pf.BoolVar(&opts.overrideDebug, "override-debug", false, "run normal clauses only in debug builds")
	pf.BoolVar(&opts.overrideLog, "override-log", false, "turn normal and debug violations into log lines instead of panics")

	root.AddCommand(newGenCmd(opts), newCheckCmd(opts), newWatchCmd(opts))
	return root
}

func newGenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gen [dir]",
		Short: "Write shadow files and overlay.json",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd, dirArg(args))
			if err != nil {
				return err
			}
			if err := e.Run(cmd.Context()); err != nil {
				return err
			}
			if len(e.Overlay.Replace) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "go build -overlay %s ./...\n", e.OverlayPath())
			}
			return nil
		},
	}
}

func newCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [dir]",
		Short: "Parse and propagate contracts without writing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.engine(cmd, dirArg(args))
			if err != nil {
				return err
			}
			if err := e.Check(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d definitions in %d packages\n",
				e.Stats.Definitions, e.Stats.Packages)
			return nil
		},
	}
}

func dirArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// engine builds an Engine for dir from the configuration file and the
// switches given on the command line.
func (o *globalOptions) engine(cmd *cobra.Command, dir string) (*dbc.Engine, error) {
	cfg, err := o.loadConfig(cmd, dir)
	if err != nil {
		return nil, err
	}
	logger := newLogger(o.logLevel, o.logFormat, cmd.ErrOrStderr())
	return dbc.NewEngine(dir, dbc.WithConfig(cfg), dbc.WithLogger(logger)), nil
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly. Flags left at their default do not override the file.
func (o *globalOptions) loadConfig(cmd *cobra.Command, dir string) (dbc.Config, error) {
	path := o.config
	if path == "" {
		path = filepath.Join(dir, dbc.ConfigFileName)
	} else if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return dbc.Config{}, fmt.Errorf("dbc: config %s: %w", path, err)
	}
	cfg, err := dbc.LoadConfig(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("disable") {
		cfg.Disable = o.disable
	}
	if flags.Changed("override-debug") {
		cfg.OverrideDebug = o.overrideDebug
	}
	if flags.Changed("override-log") {
		cfg.OverrideLog = o.overrideLog
	}
	return cfg, nil
}
