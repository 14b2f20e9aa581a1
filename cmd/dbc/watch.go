package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/imnive-design/dbc/internal/dbc"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Regenerate the overlay whenever sources change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dirArg(args)
			w := &watcher{
				root:     dir,
				debounce: debounce,
				logger:   newLogger(opts.logLevel, opts.logFormat, cmd.ErrOrStderr()),
				// The configuration is re-read on every run so edits to
				// dbc.yaml take effect without a restart.
				build: func() (*dbc.Engine, error) { return opts.engine(cmd, dir) },
			}
			return w.run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "quiet period before regenerating")
	return cmd
}

// watcher regenerates the overlay of root after source changes settle.
type watcher struct {
	root     string
	debounce time.Duration
	logger   *slog.Logger
	build    func() (*dbc.Engine, error)

	// ran, when set, receives the result of every generation.
	ran func(error)
}

// run generates once, then watches until ctx is done. Failed generations
// are logged and do not stop the watch.
func (w *watcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("dbc: watch: %w", err)
	}
	defer fw.Close()

	if err := w.addDirs(fw); err != nil {
		return err
	}
	w.generate(ctx)
	w.logger.Info("watching for changes", slog.String("root", w.root))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("change detected", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			// New directories may have appeared; removed ones drop out
			// of the watch list on their own.
			if err := w.addDirs(fw); err != nil {
				w.logger.Warn("rescanning directories failed", slog.String("error", err.Error()))
			}
			w.generate(ctx)
		}
	}
}

// relevant reports whether ev can change the generated overlay.
func (w *watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(ev.Name)
	switch {
	case base == "vendor", base == "testdata":
		return false
	case strings.HasPrefix(base, ".") && base != dbc.IgnoreFileName:
		return false // hidden, including the cache directory
	case base == dbc.ConfigFileName, base == dbc.IgnoreFileName, base == "go.mod":
		return true
	case dbc.IsSourceFile(base):
		return true
	}
	// A created directory is picked up by the rescan before generating.
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

func (w *watcher) addDirs(fw *fsnotify.Watcher) error {
	dirs, err := dbc.SourceDirs(w.root)
	if err != nil {
		return fmt.Errorf("dbc: watch: %w", err)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("dbc: watch %s: %w", dir, err)
		}
	}
	return nil
}

func (w *watcher) generate(ctx context.Context) {
	e, err := w.build()
	if err == nil {
		err = e.Run(ctx)
	}
	if err != nil {
		w.logger.Error("generation failed", slog.String("error", err.Error()))
	}
	if w.ran != nil {
		w.ran(err)
	}
}
