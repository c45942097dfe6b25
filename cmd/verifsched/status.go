package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/status"
)

// watchDebounce coalesces the burst of writes one status flush produces.
const watchDebounce = 200 * time.Millisecond

func statusCmd(flags *globalFlags) *cobra.Command {
	var (
		watch  bool
		asJSON bool
	)

	var command = &cobra.Command{
		Use:   "status",
		Short: "Show the status of every task in the build",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			show := func() error {
				states, err := readStates(ctx, flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(states)
				}
				fmt.Fprintln(out, renderStates(states, time.Now()))
				return nil
			}

			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			file := status.FilePath(status.Options{Backend: cfg.Status.Backend, Dir: cfg.BuildDir(cfg.Build)})
			return watchFile(ctx, file, func() {
				fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.TimeOnly))
				if err := show(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
			})
		},
	}

	command.Flags().BoolVarP(&watch, "watch", "w", false, "print the table again whenever the status file changes")
	command.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return command
}

// readStates opens the build, reads every task state and closes it again,
// so a watcher never holds a stale view of a file another process writes.
func readStates(ctx context.Context, flags *globalFlags, logOut io.Writer) ([]scheduler.TaskState, error) {
	a, err := openApp(ctx, flags, appOptions{logOut: logOut})
	if err != nil {
		return nil, err
	}
	defer a.Close()
	return a.sched.Statuses(ctx)
}

func renderStates(states []scheduler.TaskState, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TASK", "STATUS", "LAST CHANGE", "DEPENDS ON")

	for _, st := range states {
		last := "never"
		if st.Recorded && !st.Record.LastRun.IsZero() {
			last = humanize.RelTime(st.Record.LastRun, now, "ago", "from now")
		}
		t.Row(st.Name, string(st.Phase), last, strings.Join(st.Dependencies, ", "))
	}
	return t.String()
}

// watchFile calls onChange after path is written, created or replaced. The
// parent directory is watched so atomic renames and SQLite journals are seen.
func watchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	base := filepath.Base(path)
	timer := time.NewTimer(watchDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)
		case <-timer.C:
			onChange()
		}
	}
}
