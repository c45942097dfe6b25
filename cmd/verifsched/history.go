package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/status"
)

func historyCmd(flags *globalFlags) *cobra.Command {
	var (
		limit   int
		verbose bool
	)

	var command = &cobra.Command{
		Use:   "history [TASK]",
		Short: "List recent task executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			rr, ok := a.store.(status.RunRecorder)
			if !ok {
				return fmt.Errorf("the %s status backend keeps no run history", a.cfg.Status.Backend)
			}

			var task string
			if len(args) == 1 {
				task = args[0]
				if _, ok := a.sched.Catalog().Get(task); !ok {
					return &scheduler.UnknownTaskError{Name: task}
				}
			}

			runs, err := rr.Runs(cmd.Context(), task, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderRuns(runs, time.Now()))
			if verbose {
				for _, run := range runs {
					if run.StderrTail == "" && run.StdoutTail == "" {
						continue
					}
					fmt.Fprintf(out, "\n%s %s (%s)\n", run.Task, run.Status, shortID(run.RunID))
					if run.StdoutTail != "" {
						fmt.Fprintln(out, run.StdoutTail)
					}
					if run.StderrTail != "" {
						fmt.Fprintln(out, run.StderrTail)
					}
				}
			}
			return nil
		},
	}

	command.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show, 0 for all")
	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the output tail of each run")

	return command
}

func renderRuns(runs []status.Run, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FINISHED", "TASK", "STATUS", "EXIT", "ELAPSED", "CHAIN")
	for _, run := range runs {
		t.Row(
			humanize.RelTime(run.FinishedAt, now, "ago", "from now"),
			run.Task,
			string(run.Status),
			strconv.Itoa(run.ExitCode),
			run.Elapsed.Round(time.Millisecond).String(),
			shortID(run.ChainID),
		)
	}
	return t.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
