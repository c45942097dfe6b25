package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/scheduler"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		yes         bool
		noFollowOns bool
		quiet       bool
	)

	var command = &cobra.Command{
		Use:   "run TASK",
		Short: "Run a task after its unmet dependencies",
		Long: `Run queues the unmet dependencies of TASK in dependency order, then TASK
itself, and runs them one at a time. When a task passes and suggests
follow-on tasks you are asked which of them to run next.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes && noFollowOns {
				return errors.New("--yes and --no-follow-ons are mutually exclusive")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Events and follow-on questions are written from different goroutines.
			out := &syncWriter{w: cmd.OutOrStdout()}

			var (
				confirmer scheduler.Confirmer
				broker    *prompt.Broker
			)
			switch {
			case yes:
				confirmer = prompt.AcceptAll
			case noFollowOns:
				confirmer = prompt.DeclineAll
			default:
				broker = prompt.NewBroker(1, askFollowOns(cmd.InOrStdin(), out))
				confirmer = broker
			}

			a, err := openApp(ctx, flags, appOptions{confirmer: confirmer, logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			if broker != nil {
				brokerCtx, cancel := context.WithCancel(ctx)
				broker.Start(brokerCtx)
				defer broker.Stop()
				defer cancel()
			}

			var sub <-chan events.Event
			if quiet {
				sub = a.bus.SubscribeTopics(0, events.TopicTask)
			} else {
				sub = a.bus.SubscribeTopics(4096, events.TopicTask, events.TopicOutput)
			}
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printEvents(out, sub)
			}()
			defer func() {
				a.bus.Unsubscribe(sub)
				<-printed
				if n := a.bus.Dropped(); n > 0 {
					a.logger.Warn().Uint64("events", n).Msg("output fell behind, some lines were not printed")
				}
			}()

			a.start(ctx)
			planned, err := a.sched.StartChain(ctx, args[0])
			if err != nil {
				return errors.Join(err, a.shutdown())
			}
			if len(planned) == 0 {
				st, err := a.sched.Status(ctx, args[0])
				if err != nil {
					return errors.Join(err, a.shutdown())
				}
				fmt.Fprintln(out, finishedMessage(st))
				return a.shutdown()
			}
			fmt.Fprintf(out, "Running %s\n", strings.Join(planned, " -> "))

			runErr := a.sched.WaitIdle(ctx)
			if ctx.Err() != nil {
				runErr = errors.New("interrupted")
			}
			return errors.Join(runErr, a.shutdown())
		},
	}

	command.Flags().BoolVarP(&yes, "yes", "y", false, "run every suggested follow-on task without asking")
	command.Flags().BoolVar(&noFollowOns, "no-follow-ons", false, "never run follow-on tasks")
	command.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print tool output")

	return command
}

// printEvents writes task events and tool output until sub is closed.
func printEvents(w io.Writer, sub <-chan events.Event) {
	for e := range sub {
		switch e := e.(type) {
		case events.TaskStartedEvent:
			fmt.Fprintf(w, "==> %s\n", e.Name)
		case events.TaskOutputEvent:
			if e.Tag != "" && e.Tag != e.Name {
				fmt.Fprintf(w, "[%s] %s\n", e.Tag, e.Line)
			} else {
				fmt.Fprintln(w, e.Line)
			}
		case events.TaskCompletedEvent:
			fmt.Fprintf(w, "✓ %s\n", e.Message)
		case events.TaskFailedEvent:
			fmt.Fprintf(w, "✗ %s\n", e.Message)
		case events.TaskResetEvent:
			fmt.Fprintf(w, "%s reset\n", e.Name)
		}
	}
}

// askFollowOns answers follow-on requests from a line-oriented reader.
func askFollowOns(in io.Reader, out io.Writer) prompt.AnswerFunc {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return func(ctx context.Context, req prompt.Request) ([]string, error) {
		for {
			fmt.Fprintf(out, "%s\nRun follow-on tasks %s? [Y/n/names]: ", req.Message, strings.Join(req.Candidates, ", "))

			var line string
			select {
			case l, ok := <-lines:
				if !ok {
					fmt.Fprintln(out)
					return nil, nil
				}
				line = l
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			accepted, err := parseFollowOnAnswer(line, req.Candidates)
			if err == nil {
				return accepted, nil
			}
			fmt.Fprintln(out, err)
		}
	}
}

// parseFollowOnAnswer interprets an answer: empty or yes accepts every
// candidate, no declines all, otherwise a comma or space separated list of
// candidate names.
func parseFollowOnAnswer(line string, candidates []string) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes", "all":
		return slices.Clone(candidates), nil
	case "n", "no", "none":
		return nil, nil
	}

	var accepted []string
	for _, name := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		i := slices.IndexFunc(candidates, func(c string) bool { return strings.EqualFold(c, name) })
		if i < 0 {
			return nil, fmt.Errorf("%s was not suggested", name)
		}
		if !slices.Contains(accepted, candidates[i]) {
			accepted = append(accepted, candidates[i])
		}
	}
	return accepted, nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// finishedMessage explains why a finished target queued nothing.
func finishedMessage(st scheduler.TaskState) string {
	var what string
	switch st.Phase {
	case scheduler.PhaseFailed:
		what = "failed on its last run"
	case scheduler.PhaseKilled:
		what = "was killed on its last run"
	case scheduler.PhaseRunning:
		return st.Name + " is already running"
	default:
		what = "has already " + string(st.Phase)
	}
	return fmt.Sprintf("%s %s, reset it to run it again", st.Name, what)
}
