package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/tui"
)

func tuiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive task dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logs, err := logFile(flags)
			if err != nil {
				return err
			}
			defer logs.Close()

			notify, prompts := tui.PromptFeed(8)
			broker := prompt.NewBroker(8, nil, prompt.WithNotify(notify))

			a, err := openApp(ctx, flags, appOptions{confirmer: broker, logOut: logs})
			if err != nil {
				return err
			}
			defer a.Close()

			brokerCtx, cancel := context.WithCancel(ctx)
			broker.Start(brokerCtx)
			defer broker.Stop()
			defer cancel()

			deps := tui.Deps{
				Scheduler:         a.sched,
				Broker:            broker,
				Bus:               a.bus,
				Prompts:           prompts,
				Config:            a.cfg,
				GlobalConfigPath:  a.globalPath,
				ProjectConfigPath: a.projectPath,
			}
			// Subscribe before anything runs so the first events reach the model.
			model := tui.New(deps)

			a.start(ctx)
			if a.build.New {
				if err := offerNewBuild(ctx, a); err != nil {
					return errors.Join(err, a.shutdown())
				}
			}

			runErr := tui.Run(ctx, model)
			// Unanswered follow-on prompts are declined so shutdown is not held up.
			cancel()
			return errors.Join(runErr, a.shutdown())
		},
	}
}

// offerNewBuild asks which tasks a freshly created build should run and
// starts them in catalog order.
func offerNewBuild(ctx context.Context, a *app) error {
	names := a.sched.Catalog().Names()
	var selected []string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title(fmt.Sprintf("New build %s", a.build.Name)).
				Description("Select the tasks to run now.").
				Options(huh.NewOptions(names...)...).
				Value(&selected),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil
		}
		return err
	}

	for _, name := range names {
		if !slices.Contains(selected, name) {
			continue
		}
		if _, err := a.sched.StartChain(ctx, name); err != nil {
			return err
		}
	}
	return nil
}
