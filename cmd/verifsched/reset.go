package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func resetCmd(flags *globalFlags) *cobra.Command {
	var all bool

	var command = &cobra.Command{
		Use:   "reset [TASK...]",
		Short: "Clear tasks back to not started",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name the tasks to reset, or pass --all")
			}

			a, err := openApp(cmd.Context(), flags, appOptions{logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			names := args
			if all {
				names = a.sched.Catalog().Names()
			}
			for _, name := range names {
				if err := a.sched.Reset(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reset\n", name)
			}
			return nil
		},
	}

	command.Flags().BoolVar(&all, "all", false, "reset every task in the build")

	return command
}

func tasksCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the registered tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), flags, appOptions{logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			catalog := a.sched.Catalog()
			order, err := catalog.Validate()
			if err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("TASK", "DEPENDS ON", "FOLLOW-ONS", "DESCRIPTION")
			for _, name := range catalog.Names() {
				d, _ := catalog.Get(name)
				t.Row(name, strings.Join(d.Dependencies, ", "), strings.Join(d.FollowOns, ", "), d.Description)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())

			if !slices.Equal(order, catalog.Names()) {
				fmt.Fprintf(cmd.OutOrStdout(), "Dependency order: %s\n", strings.Join(order, " -> "))
			}
			return nil
		},
	}
}
