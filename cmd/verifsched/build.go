package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/tasks"
)

func initCmd(flags *globalFlags) *cobra.Command {
	var force bool

	var command = &cobra.Command{
		Use:   "init TOP_MODULE",
		Short: "Write a starter project config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = config.ProjectFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, pass --force to overwrite it", path)
			}
			if err := config.Save(config.Template(args[0]), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	command.Flags().BoolVar(&force, "force", false, "overwrite an existing config")

	return command
}

func buildCmd(flags *globalFlags) *cobra.Command {
	var command = &cobra.Command{
		Use:   "build",
		Short: "Manage build directories",
	}

	command.AddCommand(buildListCmd(flags), buildCopyParseCmd(flags), buildRemoveCmd(flags))

	return command
}

func buildListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			builds, err := newBuildManager(cfg).List()
			if err != nil {
				return err
			}
			if len(builds) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No builds in %s\n", cfg.BuildsDir())
				return nil
			}

			now := time.Now()
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("", "BUILD", "CREATED", "PARSED", "HEAD")
			for _, b := range builds {
				current := ""
				if b.Name == cfg.Build {
					current = "*"
				}
				parsed := "no"
				if b.Parsed {
					parsed = "yes"
				}
				t.Row(current, b.Name, humanize.RelTime(b.Created, now, "ago", "from now"), parsed, shortID(b.Head))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.String())
			return nil
		},
	}
}

func buildCopyParseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "copy-parse FROM",
		Short: "Reuse the parser outputs of another build",
		Long: `copy-parse copies sv_<top>/ and rtlfiles.lst from FROM, a build name or a
directory, into the current build and marks Parser passed so the parse
step is skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if args[0] == cfg.Build {
				return errors.New("cannot copy a build onto itself")
			}

			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			builds := newBuildManager(cfg)
			info, err := builds.Open(cfg.Build)
			if err != nil {
				return err
			}
			if err := builds.CopyParseOutputs(args[0], cfg.Build); err != nil {
				return err
			}

			if err := markParsed(cmd.Context(), storeOptions(cfg, info.Path, logger)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Copied parser outputs from %s into %s\n", args[0], cfg.Build)
			return nil
		},
	}
}

// markParsed records Parser as passed in the build's store.
func markParsed(ctx context.Context, opts status.Options) error {
	store, err := status.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer store.Close()

	rec := status.Record{Finished: true, Status: status.Passed, LastRun: time.Now()}
	if err := store.Set(ctx, tasks.Parser, rec); err != nil {
		return err
	}
	return status.FlushWithRetry(ctx, store, status.DefaultRetryConfig())
}

func buildRemoveCmd(flags *globalFlags) *cobra.Command {
	var force bool

	var command = &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a build and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if args[0] == cfg.Build && !force {
				return fmt.Errorf("%s is the current build, pass --force to remove it", args[0])
			}
			if err := newBuildManager(cfg).Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}

	command.Flags().BoolVar(&force, "force", false, "remove the current build too")

	return command
}
