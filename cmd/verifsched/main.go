package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	build      string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	command := &cobra.Command{
		Use:   "verifsched",
		Short: "Verification task scheduler for RTL projects",
		Long: `verifsched runs the verification steps of an RTL project (parse, lint,
coverage, regression, report) in dependency order, one at a time, and keeps
the status of every step per build directory.`,
		SilenceUsage: true,
	}

	command.PersistentFlags().StringVar(&flags.configPath, "config", "", "project config file (default verifsched.yaml)")
	command.PersistentFlags().StringVarP(&flags.build, "build", "b", "", "build to operate on (default from config)")
	command.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	command.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: console or json")

	command.AddCommand(
		runCmd(flags),
		statusCmd(flags),
		resetCmd(flags),
		tasksCmd(flags),
		historyCmd(flags),
		tuiCmd(flags),
		serveCmd(flags),
		initCmd(flags),
		buildCmd(flags),
	)

	return command
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
