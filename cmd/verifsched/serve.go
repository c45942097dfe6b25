package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verifgui/verifsched/internal/api"
	"github.com/verifgui/verifsched/internal/prompt"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `serve exposes the scheduler of the current build over HTTP. Follow-on
questions wait until they are answered with POST /prompt, and GET /events
streams scheduler events over a websocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			broker := prompt.NewBroker(16, nil)
			a, err := openApp(ctx, flags, appOptions{confirmer: broker, logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			brokerCtx, cancel := context.WithCancel(ctx)
			broker.Start(brokerCtx)
			defer broker.Stop()
			defer cancel()

			if addr == "" {
				addr = a.cfg.API.Addr
			}

			server := api.NewServer(a.sched,
				api.WithBroker(broker),
				api.WithEventBus(a.bus),
				api.WithLogger(a.logger),
			)

			a.start(ctx)
			serveErr := server.ListenAndServe(ctx, addr)
			cancel()
			return errors.Join(serveErr, a.shutdown())
		},
	}

	command.Flags().StringVar(&addr, "addr", "", "listen address (default from config api.addr)")

	return command
}
