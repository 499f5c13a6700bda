package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/client"
)

func watchCmd(opts *options) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the board live until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New()
			logger.SetOutput(cmd.ErrOrStderr())
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine := client.NewEngine(opts.newClient(), client.WithEngineLogger(logger))
			runErr := make(chan error, 1)
			go func() { runErr <- engine.Run(ctx) }()

			out := cmd.OutOrStdout()
			last := client.Disconnected
			for {
				select {
				case err := <-runErr:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				case <-engine.Changes():
					snap := engine.Snapshot()
					if snap.State != last {
						fmt.Fprintf(out, "-- %s\n", snap.State)
						last = snap.State
					}
					if snap.State != client.Live || snap.LoadingStats {
						continue
					}
					printTasks(out, snap.Tasks)
					printStats(out, snap.Stats)
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log reconnects and stream errors")
	return cmd
}
