package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/armadaproject/simflow/internal/common/logging"
	"github.com/armadaproject/simflow/internal/simflow"
	"github.com/armadaproject/simflow/internal/simflowctl"
)

var errStopSignal = errors.New("stop signal received")

func runCmd(app *simflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <run_folder>",
		Short: "Consolidate inbox updates and submit runnable tasks until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inMemory, err := cmd.Flags().GetBool("in-memory")
			if err != nil {
				return err
			}
			config := app.Params.Config
			config.RunFolder = args[0]
			config.Store.InMemory = config.Store.InMemory || inMemory
			if err := logging.ConfigureApplicationLogging(config.Logging); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(context.Background())

			// Cancel the errgroup context on SIGINT and SIGTERM,
			// which shuts everything down gracefully.
			stopSignal := make(chan os.Signal, 1)
			signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
			g.Go(func() error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case sig := <-stopSignal:
					log.Infof("Received %v; shutting down", sig)
					return errStopSignal
				}
			})
			g.Go(func() error {
				return simflow.New().StartUp(ctx, config)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, errStopSignal) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Bool("in-memory", false, "Keep tasks in memory instead of the run folder's database (dry run)")
	return cmd
}
