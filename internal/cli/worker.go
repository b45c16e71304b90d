package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	workerConcurrency int
	workerOnce        bool
	pollerOnce        bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued executions",
	Long: `Start a worker pool that claims queued executions and runs them.

Failed attempts are retried with exponential backoff; messages that exhaust
their attempts are moved to the dead-letter list ('herald dlq list').

Use --once to process everything currently ready and exit.`,
	RunE: runWorker,
}

var pollerCmd = &cobra.Command{
	Use:   "poller",
	Short: "Dispatch due schedules",
	Long: `Start the schedule poller. On every tick of scheduler.poll_spec it finds
active schedules whose next run is due, queues one execution for each and
advances the schedule.

Use --once to run a single tick and exit.`,
	RunE: runPoller,
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "Concurrent executions (overrides config)")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "Drain ready messages and exit")
	pollerCmd.Flags().BoolVar(&pollerOnce, "once", false, "Run one tick and exit")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(pollerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pool, err := a.pool(ctx, workerConcurrency)
	if err != nil {
		return err
	}

	if workerOnce {
		pool.Recover(ctx)
		processed, err := pool.Drain(ctx)
		if err != nil {
			return fmt.Errorf("draining queue: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d message(s)\n", processed)
		return nil
	}

	go waitForSignal(cancel)
	pool.Start(ctx)
	<-ctx.Done()
	pool.Stop()
	return nil
}

func runPoller(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	poller, err := a.poller()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if pollerOnce {
		res, err := poller.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Due: %d  Dispatched: %d  Skipped: %d  Completed: %d  Failed: %d\n",
			res.Due, res.Dispatched, res.Skipped, res.Completed, res.Failed)
		return nil
	}

	go waitForSignal(cancel)
	poller.Start(ctx)
	<-ctx.Done()
	poller.Stop()
	log.Info().Msg("Poller exited")
	return nil
}
