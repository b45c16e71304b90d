package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API, worker pool and poller in one process",
	Long: `Run every component in one process: the HTTP API, a worker pool, the
schedule poller and, when enabled, execution retention.

On SIGINT or SIGTERM the API stops accepting requests, the poller finishes its
current tick and in-flight executions are handed back to the queue.`,
	RunE: runAll,
}

func init() {
	runCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	runCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	runCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "Concurrent executions (overrides config)")

	rootCmd.AddCommand(runCmd)
}

func runAll(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	applyServerFlags(cmd, a)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, err := a.server()
	if err != nil {
		return err
	}
	pool, err := a.pool(ctx, workerConcurrency)
	if err != nil {
		return err
	}
	poller, err := a.poller()
	if err != nil {
		return err
	}

	go waitForSignal(cancel)

	a.startJanitor(ctx)
	pool.Start(ctx)
	poller.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		err := srv.Shutdown(shutdownCtx)

		poller.Stop()
		pool.Stop()
		return err
	})

	log.Info().
		Str("url", "http://"+a.cfg.Server.Address()).
		Int("concurrency", a.cfg.Worker.Concurrency).
		Msg("Herald running")

	return g.Wait()
}
