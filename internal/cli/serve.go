package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API server.

The API accepts execution requests, manages schedules, connections and
knowledge base documents, and exposes health and Prometheus metrics.
Executions are queued; run 'herald worker' to process them.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

func applyServerFlags(cmd *cobra.Command, a *app) {
	if cmd.Flags().Changed("port") {
		a.cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		a.cfg.Server.Host = serveHost
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	applyServerFlags(cmd, a)

	srv, err := a.server()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go waitForSignal(cancel)

	a.startJanitor(ctx)

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
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("url", "http://"+a.cfg.Server.Address()).Msg("Server started")
	return g.Wait()
}
