package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scrapeqa/internal/logging"
	"scrapeqa/internal/server"
)

var serveAddr string

// serveCmd starts the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline over HTTP",
	Long: `Starts the HTTP API:

  GET  /             liveness greeting
  GET  /healthz      health check
  POST /api          full pipeline (multipart question file plus attachments)
  POST /data_scrape  scrape loop only
  POST /answer       analysis loop only (needs a dataset attachment)
  GET  /runs         recent runs
  GET  /runs/{id}    one run with its attempt log`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	a, err := newApp(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var history server.History
	if a.store != nil {
		history = a.store
	}
	srv := server.New(server.ConfigFromSettings(cfg), a.pipeline, history)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if a.renderer != nil {
		// Launch the browser while the listener comes up; a failure only
		// disables rendering, the fetcher falls back to plain HTTP.
		g.Go(func() error {
			if err := a.renderer.Start(ctx); err != nil {
				logging.BrowserWarn("Headless browser unavailable: %v", err)
			}
			return nil
		})
	}
	logging.Boot("scrapeqa serving on %s", cfg.Server.Addr)
	return g.Wait()
}
