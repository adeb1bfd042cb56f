package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/McKhanster/autoninja-sub001/api"
	"github.com/McKhanster/autoninja-sub001/config"
	streampulse "github.com/McKhanster/autoninja-sub001/features/stream/pulse"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline HTTP API",
	Long: `Start the HTTP API. Runs started through POST /v1/runs execute in the
background; their status, audit trail and artifacts are served under
/v1/runs/:id.

Examples:
  autoninja serve --config autoninja.yaml
  AUTONINJA_LIMITER_BACKEND=redis autoninja serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, overrides{})
	if err != nil {
		log.Errorf(ctx, err, "failed to wire services")
		return err
	}
	return serve(ctx, cfg.Server, a)
}

// serve runs the API until ctx is done, then drains it and the active runs.
func serve(ctx context.Context, cfg config.ServerConfig, a *app) error {
	opts := api.Options{
		Runs:       a.coordinator,
		Audit:      a.audit,
		Health:     a.health,
		LogContext: ctx,
		Logger:     telemetry.NewClueLogger(),
	}
	if a.events != nil {
		opts.Events = subscriber{a.events}
	}
	srv, err := api.New(opts)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.Addr})
		errc <- srv.Start(cfg.Addr)
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Errorf(ctx, serr, "failed to shut down http server")
	}
	a.close(shutdownCtx)
	log.Printf(ctx, "exited")
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// subscriber adapts the Pulse subscriber to api.Events.
type subscriber struct {
	s *streampulse.Subscriber
}

func (s subscriber) Subscribe(ctx context.Context, runID string) (<-chan pipeline.Event, <-chan error, context.CancelFunc, error) {
	return s.s.Subscribe(ctx, runID)
}
