package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rai/clean-txpropagation-go/internal/platform/httpserver"
	scenarioshttp "github.com/rai/clean-txpropagation-go/internal/scenarios/http"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the scenarios, completion stats and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), root)
		},
	}
}

func serve(ctx context.Context, root *rootOptions) (err error) {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()

	handler, err := a.router()
	if err != nil {
		return err
	}
	server := httpserver.New(a.cfg.HTTP, handler, a.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	a.logger.Info("server stopped")
	return <-errCh
}

// router builds the HTTP handler with all routes and middleware.
func (a *app) router() (http.Handler, error) {
	stats := scenarioshttp.NewCompletionStats()
	if err := stats.Subscribe(a.bus); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /metrics", a.telemetry.MetricsHandler())
	scenarioshttp.RegisterRoutes(mux, a.runner(), stats)

	return httpserver.Middleware(mux, httpserver.Recovery(a.logger), httpserver.Logging(a.logger)), nil
}
