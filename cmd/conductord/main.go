// Command conductord serves the HTTP/SSE dashboard surface of spec.md §6
// over the same orchestrator internal/cli drives interactively, with the
// autonomous and improvement loops running in the background. Grounded on
// basegraphhq-basegraph/codegraph/cmd/relay/main.go's
// signal.NotifyContext-based shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopworks/conductor/internal/app"
	"github.com/loopworks/conductor/internal/httpapi"
	"github.com/loopworks/conductor/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.NewContext(ctx)

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize conductord: %w", err)
	}
	defer a.Close()

	go a.RunBackgroundLoops(ctx)

	handler := httpapi.NewRouter(httpapi.Deps{
		Orchestrator: a.Orchestrator,
		Store:        a.Store,
		Bus:          a.Bus,
		Errors:       a.Errors,
		Improvement:  a.Improvement,
	})

	srv := &http.Server{Addr: a.Config.HTTPAddr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	telemetry.Info(ctx, "conductord listening", telemetry.KV{K: "addr", V: a.Config.HTTPAddr})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
