// Command conductor is the interactive CLI surface of spec.md §6: a REPL
// over the orchestrator, with the autonomous and improvement loops running
// in the background. Grounded on
// basegraphhq-basegraph/codegraph/cmd/relay/main.go's
// signal.NotifyContext-based shutdown and thin-main-delegates-to-package
// structure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loopworks/conductor/internal/app"
	"github.com/loopworks/conductor/internal/cli"
	"github.com/loopworks/conductor/internal/telemetry"
)

func main() {
	root := cli.RootCommand(run)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, verbose bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = telemetry.NewContext(ctx)

	a, err := app.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize conductor: %w", err)
	}
	defer a.Close()

	go a.RunBackgroundLoops(ctx)

	repl := cli.New(a.Orchestrator, a.Registry.Names, a.Registry.DescribeForPrompt, os.Stdin, os.Stdout)
	repl.Verbose = verbose
	return repl.Run(ctx)
}
