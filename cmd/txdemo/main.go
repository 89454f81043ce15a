// Package main is the entry point of txdemo. It runs the transaction propagation
// scenarios against the configured resource, once from the command line or
// repeatedly behind an HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	driver     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "txdemo",
		Short:         "Transaction propagation scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a TOML config file")
	root.PersistentFlags().StringVar(&opts.driver, "driver", "", "Resource driver: memory, sql or spanner (overrides the config file)")

	root.AddCommand(
		newListCommand(),
		newRunCommand(opts),
		newServeCommand(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
