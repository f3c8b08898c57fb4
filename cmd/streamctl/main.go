// Command streamctl drives the match streaming components from a terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"matchstream/internal/platform/config"
	"matchstream/internal/platform/logger"

	"github.com/spf13/cobra"
)

func main() {
	_ = config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel  string
	logFormat string
}

func (g *globalFlags) logger() *slog.Logger {
	return logger.NewWriter(os.Stderr, g.logLevel, g.logFormat)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "streamctl",
		Short:         "Operate match streaming sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "log format (json, text)")

	root.AddCommand(
		newFinalizeCmd(g),
		newPlayCmd(g),
		newPeerCmd(g),
		newScanCmd(g),
	)
	return root
}
