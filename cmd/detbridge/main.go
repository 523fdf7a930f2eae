// Package main provides the detbridge CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/logutil"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sc
		logutil.BgLogger().Warn("received signal to exit", zap.Stringer("signal", sig))
		cancel()
		fmt.Fprintln(os.Stderr, "stopping after the current frame, press ^C again to force exit")
		<-sc
		os.Exit(1)
	}()

	rootCmd := &cobra.Command{
		Use:          "detbridge",
		Short:        "detbridge drives a WebAssembly object-detection engine.",
		SilenceUsage: true,
	}
	defineCommonFlags(rootCmd)
	rootCmd.AddCommand(
		newBenchCommand(),
		newLiveCommand(),
		newVersionCommand(),
	)
	rootCmd.SetOut(os.Stdout)

	rootCmd.SetArgs(os.Args[1:])
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		logutil.BgLogger().Error("detbridge failed", zap.Error(err))
		os.Exit(1) //nolint:gocritic
	}
}
