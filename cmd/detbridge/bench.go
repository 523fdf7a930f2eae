package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/born-ml/detbridge/internal/config"
	"github.com/born-ml/detbridge/internal/driver"
)

func newBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time repeated inference on one random input",
		Args:  cobra.NoArgs,
		RunE:  runBench,
	}
	cmd.Flags().Int(flagIterations, config.DefaultIterations, "Measured iterations")
	cmd.Flags().Int(flagWarmup, config.DefaultWarmup, "Unmeasured iterations run first")
	cmd.Flags().Int64(flagSeed, 1, "Seed of the random input")
	cmd.Flags().String(flagMode, config.ModePredictor, "Inference path: predictor or network")
	return cmd
}

func runBench(cmd *cobra.Command, _ []string) (err error) {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { err = a.close(cmd.Context(), err) }()

	bc := a.cfg.Bench
	report, err := driver.Bench(cmd.Context(), a.rt, a.pipeline, driver.BenchConfig{
		Mode:       bc.Mode,
		Iterations: bc.Iterations,
		Warmup:     bc.Warmup,
		Seed:       bc.Seed,
		Progress:   cmd.ErrOrStderr(),
	}, driver.WithLogger(a.log.Named("bench")), driver.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	report.Render(cmd.OutOrStdout())
	a.log.Info("bench finished", zap.String("run", report.RunID), zap.Duration("mean", report.Mean))
	return nil
}
