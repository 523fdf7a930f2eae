package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/detbridge/internal/config"
	"github.com/born-ml/detbridge/internal/driver"
)

func newLiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Run detection on a stream of frames read from a directory",
		Args:  cobra.NoArgs,
		RunE:  runLive,
	}
	cmd.Flags().String(flagFramesDir, "", "Directory of PNG or JPEG frames, replayed in name order")
	cmd.Flags().Duration(flagFrameInterval, 0, "Delay between frames, 0 for as fast as they decode")
	cmd.Flags().Int(flagMaxFrames, config.DefaultMaxFrames, "Stop after this many frames, 0 for no limit")
	cmd.Flags().Int(flagMaxErrors, config.DefaultMaxConsecutiveErrors, "Stop after this many failed frames in a row")
	return cmd
}

func runLive(cmd *cobra.Command, _ []string) (err error) {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { err = a.close(cmd.Context(), err) }()

	lc := a.cfg.Live
	if lc.FramesDir == "" {
		return fmt.Errorf("%w: no frames directory, set --%s or live.frames-dir", config.ErrInvalid, flagFramesDir)
	}
	src, err := driver.NewDirSource(lc.FramesDir, lc.FrameInterval.Duration)
	if err != nil {
		return err
	}
	sink := driver.LogSink{Log: a.log.Named("detections"), Pipeline: a.pipeline}
	stats, err := driver.Live(cmd.Context(), a.rt, a.pipeline, src, sink, driver.LiveConfig{
		MaxFrames:            lc.MaxFrames,
		MaxConsecutiveErrors: lc.MaxConsecutiveErrors,
	}, driver.WithLogger(a.log.Named("live")), driver.WithMetrics(a.metrics))
	cmd.Printf("processed %d frames, dropped %d, failed %d, %d detections\n",
		stats.Processed, stats.Dropped, stats.Failed, stats.Detections)
	return err
}
