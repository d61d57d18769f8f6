package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/log"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/landmark/camera"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one detection session",
	Long: `Run one detection session against the configured landmark source and
print the alert record, if any, as JSON.

In trigger mode nothing is printed unless fatigue was detected. Press
Ctrl-C to end an unbounded session early; the partial result is reported.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	addDetectionFlags(runCmd)
	addSourceFlags(runCmd)
	runCmd.Flags().Int("limit", 0, "Stop after this many samples (replay and simulated only)")
	runCmd.Flags().Bool("stop-on-fatigue", false, "End the session at the first fatigue detection")
	runCmd.Flags().Bool("no-progress", false, "Disable the live progress line")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := cfg.Landmark()
	lc.Limit = mustGetInt(cmd, "limit")

	src, err := landmark.NewSource(lc, logger, camera.Factory(cameraConfig(cfg)))
	if err != nil {
		if !cfg.Source.Fallback || !errors.Is(err, landmark.ErrSourceUnavailable) {
			return err
		}
		// The session logs the switch to the fallback.
		src = landmark.Unavailable(lc.Backend, err)
	}

	var fallback landmark.Source
	if cfg.Source.Fallback {
		opts := []landmark.SimulatedOption{
			landmark.WithFrameRate(lc.FrameRate),
			landmark.WithSeed(lc.Seed),
		}
		if lc.Limit > 0 {
			opts = append(opts, landmark.WithLimit(lc.Limit))
		}
		fallback = landmark.NewSimulated(logger, opts...)
	}

	r := sessionRun{
		det:           cfg.Detection,
		src:           src,
		fallback:      fallback,
		logger:        logger,
		stopOnFatigue: mustGetBool(cmd, "stop-on-fatigue"),
		out:           cmd.OutOrStdout(),
	}
	if !mustGetBool(cmd, "no-progress") {
		r.progress = cmd.ErrOrStderr()
	}
	return r.run(ctx)
}
