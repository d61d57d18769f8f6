package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/log"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a session on a simulated signal",
	Long: `Run a detection session on a synthetic eye signal with scripted closure
episodes. Useful for checking thresholds and alert modes without a camera.

Episodes are given as start:length[:ear] in ticks, for example
--episode 60:120 closes the eyes from tick 60 for 120 ticks (4s at 30fps).
Every record produced this way is marked synthetic.`,
	Example: `  fatigue simulate --episode 30:150 --mode data
  fatigue simulate --limit 600 --episode 100:200:0.12 --mode monitor`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	addDetectionFlags(simulateCmd)
	simulateCmd.Flags().StringSlice("episode", nil, "Closure episode start:length[:ear], repeatable")
	simulateCmd.Flags().Float64("fps", 30, "Samples per second")
	simulateCmd.Flags().Int("limit", 900, "Number of samples to generate")
	simulateCmd.Flags().Float64("no-face-rate", 0, "Probability of a no-face sample")
	simulateCmd.Flags().Int64("seed", 0, "Random seed (0 = random)")
	simulateCmd.Flags().Bool("no-progress", false, "Disable the live progress line")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.L()

	episodes, err := parseEpisodes(mustGetStringSlice(cmd, "episode"))
	if err != nil {
		return err
	}
	fps := mustGetFloat64(cmd, "fps")
	if fps <= 0 {
		// Closure time is measured on the wall clock.
		return fmt.Errorf("--fps must be positive")
	}
	limit := mustGetInt(cmd, "limit")
	if limit <= 0 && cfg.Detection.MonitorDuration == 0 {
		return fmt.Errorf("--limit or --duration must bound the simulation")
	}

	opts := []landmark.SimulatedOption{
		landmark.WithFrameRate(fps),
		landmark.WithSeed(mustGetInt64(cmd, "seed")),
		landmark.WithNoFaceRate(mustGetFloat64(cmd, "no-face-rate")),
		landmark.WithEpisodes(episodes...),
	}
	if limit > 0 {
		opts = append(opts, landmark.WithLimit(limit))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := sessionRun{
		det:    cfg.Detection,
		src:    landmark.NewSimulated(logger, opts...),
		logger: logger,
		out:    cmd.OutOrStdout(),
	}
	if !mustGetBool(cmd, "no-progress") {
		r.progress = cmd.ErrOrStderr()
	}
	return r.run(ctx)
}

// defaultEpisodeEAR is a clearly closed eye.
const defaultEpisodeEAR = 0.08

// parseEpisodes parses start:length[:ear] specs.
func parseEpisodes(specs []string) ([]landmark.Episode, error) {
	episodes := make([]landmark.Episode, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("episode %q: want start:length[:ear]", spec)
		}
		start, err := strconv.Atoi(parts[0])
		if err != nil || start < 0 {
			return nil, fmt.Errorf("episode %q: bad start", spec)
		}
		length, err := strconv.Atoi(parts[1])
		if err != nil || length <= 0 {
			return nil, fmt.Errorf("episode %q: bad length", spec)
		}
		ep := landmark.Episode{Start: start, Length: length, EAR: defaultEpisodeEAR}
		if len(parts) == 3 {
			ep.EAR, err = strconv.ParseFloat(parts[2], 64)
			if err != nil || ep.EAR < 0 {
				return nil, fmt.Errorf("episode %q: bad ear", spec)
			}
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
