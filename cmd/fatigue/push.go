package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/log"
	"github.com/teslashibe/go-fatigue/pkg/ingest"
	"github.com/teslashibe/go-fatigue/pkg/landmark"
	"github.com/teslashibe/go-fatigue/pkg/landmark/camera"
	"github.com/teslashibe/go-fatigue/pkg/protocol"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Stream local landmarks to a remote server",
	Long: `Read landmarks from a local source and stream them to a fatigue server,
which runs the session and sends back ticks and the final record.

Detection flags that are set explicitly are sent to the server as
overrides; everything else uses the server's defaults.`,
	Example: `  fatigue push --server http://fleet:8090 --id cab-7 --mode data`,
	Args:    cobra.NoArgs,
	RunE:    runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	addDetectionFlags(pushCmd)
	addSourceFlags(pushCmd)
	pushCmd.Flags().String("server", "http://localhost:8090", "Server base URL")
	pushCmd.Flags().String("id", "", "Producer ID (random when empty)")
	pushCmd.Flags().Int("limit", 0, "Stop after this many samples (replay and simulated only)")
	pushCmd.Flags().Bool("no-progress", false, "Disable the live progress line")
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := cfg.Landmark()
	lc.Limit = mustGetInt(cmd, "limit")
	if lc.Backend == landmark.BackendStream {
		return errors.New("push needs a local source: camera, replay or simulated")
	}
	src, err := landmark.NewSource(lc, logger, camera.Factory(cameraConfig(cfg)))
	if err != nil {
		return err
	}

	client, err := ingest.Dial(ctx, mustGetString(cmd, "server"), mustGetString(cmd, "id"), pushQuery(cmd), logger)
	if err != nil {
		src.Close()
		return err
	}
	defer client.Close()

	stderr := cmd.ErrOrStderr()
	showProgress := !mustGetBool(cmd, "no-progress")
	client.OnTick = func(td protocol.TickData) {
		if td.Entered {
			logger.Warn("FATIGUE DETECTED", "closed_seconds", fmt.Sprintf("%.1f", td.ClosedSeconds), "ear", td.EAR)
		}
		if showProgress {
			fmt.Fprintf(stderr, "\r\033[Ktick %5d  EAR %.3f  closed %4.1fs  [%s]", td.Tick, td.EAR, td.ClosedSeconds, td.Phase)
		}
	}

	res, err := client.Push(ctx, src)
	if showProgress {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		return err
	}

	logger.Info("remote session ended",
		"session", res.SessionID,
		"reason", res.Reason,
		"frames", client.Frames(),
	)
	if res.Error != "" {
		return fmt.Errorf("remote session failed: %s", res.Error)
	}
	if len(res.Record) == 0 {
		logger.Info("no fatigue detected, nothing to report")
		return nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Record, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(cmd.OutOrStdout())
	return err
}

// pushQuery turns explicitly set detection flags into server overrides.
func pushQuery(cmd *cobra.Command) url.Values {
	f := cmd.Flags()
	q := url.Values{}
	if f.Changed("mode") {
		q.Set("mode", mustGetString(cmd, "mode"))
	}
	if f.Changed("threshold") {
		q.Set("threshold", strconv.FormatFloat(mustGetFloat64(cmd, "threshold"), 'f', -1, 64))
	}
	if f.Changed("time-limit") {
		q.Set("limit", strconv.Itoa(mustGetInt(cmd, "time-limit")))
	}
	if f.Changed("duration") {
		q.Set("duration", strconv.Itoa(mustGetInt(cmd, "duration")))
	}
	if f.Changed("all-metrics") {
		q.Set("all_metrics", strconv.FormatBool(mustGetBool(cmd, "all-metrics")))
	}
	return q
}
