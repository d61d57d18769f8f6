package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-fatigue/internal/log"
	"github.com/teslashibe/go-fatigue/pkg/landmark/camera"
	"github.com/teslashibe/go-fatigue/pkg/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection server",
	Long: `Start the HTTP and WebSocket server.

  POST /api/detect        run a batch of sessions
  GET  /ws/landmarks/:id  stream landmarks from a remote producer
  GET  /ws/telemetry      watch every tick of every session`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addDetectionFlags(serveCmd)
	addSourceFlags(serveCmd)
	serveCmd.Flags().Int("port", 8090, "Port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := web.NewServer(cfg,
		web.WithLogger(logger),
		web.WithCamera(camera.Factory(cameraConfig(cfg))),
	)

	logger.Info("starting fatigue server",
		"port", cfg.Server.Port,
		"mode", cfg.Detection.AlertMode,
		"backend", cfg.Source.Backend,
		"fallback", cfg.Source.Fallback,
	)
	return server.Start(ctx)
}
