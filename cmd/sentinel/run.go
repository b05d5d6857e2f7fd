package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the recorder and the ship workers",
	Long: `Opens the camera, watches for motion and records stills and clips into
the drop directory, while one ship worker per media type encrypts and uploads
whatever settles there. SIGHUP re-reads the detection threshold.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(pipeline.ModeFull)
	},
}

var shipCmd = &cobra.Command{
	Use:   "ship",
	Short: "Run only the ship workers",
	Long:  `Drains the drop directory without opening a camera, for example when another process does the capture.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(pipeline.ModeShipOnly)
	},
}

func runPipeline(mode pipeline.Mode) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	logger, flush, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := pipeline.NewApp(ctx, cfg, mode, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer app.Close()

	reload := func() (*config.Config, error) { return loadConfig(true) }
	exitCode = app.Run(ctx, reload)
	if exitCode != pipeline.ExitOK {
		logger.Error("exiting", zap.Int("code", exitCode))
	}
	return nil
}
