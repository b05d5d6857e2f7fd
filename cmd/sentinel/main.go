// Package main is the CLI entry point for sentinel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/logging"
	"github.com/mikeyg42/sentinel/internal/pipeline"
	"github.com/mikeyg42/sentinel/internal/validate"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	// exitCode is what main exits with after a command returned nil.
	exitCode = pipeline.ExitOK
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(pipeline.ExitStartup)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Motion-triggered recorder with an encrypt-and-ship pipeline",
	Long: `sentinel watches a camera for motion, records a still and a short clip
for every event, raises alerts, and ships everything it records to object
storage encrypted for a fixed set of OpenPGP recipients.

Exit codes: 0 clean stop, 1 startup or configuration error, 2 a worker
died, 3 the capture process is not running.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SENTINEL_CONFIG"), "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(shipCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(gmailAuthCmd)
	rootCmd.AddCommand(sealKeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the file named by --config, applies flag overrides and
// optionally runs full validation.
func loadConfig(strict bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if strict {
		if err := validate.ValidateConfig(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setupLogger installs the configured logger globally. The returned func
// flushes it.
func setupLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logging.ReplaceGlobal(logger)
	return logger, func() { _ = logger.Sync() }, nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("sentinel %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
