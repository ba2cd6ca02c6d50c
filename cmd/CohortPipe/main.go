// Command cohortpipe generates a synthetic clinical-trial dataset, compares the
// two patient cohorts and exports the findings as a JSON document.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CohortPipe/internal/config"
)

// Environment variables read by the CLI itself. Simulation parameters are read
// by the config package.
const (
	EnvLogLevel    = "COHORTPIPE_LOG_LEVEL"
	EnvConfigFile  = "COHORTPIPE_CONFIG"
	EnvDBDSN       = "COHORTPIPE_DB_DSN"
	EnvDatabaseURL = "DATABASE_URL"
	EnvOutput      = "COHORTPIPE_OUTPUT"
	EnvKeepRun     = "COHORTPIPE_KEEP_RUN"
	EnvS3Bucket    = "COHORTPIPE_S3_BUCKET"
	EnvS3Key       = "COHORTPIPE_S3_KEY"
	EnvS3Region    = "COHORTPIPE_S3_REGION"
	EnvS3Endpoint  = "COHORTPIPE_S3_ENDPOINT"
	EnvMetricsFile = "COHORTPIPE_METRICS_FILE"
)

// rootFlags holds the persistent flags shared by all subcommands.
type rootFlags struct {
	logLevel   string
	configFile string
	envFiles   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("CohortPipe failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "cohortpipe",
		Short:         "Synthetic cohort comparison pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv(flags.envFiles...)
			if !cmd.Flags().Changed("log-level") {
				if v := os.Getenv(EnvLogLevel); v != "" {
					flags.logLevel = v
				}
			}
			if !cmd.Flags().Changed("config") {
				if v := os.Getenv(EnvConfigFile); v != "" {
					flags.configFile = v
				}
			}
			return initializeLogger(flags.logLevel)
		},
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error (overrides $"+EnvLogLevel+")")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML configuration file (overrides $"+EnvConfigFile+")")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, ".env files to load (default ./.env)")

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newConfigCmd(&flags))
	return root
}

// initializeLogger sets up structured logging on stdout at the given level.
func initializeLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}
