package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CohortPipe/internal/export"
	"github.com/BTreeMap/CohortPipe/internal/pipeline"
	"github.com/BTreeMap/CohortPipe/internal/store"
	"github.com/BTreeMap/CohortPipe/internal/util"
)

// runFlags holds the flags of the run command.
type runFlags struct {
	sim configFlags

	output      string
	dbDSN       string
	keepRun     bool
	s3Bucket    string
	s3Key       string
	s3Region    string
	s3Endpoint  string
	metricsFile string
	quiet       bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate a dataset, analyze the cohorts and export the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			cfg, err := resolveConfig(fs, &flags.sim, root.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			flags.output = stringFromEnv(fs, "output", flags.output, EnvOutput)
			flags.dbDSN = stringFromEnv(fs, "db-dsn", flags.dbDSN, EnvDBDSN, EnvDatabaseURL)
			flags.s3Bucket = stringFromEnv(fs, "s3-bucket", flags.s3Bucket, EnvS3Bucket)
			flags.s3Key = stringFromEnv(fs, "s3-key", flags.s3Key, EnvS3Key)
			flags.s3Region = stringFromEnv(fs, "s3-region", flags.s3Region, EnvS3Region)
			flags.s3Endpoint = stringFromEnv(fs, "s3-endpoint", flags.s3Endpoint, EnvS3Endpoint)
			flags.metricsFile = stringFromEnv(fs, "metrics-file", flags.metricsFile, EnvMetricsFile)
			flags.keepRun = flags.keepRun || util.ParseBoolEnv(EnvKeepRun, false)

			opts, err := buildPipelineOptions(cmd, flags)
			if err != nil {
				return err
			}

			slog.Info("Bootstrapping CohortPipe run",
				"dsn_type", store.DetectDSNType(flags.dbDSN),
				"output", flags.output,
				"s3", flags.s3Bucket != "",
				"metrics_file", flags.metricsFile)
			if _, err := pipeline.Run(cmd.Context(), cfg, opts...); err != nil {
				return err
			}
			return nil
		},
	}

	fs := cmd.Flags()
	addConfigFlags(fs, &flags.sim)
	fs.StringVarP(&flags.output, "output", "o", export.DefaultOutputPath, "results document path; empty disables the file (overrides $"+EnvOutput+")")
	fs.StringVar(&flags.dbDSN, "db-dsn", "", "store DSN: SQLite path, postgres:// URL or \"inmem\" (default in-memory SQLite; overrides $"+EnvDBDSN+" or $"+EnvDatabaseURL+")")
	fs.BoolVar(&flags.keepRun, "keep-run", false, "keep the run's rows in the store after analysis")
	fs.StringVar(&flags.s3Bucket, "s3-bucket", "", "also upload the document to this S3 bucket")
	fs.StringVar(&flags.s3Key, "s3-key", "", "S3 object key (default <run-id>.json)")
	fs.StringVar(&flags.s3Region, "s3-region", "", "S3 region (default from the AWS configuration)")
	fs.StringVar(&flags.s3Endpoint, "s3-endpoint", "", "custom S3 endpoint, enables path-style addressing")
	fs.StringVar(&flags.metricsFile, "metrics-file", "", "write run metrics in Prometheus textfile format")
	fs.BoolVarP(&flags.quiet, "quiet", "q", false, "do not print findings to stdout")
	return cmd
}

// buildPipelineOptions constructs the pipeline options from the run flags.
func buildPipelineOptions(cmd *cobra.Command, flags runFlags) ([]pipeline.Option, error) {
	runID, err := util.GenerateRunID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithRunID(runID),
		pipeline.WithStoreDSN(flags.dbDSN),
		pipeline.WithKeepRun(flags.keepRun),
	}
	if flags.output != "" {
		opts = append(opts, pipeline.WithDestinations(export.NewFileDestination(flags.output, runID)))
	}
	if flags.s3Bucket != "" {
		key := flags.s3Key
		if key == "" {
			key = runID + ".json"
		}
		dest, err := export.NewS3Destination(cmd.Context(), flags.s3Bucket, key, flags.s3Region, flags.s3Endpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithDestinations(dest))
	}
	if flags.metricsFile != "" {
		opts = append(opts, pipeline.WithMetricsFile(flags.metricsFile))
	}
	if !flags.quiet {
		opts = append(opts, pipeline.WithConsole(cmd.OutOrStdout()))
	}
	if flags.keepRun {
		slog.Debug("run rows will be kept", "runID", runID)
	}
	return opts, nil
}
