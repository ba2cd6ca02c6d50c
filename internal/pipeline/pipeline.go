// Package pipeline runs one end-to-end CohortPipe job: generate a synthetic
// dataset, load it into a relational store, aggregate the two cohorts, export the
// report, print the headline findings and tear the run down.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/analysis"
	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/export"
	"github.com/BTreeMap/CohortPipe/internal/generator"
	"github.com/BTreeMap/CohortPipe/internal/metrics"
	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/BTreeMap/CohortPipe/internal/report"
	"github.com/BTreeMap/CohortPipe/internal/store"
	"github.com/BTreeMap/CohortPipe/internal/util"
)

// Stage names used in logs and the stage duration gauge.
const (
	StageGenerate = "generate"
	StageLoad     = "load"
	StageAnalyze  = "analyze"
	StageExport   = "export"
)

// Opts holds the run options.
type Opts struct {
	StoreDSN     string
	Destinations []export.Destination
	Source       rand.Source
	MetricsFile  string
	KeepRun      bool
	Console      io.Writer
	RunID        string
	Now          func() time.Time
}

// Option configures a run.
type Option func(*Opts)

// WithStoreDSN selects the relational store. Empty means in-memory SQLite.
func WithStoreDSN(dsn string) Option {
	return func(o *Opts) { o.StoreDSN = dsn }
}

// WithDestinations adds destinations the encoded report is written to.
func WithDestinations(destinations ...export.Destination) Option {
	return func(o *Opts) { o.Destinations = append(o.Destinations, destinations...) }
}

// WithSource draws all randomness from src instead of a source seeded from the
// configuration.
func WithSource(src rand.Source) Option {
	return func(o *Opts) { o.Source = src }
}

// WithMetricsFile writes the run gauges to path in the textfile format.
func WithMetricsFile(path string) Option {
	return func(o *Opts) { o.MetricsFile = path }
}

// WithKeepRun leaves the run's rows in the store instead of purging them.
func WithKeepRun(keep bool) Option {
	return func(o *Opts) { o.KeepRun = keep }
}

// WithConsole prints the headline findings to w.
func WithConsole(w io.Writer) Option {
	return func(o *Opts) { o.Console = w }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(o *Opts) { o.RunID = id }
}

// WithClock sets the clock used to resolve a zero AsOf and stamp the run.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Result is the outcome of a successful run.
type Result struct {
	Report   *models.Report
	Document []byte
	Metrics  *metrics.RunMetrics
}

// Run executes one job. Nothing is exported unless analysis succeeds.
func Run(ctx context.Context, cfg config.Config, opts ...Option) (*Result, error) {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Pipeline Run: invalid configuration", "error", err)
		return nil, err
	}
	startedAt := o.Now().UTC()
	cfg = cfg.Resolve(startedAt)

	var err error
	runID := o.RunID
	if runID == "" {
		runID, err = util.GenerateRunID()
		if err != nil {
			slog.Error("Pipeline Run: failed to generate run ID", "error", err)
			return nil, fmt.Errorf("generate run id: %w", err)
		}
	}

	src, seed := o.Source, cfg.Seed
	if src == nil {
		src, seed = util.NewSource(cfg.Seed)
	}
	log := slog.With("runID", runID)
	log.Info("Pipeline Run: starting", "seed", seed, "population", cfg.Population, "as_of", cfg.AsOf.Format(config.AsOfLayout))

	m := metrics.New()
	m.SetRunInfo(runID, seed)

	// Generate
	stageStart := time.Now()
	ds, err := generator.Generate(cfg, src)
	if err != nil {
		log.Error("Pipeline Run: generation failed", "error", err)
		return nil, fmt.Errorf("generate dataset: %w", err)
	}
	m.ObserveStage(StageGenerate, time.Since(stageStart))
	m.ObserveDataset(ds)
	log.Info("Pipeline Run: data generation complete", "patients", len(ds.Patients), "admissions", len(ds.Admissions))

	// Load
	stageStart = time.Now()
	st, err := store.Open(o.StoreDSN)
	if err != nil {
		log.Error("Pipeline Run: failed to open store", "error", err, "dsn_type", store.DetectDSNType(o.StoreDSN))
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Warn("Pipeline Run: failed to close store", "error", cerr)
		}
	}()

	if err := st.Load(ctx, runID, ds); err != nil {
		log.Error("Pipeline Run: failed to load dataset", "error", err)
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	if !o.KeepRun {
		defer func() {
			// Teardown must run even when ctx was canceled mid-run.
			if perr := st.Purge(context.WithoutCancel(ctx), runID); perr != nil {
				log.Warn("Pipeline Run: failed to purge run", "error", perr)
			}
		}()
	}
	m.ObserveStage(StageLoad, time.Since(stageStart))

	// Analyze
	stageStart = time.Now()
	rep, err := analysis.Analyze(ctx, st, runID, cfg)
	if err != nil {
		return nil, fmt.Errorf("analyze run %s: %w", runID, err)
	}
	rep.Run = models.RunInfo{RunID: runID, Seed: seed, GeneratedAt: startedAt}
	m.ObserveStage(StageAnalyze, time.Since(stageStart))
	m.ObserveReport(rep)

	// Export
	stageStart = time.Now()
	doc, err := export.Encode(rep)
	if err != nil {
		log.Error("Pipeline Run: failed to encode report", "error", err)
		return nil, err
	}
	batch, err := export.Prepare(ctx, doc, o.Destinations...)
	if err != nil {
		return nil, err
	}
	m.ObserveStage(StageExport, time.Since(stageStart))

	// Metrics go out before local files are committed so a failure here leaves
	// no document behind.
	if o.MetricsFile != "" {
		if err := m.WriteTextfile(o.MetricsFile); err != nil {
			batch.Abort()
			return nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	if o.Console != nil {
		names := make([]string, 0, len(o.Destinations))
		for _, dest := range o.Destinations {
			names = append(names, destinationName(dest))
		}
		if err := report.PrintFindings(o.Console, rep, names); err != nil {
			log.Warn("Pipeline Run: failed to print findings", "error", err)
		}
	}

	log.Info("Pipeline Run: complete", "kept", o.KeepRun)
	return &Result{Report: rep, Document: doc, Metrics: m}, nil
}

// destinationName prefers the bare path for local files.
func destinationName(d export.Destination) string {
	if f, ok := d.(*export.FileDestination); ok {
		return f.Path()
	}
	return d.String()
}
