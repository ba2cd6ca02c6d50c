// Package metrics records per-run Prometheus gauges and writes them in the
// node-exporter textfile format.
//
// Each run owns its registry; nothing is registered on the global default
// registry, so tests and repeated runs in one process never collide.
package metrics

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

const namespace = "cohortpipe"

// Finding label values of the findings gauge.
const (
	FindingAdherenceUplift          = "adherence_uplift_pct"
	FindingHospitalizationReduction = "hospitalization_reduction_pct"
	FindingCostSavings              = "cost_savings"
)

// RunMetrics holds the gauges of one pipeline run.
type RunMetrics struct {
	registry *prometheus.Registry

	// Info is always 1 and carries the run ID and seed as labels.
	Info *prometheus.GaugeVec
	// Patients is the generated patient count per cohort.
	Patients *prometheus.GaugeVec
	// AdherentPatients is the adherent patient count per cohort.
	AdherentPatients *prometheus.GaugeVec
	// Admissions is the generated admission count per cohort.
	Admissions *prometheus.GaugeVec
	// Findings holds the three rounded summary findings.
	Findings *prometheus.GaugeVec
	// StageSeconds is the wall time of each pipeline stage.
	StageSeconds *prometheus.GaugeVec
}

// New creates the run gauges on a fresh registry.
func New() *RunMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &RunMetrics{
		registry: reg,
		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Identifies the run the other series belong to",
		}, []string{"run_id", "seed"}),
		Patients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "patients",
			Help:      "Generated patients by cohort",
		}, []string{"cohort"}),
		AdherentPatients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "adherent_patients",
			Help:      "Patients with an adherence score at or above the threshold by cohort",
		}, []string{"cohort"}),
		Admissions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admissions",
			Help:      "Generated hospital admissions by cohort",
		}, []string{"cohort"}),
		Findings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finding",
			Help:      "Summary findings of the cohort comparison",
		}, []string{"finding"}),
		StageSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage in seconds",
		}, []string{"stage"}),
	}
}

// Registry returns the run's registry.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetRunInfo records the run identity.
func (m *RunMetrics) SetRunInfo(runID string, seed uint64) {
	m.Info.WithLabelValues(runID, strconv.FormatUint(seed, 10)).Set(1)
}

// ObserveDataset records generated patient and admission counts per cohort.
func (m *RunMetrics) ObserveDataset(ds *models.Dataset) {
	cohortOf := make([]models.Cohort, len(ds.Patients)+1)
	admissions := make(map[models.Cohort]int, len(models.Cohorts))
	for _, p := range ds.Patients {
		if p.ID > 0 && p.ID < len(cohortOf) {
			cohortOf[p.ID] = p.Cohort
		}
	}
	for _, e := range ds.Admissions {
		if e.PatientID > 0 && e.PatientID < len(cohortOf) {
			admissions[cohortOf[e.PatientID]]++
		}
	}

	sizes := ds.CohortSizes()
	for _, c := range models.Cohorts {
		m.Patients.WithLabelValues(string(c)).Set(float64(sizes[c]))
		m.Admissions.WithLabelValues(string(c)).Set(float64(admissions[c]))
	}
}

// ObserveReport records adherent counts and the summary findings.
func (m *RunMetrics) ObserveReport(r *models.Report) {
	for _, row := range r.AdherenceAnalysis {
		m.AdherentPatients.WithLabelValues(string(row.Group)).Set(float64(row.AdherentPatients))
	}
	m.Findings.WithLabelValues(FindingAdherenceUplift).Set(r.SummaryFindings.AdherenceUpliftPct)
	m.Findings.WithLabelValues(FindingHospitalizationReduction).Set(r.SummaryFindings.HospitalizationReductionPct)
	m.Findings.WithLabelValues(FindingCostSavings).Set(r.SummaryFindings.CostSavings)
}

// ObserveStage records how long a stage took.
func (m *RunMetrics) ObserveStage(stage string, d time.Duration) {
	m.StageSeconds.WithLabelValues(stage).Set(d.Seconds())
}

// WriteTextfile writes all gauges to path in the text exposition format. The
// file is replaced atomically.
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		slog.Error("RunMetrics WriteTextfile: failed to write metrics", "error", err, "path", path)
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	slog.Debug("RunMetrics WriteTextfile: metrics written", "path", path)
	return nil
}
