// Package analysis turns the grouped store aggregations into the cohort
// comparison report: adherence rates, admissions per 1000 patients, and the
// derived uplift, reduction and cost-savings findings.
//
// Every function here is a pure function of its inputs. Intermediate ratios keep
// full precision; only the three summary findings are rounded.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/BTreeMap/CohortPipe/internal/store"
)

// ErrDegenerateCohort is returned when a cohort is missing or empty, or when a
// comparison denominator from cohort B is zero.
var ErrDegenerateCohort = errors.New("degenerate cohort")

// findingsPrecision is the number of decimal places kept on summary findings.
const findingsPrecision = 2

// Analyze runs both aggregations for runID against st and derives the report.
func Analyze(ctx context.Context, st store.Store, runID string, cfg config.Config) (*models.Report, error) {
	slog.Debug("Analysis Analyze: running aggregations", "runID", runID, "threshold", cfg.AdherenceThreshold)

	adherenceRows, err := st.AdherenceByCohort(ctx, runID, cfg.AdherenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("adherence analysis: %w", err)
	}
	adherence, err := AdherenceRates(adherenceRows)
	if err != nil {
		slog.Error("Analysis Analyze: adherence rates failed", "error", err, "runID", runID)
		return nil, err
	}

	admissionRows, err := st.AdmissionsByCohort(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("admissions analysis: %w", err)
	}
	admissions, err := AdmissionRates(admissionRows)
	if err != nil {
		slog.Error("Analysis Analyze: admission rates failed", "error", err, "runID", runID)
		return nil, err
	}

	findings, err := Summarize(adherence, admissions, cfg.CostPerAdmission)
	if err != nil {
		slog.Error("Analysis Analyze: summary findings failed", "error", err, "runID", runID)
		return nil, err
	}

	slog.Info("Analysis Analyze: analysis complete", "runID", runID,
		"adherence_uplift_pct", findings.AdherenceUpliftPct,
		"hospitalization_reduction_pct", findings.HospitalizationReductionPct,
		"cost_savings", findings.CostSavings)

	return &models.Report{
		AdherenceAnalysis:  adherence,
		AdmissionsAnalysis: admissions,
		SummaryFindings:    findings,
	}, nil
}

// AdherenceRates fills AdherenceRate = adherent/total × 100 on each row.
func AdherenceRates(rows []models.AdherenceSummary) ([]models.AdherenceSummary, error) {
	out := make([]models.AdherenceSummary, len(rows))
	for i, row := range rows {
		if row.TotalPatients <= 0 {
			return nil, fmt.Errorf("%w: %s has no patients in adherence analysis", ErrDegenerateCohort, row.Group)
		}
		if row.AdherentPatients < 0 || row.AdherentPatients > row.TotalPatients {
			return nil, fmt.Errorf("%w: %s has %d adherent of %d patients", models.ErrIntegrity, row.Group, row.AdherentPatients, row.TotalPatients)
		}
		row.AdherenceRate = float64(row.AdherentPatients) / float64(row.TotalPatients) * 100
		out[i] = row
	}
	return out, nil
}

// AdmissionRates fills AdmissionsPer1000 = admissions/patients × 1000 on each row.
func AdmissionRates(rows []models.AdmissionsSummary) ([]models.AdmissionsSummary, error) {
	out := make([]models.AdmissionsSummary, len(rows))
	for i, row := range rows {
		if row.TotalPatients <= 0 {
			return nil, fmt.Errorf("%w: %s has no patients in admissions analysis", ErrDegenerateCohort, row.Group)
		}
		if row.TotalAdmissions < 0 {
			return nil, fmt.Errorf("%w: %s has negative admissions", models.ErrIntegrity, row.Group)
		}
		row.AdmissionsPer1000 = float64(row.TotalAdmissions) / float64(row.TotalPatients) * 1000
		out[i] = row
	}
	return out, nil
}

// Summarize derives the three comparison findings from rate-filled rows. Cohorts
// are looked up by label; both must be present in both analyses.
func Summarize(adherence []models.AdherenceSummary, admissions []models.AdmissionsSummary, costPerAdmission float64) (models.SummaryFindings, error) {
	var zero models.SummaryFindings

	adhA, err := findAdherence(adherence, models.CohortA)
	if err != nil {
		return zero, err
	}
	adhB, err := findAdherence(adherence, models.CohortB)
	if err != nil {
		return zero, err
	}
	admA, err := findAdmissions(admissions, models.CohortA)
	if err != nil {
		return zero, err
	}
	admB, err := findAdmissions(admissions, models.CohortB)
	if err != nil {
		return zero, err
	}

	// Both joins cover every patient, so the two analyses must agree on cohort sizes.
	if adhA.TotalPatients != admA.TotalPatients || adhB.TotalPatients != admB.TotalPatients {
		return zero, fmt.Errorf("%w: adherence cohort sizes %d/%d differ from admissions cohort sizes %d/%d",
			models.ErrIntegrity, adhA.TotalPatients, adhB.TotalPatients, admA.TotalPatients, admB.TotalPatients)
	}

	if adhB.AdherenceRate == 0 {
		return zero, fmt.Errorf("%w: %s adherence rate is zero, uplift is undefined", ErrDegenerateCohort, models.CohortB)
	}
	if admB.AdmissionsPer1000 == 0 {
		return zero, fmt.Errorf("%w: %s has no admissions, reduction is undefined", ErrDegenerateCohort, models.CohortB)
	}

	uplift := (adhA.AdherenceRate/adhB.AdherenceRate - 1) * 100
	reduction := (1 - admA.AdmissionsPer1000/admB.AdmissionsPer1000) * 100
	savings := CostSavings(admA, admB, costPerAdmission)

	findings := models.SummaryFindings{
		AdherenceUpliftPct:          Round(uplift, findingsPrecision),
		HospitalizationReductionPct: Round(reduction, findingsPrecision),
		CostSavings:                 Round(savings, findingsPrecision),
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"adherence_uplift_pct", uplift},
		{"hospitalization_reduction_pct", reduction},
		{"cost_savings", savings},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return zero, fmt.Errorf("%w: %s is not finite", ErrDegenerateCohort, f.name)
		}
	}
	return findings, nil
}

// CostSavings returns the unrounded value of the admissions cohort A avoided
// relative to cohort B's rate: (per1000_B/1000 × patients_A − admissions_A) × cost.
func CostSavings(a, b models.AdmissionsSummary, costPerAdmission float64) float64 {
	expected := b.AdmissionsPer1000 / 1000 * float64(a.TotalPatients)
	avoided := expected - float64(a.TotalAdmissions)
	return avoided * costPerAdmission
}

// Round rounds half away from zero to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func findAdherence(rows []models.AdherenceSummary, c models.Cohort) (models.AdherenceSummary, error) {
	for _, row := range rows {
		if row.Group == c {
			return row, nil
		}
	}
	return models.AdherenceSummary{}, fmt.Errorf("%w: %s missing from adherence analysis", ErrDegenerateCohort, c)
}

func findAdmissions(rows []models.AdmissionsSummary, c models.Cohort) (models.AdmissionsSummary, error) {
	for _, row := range rows {
		if row.Group == c {
			return row, nil
		}
	}
	return models.AdmissionsSummary{}, fmt.Errorf("%w: %s missing from admissions analysis", ErrDegenerateCohort, c)
}
