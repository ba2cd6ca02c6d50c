package models

import "time"

// AdherenceSummary is one row of the adherence analysis.
type AdherenceSummary struct {
	Group            Cohort  `json:"group"`
	TotalPatients    int     `json:"total_patients"`
	AdherentPatients int     `json:"adherent_patients"`
	AdherenceRate    float64 `json:"adherence_rate"`
}

// AdmissionsSummary is one row of the admissions analysis. TotalPatients counts
// patients with zero admissions too.
type AdmissionsSummary struct {
	Group             Cohort  `json:"group"`
	TotalPatients     int     `json:"total_patients"`
	TotalAdmissions   int     `json:"total_admissions"`
	AdmissionsPer1000 float64 `json:"admissions_per_1000"`
}

// SummaryFindings holds the three derived comparison metrics, rounded to 2 decimals.
type SummaryFindings struct {
	AdherenceUpliftPct          float64 `json:"adherence_uplift_pct"`
	HospitalizationReductionPct float64 `json:"hospitalization_reduction_pct"`
	CostSavings                 float64 `json:"cost_savings"`
}

// RunInfo describes the run that produced a report. It is not part of the
// exported document.
type RunInfo struct {
	RunID       string
	Seed        uint64
	GeneratedAt time.Time
}

// Report is the structured result document of one analysis run.
type Report struct {
	AdherenceAnalysis  []AdherenceSummary  `json:"adherence_analysis"`
	AdmissionsAnalysis []AdmissionsSummary `json:"admissions_analysis"`
	SummaryFindings    SummaryFindings     `json:"summary_findings"`

	Run RunInfo `json:"-"`
}

// AdherenceFor returns the adherence row for the given cohort.
func (r *Report) AdherenceFor(c Cohort) (AdherenceSummary, bool) {
	for _, row := range r.AdherenceAnalysis {
		if row.Group == c {
			return row, true
		}
	}
	return AdherenceSummary{}, false
}

// AdmissionsFor returns the admissions row for the given cohort.
func (r *Report) AdmissionsFor(c Cohort) (AdmissionsSummary, bool) {
	for _, row := range r.AdmissionsAnalysis {
		if row.Group == c {
			return row, true
		}
	}
	return AdmissionsSummary{}, false
}
