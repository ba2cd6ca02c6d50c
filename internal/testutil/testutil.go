// Package testutil provides common test fixtures and helpers for CohortPipe tests.
package testutil

import (
	"math"
	"testing"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/models"
)

// FixedAsOf is the window end date used by fixtures so generated datasets are
// reproducible regardless of when tests run.
var FixedAsOf = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

// ScenarioConfig returns the N=1000 example configuration: even split,
// threshold 0.8, rates 0.9/0.5, intensities 0.1/0.3, cost 1000.
func ScenarioConfig() config.Config {
	c := config.Default()
	c.Population = 1000
	c.CohortRatio = 0.5
	c.AdherenceThreshold = 0.8
	c.CohortARate = 0.9
	c.CohortBRate = 0.5
	c.AdherentAdmissionRate = 0.1
	c.NonAdherentAdmissionRate = 0.3
	c.CostPerAdmission = 1000
	c.AsOf = FixedAsOf
	return c
}

// SmallDataset returns a hand-built dataset with known aggregates at threshold 0.8:
//
//	cohort A (ids 1-4): 3 adherent, 2 admissions, patients 2 and 3 have none
//	cohort B (ids 5-8): 1 adherent, 4 admissions, patients 5 and 8 have none
func SmallDataset() *models.Dataset {
	day := FixedAsOf.AddDate(0, -2, 0)
	return &models.Dataset{
		Patients: []models.Patient{
			{ID: 1, Cohort: models.CohortA, Age: 66},
			{ID: 2, Cohort: models.CohortA, Age: 71},
			{ID: 3, Cohort: models.CohortA, Age: 88},
			{ID: 4, Cohort: models.CohortA, Age: 93},
			{ID: 5, Cohort: models.CohortB, Age: 65},
			{ID: 6, Cohort: models.CohortB, Age: 70},
			{ID: 7, Cohort: models.CohortB, Age: 79},
			{ID: 8, Cohort: models.CohortB, Age: 95},
		},
		Adherence: []models.AdherenceRecord{
			{PatientID: 1, Score: 0.95},
			{PatientID: 2, Score: 0.8},
			{PatientID: 3, Score: 0.8123},
			{PatientID: 4, Score: 0.41},
			{PatientID: 5, Score: 0.85},
			{PatientID: 6, Score: 0.79},
			{PatientID: 7, Score: 0.2},
			{PatientID: 8, Score: 0.55},
		},
		Admissions: []models.AdmissionEvent{
			{ID: 1, PatientID: 1, Date: day},
			{ID: 2, PatientID: 4, Date: day.AddDate(0, 0, 3)},
			{ID: 3, PatientID: 6, Date: day.AddDate(0, 0, 5)},
			{ID: 4, PatientID: 6, Date: day.AddDate(0, 0, 9)},
			{ID: 5, PatientID: 7, Date: day.AddDate(0, 0, 12)},
			{ID: 6, PatientID: 7, Date: day.AddDate(0, 1, 0)},
		},
	}
}

// SmallAdherence is the expected adherence aggregation of SmallDataset at 0.8.
func SmallAdherence() []models.AdherenceSummary {
	return []models.AdherenceSummary{
		{Group: models.CohortA, TotalPatients: 4, AdherentPatients: 3},
		{Group: models.CohortB, TotalPatients: 4, AdherentPatients: 1},
	}
}

// SmallAdmissions is the expected admissions aggregation of SmallDataset.
func SmallAdmissions() []models.AdmissionsSummary {
	return []models.AdmissionsSummary{
		{Group: models.CohortA, TotalPatients: 4, TotalAdmissions: 2},
		{Group: models.CohortB, TotalPatients: 4, TotalAdmissions: 4},
	}
}

// AssertClose fails the test if got and want differ by more than tol.
func AssertClose(t *testing.T, name string, got, want, tol float64) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (±%v)", name, got, want, tol)
	}
}

// AssertAdherenceCounts compares the count columns of two adherence aggregations.
func AssertAdherenceCounts(t *testing.T, got, want []models.AdherenceSummary) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("adherence rows = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Group != want[i].Group || got[i].TotalPatients != want[i].TotalPatients || got[i].AdherentPatients != want[i].AdherentPatients {
			t.Errorf("adherence row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// AssertAdmissionsCounts compares the count columns of two admissions aggregations.
func AssertAdmissionsCounts(t *testing.T, got, want []models.AdmissionsSummary) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("admissions rows = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Group != want[i].Group || got[i].TotalPatients != want[i].TotalPatients || got[i].TotalAdmissions != want[i].TotalAdmissions {
			t.Errorf("admissions row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
