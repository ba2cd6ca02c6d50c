// Package models defines the core data structures for CohortPipe.
//
// It includes the synthetic entities (patients, adherence records, admission events)
// and the report types shared across the generator, store, analysis and export modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Cohort identifies one of the two patient groups being compared.
type Cohort string

const (
	// CohortA is the intervention analogue. It sorts before CohortB.
	CohortA Cohort = "Group 1"
	// CohortB is the control analogue.
	CohortB Cohort = "Group 2"
)

// Cohorts lists the cohorts in report order.
var Cohorts = []Cohort{CohortA, CohortB}

// IsValidCohort checks if the given cohort label is one of the two known cohorts.
func IsValidCohort(c Cohort) bool {
	switch c {
	case CohortA, CohortB:
		return true
	default:
		return false
	}
}

// Error variables for dataset integrity checks
var (
	ErrIntegrity       = errors.New("dataset integrity violation")
	ErrEmptyDataset    = errors.New("dataset has no patients")
	ErrScoreOutOfRange = errors.New("adherence score outside [0,1]")
)

// Patient is a synthetic trial participant.
type Patient struct {
	ID     int    `json:"patient_id"`
	Cohort Cohort `json:"assigned_group"`
	Age    int    `json:"age"`
}

// AdherenceRecord holds the proportion-of-days-covered score of one patient.
type AdherenceRecord struct {
	PatientID int     `json:"patient_id"`
	Score     float64 `json:"pdc_score"`
}

// IsAdherent reports whether the score clears the given threshold.
func (r AdherenceRecord) IsAdherent(threshold float64) bool {
	return r.Score >= threshold
}

// AdmissionEvent is a single hospital admission.
type AdmissionEvent struct {
	ID        int       `json:"admission_id"`
	PatientID int       `json:"patient_id"`
	Date      time.Time `json:"admission_date"`
}

// Dataset bundles the three record sets produced by one generation run.
// Records are immutable once generated.
type Dataset struct {
	Patients   []Patient         `json:"patients"`
	Adherence  []AdherenceRecord `json:"medication_adherence"`
	Admissions []AdmissionEvent  `json:"hospital_admissions"`
}

// CohortSizes returns the number of patients in each cohort.
func (d *Dataset) CohortSizes() map[Cohort]int {
	sizes := make(map[Cohort]int, len(Cohorts))
	for _, p := range d.Patients {
		sizes[p.Cohort]++
	}
	return sizes
}

// Validate checks the relational invariants of the dataset: patient and admission
// ids are dense sequences starting at 1, every adherence and admission record
// references an existing patient, and adherence is 1:1 with patients.
func (d *Dataset) Validate() error {
	if len(d.Patients) == 0 {
		return ErrEmptyDataset
	}

	for i, p := range d.Patients {
		if p.ID != i+1 {
			return fmt.Errorf("%w: patient at position %d has id %d, want %d", ErrIntegrity, i, p.ID, i+1)
		}
		if !IsValidCohort(p.Cohort) {
			return fmt.Errorf("%w: patient %d has unknown cohort %q", ErrIntegrity, p.ID, p.Cohort)
		}
	}
	known := func(id int) bool { return id >= 1 && id <= len(d.Patients) }

	if len(d.Adherence) != len(d.Patients) {
		return fmt.Errorf("%w: %d adherence records for %d patients", ErrIntegrity, len(d.Adherence), len(d.Patients))
	}
	seen := make([]bool, len(d.Patients)+1)
	for _, a := range d.Adherence {
		if !known(a.PatientID) {
			return fmt.Errorf("%w: adherence record references unknown patient %d", ErrIntegrity, a.PatientID)
		}
		if seen[a.PatientID] {
			return fmt.Errorf("%w: duplicate adherence record for patient %d", ErrIntegrity, a.PatientID)
		}
		seen[a.PatientID] = true
		if a.Score < 0 || a.Score > 1 {
			return fmt.Errorf("%w: patient %d score %v", ErrScoreOutOfRange, a.PatientID, a.Score)
		}
	}

	for i, e := range d.Admissions {
		if e.ID != i+1 {
			return fmt.Errorf("%w: admission at position %d has id %d, want %d", ErrIntegrity, i, e.ID, i+1)
		}
		if !known(e.PatientID) {
			return fmt.Errorf("%w: admission %d references unknown patient %d", ErrIntegrity, e.ID, e.PatientID)
		}
	}
	return nil
}
