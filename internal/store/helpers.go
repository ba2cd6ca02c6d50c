package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

// admissionDateLayout is the calendar-day format stored for admission dates.
const admissionDateLayout = "2006-01-02"

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// scanAdherenceSummary scans a (cohort, total_patients, adherent_patients) row.
func scanAdherenceSummary(rows *sql.Rows) (models.AdherenceSummary, error) {
	var s models.AdherenceSummary
	var cohort string
	if err := rows.Scan(&cohort, &s.TotalPatients, &s.AdherentPatients); err != nil {
		return s, fmt.Errorf("scan adherence summary failed: %w", err)
	}
	s.Group = models.Cohort(cohort)
	return s, nil
}

// scanAdmissionsSummary scans a (cohort, total_patients, total_admissions) row.
func scanAdmissionsSummary(rows *sql.Rows) (models.AdmissionsSummary, error) {
	var s models.AdmissionsSummary
	var cohort string
	if err := rows.Scan(&cohort, &s.TotalPatients, &s.TotalAdmissions); err != nil {
		return s, fmt.Errorf("scan admissions summary failed: %w", err)
	}
	s.Group = models.Cohort(cohort)
	return s, nil
}

// queryAdherenceSummaries runs an adherence aggregation and collects its rows.
func queryAdherenceSummaries(ctx context.Context, q queryer, query string, args ...interface{}) ([]models.AdherenceSummary, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("adherence aggregation query failed: %w", err)
	}
	defer rows.Close()

	var out []models.AdherenceSummary
	for rows.Next() {
		s, err := scanAdherenceSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("adherence aggregation iteration failed: %w", err)
	}
	return out, nil
}

// queryAdmissionsSummaries runs an admissions aggregation and collects its rows.
func queryAdmissionsSummaries(ctx context.Context, q queryer, query string, args ...interface{}) ([]models.AdmissionsSummary, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("admissions aggregation query failed: %w", err)
	}
	defer rows.Close()

	var out []models.AdmissionsSummary
	for rows.Next() {
		s, err := scanAdmissionsSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("admissions aggregation iteration failed: %w", err)
	}
	return out, nil
}

// purgeRun deletes a run's rows child tables first.
func purgeRun(ctx context.Context, db execer, statements []string, runID string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt, runID); err != nil {
			return fmt.Errorf("purge run %s failed: %w", runID, err)
		}
	}
	return nil
}
