package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/DATA-DOG/go-sqlmock"
)

// newMockDB creates a sqlmock database with exact query matching, automatic
// cleanup and expectation checking.
func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func TestPostgresAdherenceByCohort(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery(postgresAdherenceQuery).WithArgs(0.8, "run_1").
		WillReturnRows(sqlmock.NewRows([]string{"cohort", "total_patients", "adherent_patients"}).
			AddRow("Group 1", 8292, 6220).
			AddRow("Group 2", 8708, 4840))

	got, err := s.AdherenceByCohort(context.Background(), "run_1", 0.8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []models.AdherenceSummary{
		{Group: models.CohortA, TotalPatients: 8292, AdherentPatients: 6220},
		{Group: models.CohortB, TotalPatients: 8708, AdherentPatients: 4840},
	}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("AdherenceByCohort() = %+v, want %+v", got, want)
	}
}

func TestPostgresAdmissionsByCohort(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery(postgresAdmissionsQuery).WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows([]string{"cohort", "total_patients", "total_admissions"}).
			AddRow("Group 1", 500, 61).
			AddRow("Group 2", 500, 98))

	got, err := s.AdmissionsByCohort(context.Background(), "run_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Group != models.CohortA || got[1].TotalAdmissions != 98 {
		t.Errorf("AdmissionsByCohort() = %+v", got)
	}
}

func TestPostgresQueryErrorPropagates(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	boom := errors.New("connection reset")
	mock.ExpectQuery(postgresAdmissionsQuery).WithArgs("run_1").WillReturnError(boom)

	if _, err := s.AdmissionsByCohort(context.Background(), "run_1"); !errors.Is(err, boom) {
		t.Errorf("AdmissionsByCohort() error = %v, want wrapped %v", err, boom)
	}
}

func TestPostgresScanErrorPropagates(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectQuery(postgresAdherenceQuery).WithArgs(0.8, "run_1").
		WillReturnRows(sqlmock.NewRows([]string{"cohort", "total_patients", "adherent_patients"}).
			AddRow("Group 1", "many", 3))

	if _, err := s.AdherenceByCohort(context.Background(), "run_1", 0.8); err == nil {
		t.Error("expected scan error for non-numeric count")
	}
}

func TestPostgresRowIterationErrorPropagates(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	iterErr := errors.New("row stream broken")
	mock.ExpectQuery(postgresAdmissionsQuery).WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows([]string{"cohort", "total_patients", "total_admissions"}).
			AddRow("Group 1", 1, 0).
			RowError(0, iterErr))

	if _, err := s.AdmissionsByCohort(context.Background(), "run_1"); !errors.Is(err, iterErr) {
		t.Errorf("AdmissionsByCohort() error = %v, want wrapped %v", err, iterErr)
	}
}

func TestPostgresPurge(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	for _, stmt := range postgresPurgeStatements {
		mock.ExpectExec(stmt).WithArgs("run_1").WillReturnResult(sqlmock.NewResult(0, 3))
	}
	if err := s.Purge(context.Background(), "run_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPostgresPurgeStopsOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectExec(postgresPurgeStatements[0]).WithArgs("run_1").WillReturnError(errors.New("locked"))
	if err := s.Purge(context.Background(), "run_1"); err == nil {
		t.Error("expected purge error")
	}
}

func TestPostgresLoadRollsBackOnCopyError(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectPrepare(`COPY "patients" ("run_id", "patient_id", "cohort", "age") FROM STDIN`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	ds := &models.Dataset{
		Patients:  []models.Patient{{ID: 1, Cohort: models.CohortA, Age: 70}},
		Adherence: []models.AdherenceRecord{{PatientID: 1, Score: 0.9}},
	}
	if err := s.Load(context.Background(), "run_1", ds); err == nil {
		t.Error("expected load error")
	}
}
