// Package store provides storage backends for CohortPipe.
//
// This file implements an SQLite-backed store. The default DSN keeps the database
// in process memory for the lifetime of one run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/CohortPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

const sqliteAdherenceQuery = `
	SELECT p.cohort,
	       COUNT(*) AS total_patients,
	       COALESCE(SUM(CASE WHEN ma.pdc_score >= ? THEN 1 ELSE 0 END), 0) AS adherent_patients
	FROM patients p
	JOIN medication_adherence ma ON ma.run_id = p.run_id AND ma.patient_id = p.patient_id
	WHERE p.run_id = ?
	GROUP BY p.cohort
	ORDER BY p.cohort`

const sqliteAdmissionsQuery = `
	SELECT p.cohort,
	       COUNT(DISTINCT p.patient_id) AS total_patients,
	       COUNT(ha.admission_id) AS total_admissions
	FROM patients p
	LEFT JOIN hospital_admissions ha ON ha.run_id = p.run_id AND ha.patient_id = p.patient_id
	WHERE p.run_id = ?
	GROUP BY p.cohort
	ORDER BY p.cohort`

var sqlitePurgeStatements = []string{
	`DELETE FROM hospital_admissions WHERE run_id = ?`,
	`DELETE FROM medication_adherence WHERE run_id = ?`,
	`DELETE FROM patients WHERE run_id = ?`,
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be ":memory:" or a file path to the SQLite database file.
// If the directory of a file DSN doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	inMemory := isSQLiteMemoryDSN(dsn)
	if !inMemory {
		// Ensure the directory exists
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	slog.Debug("Opening SQLite database connection", "in_memory", inMemory)
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if inMemory {
		// Every new connection to ":memory:" is a separate empty database.
		db.SetMaxOpenConns(1)
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// isSQLiteMemoryDSN reports whether dsn names a private in-memory database.
func isSQLiteMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}

// withForeignKeys turns on foreign key enforcement through the driver DSN.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// Load inserts the dataset with prepared statements inside one transaction.
func (s *SQLiteStore) Load(ctx context.Context, runID string, ds *models.Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore Load begin failed", "error", err, "runID", runID)
		return fmt.Errorf("begin load transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sqliteInsertAll(ctx, tx, runID, ds); err != nil {
		slog.Error("SQLiteStore Load failed", "error", err, "runID", runID)
		return err
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore Load commit failed", "error", err, "runID", runID)
		return fmt.Errorf("commit load transaction: %w", err)
	}
	slog.Debug("SQLiteStore Load succeeded", "runID", runID,
		"patients", len(ds.Patients), "adherence", len(ds.Adherence), "admissions", len(ds.Admissions))
	return nil
}

func sqliteInsertAll(ctx context.Context, tx *sql.Tx, runID string, ds *models.Dataset) error {
	patientStmt, err := tx.PrepareContext(ctx, `INSERT INTO patients (run_id, patient_id, cohort, age) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare patient insert: %w", err)
	}
	defer patientStmt.Close()
	for _, p := range ds.Patients {
		if _, err := patientStmt.ExecContext(ctx, runID, p.ID, string(p.Cohort), p.Age); err != nil {
			return fmt.Errorf("failed to insert patient %d: %w", p.ID, err)
		}
	}

	adherenceStmt, err := tx.PrepareContext(ctx, `INSERT INTO medication_adherence (run_id, patient_id, pdc_score) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare adherence insert: %w", err)
	}
	defer adherenceStmt.Close()
	for _, a := range ds.Adherence {
		if _, err := adherenceStmt.ExecContext(ctx, runID, a.PatientID, a.Score); err != nil {
			return fmt.Errorf("failed to insert adherence for patient %d: %w", a.PatientID, err)
		}
	}

	admissionStmt, err := tx.PrepareContext(ctx, `INSERT INTO hospital_admissions (run_id, admission_id, patient_id, admission_date) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare admission insert: %w", err)
	}
	defer admissionStmt.Close()
	for _, e := range ds.Admissions {
		if _, err := admissionStmt.ExecContext(ctx, runID, e.ID, e.PatientID, e.Date.Format(admissionDateLayout)); err != nil {
			return fmt.Errorf("failed to insert admission %d: %w", e.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) AdherenceByCohort(ctx context.Context, runID string, threshold float64) ([]models.AdherenceSummary, error) {
	out, err := queryAdherenceSummaries(ctx, s.db, sqliteAdherenceQuery, threshold, runID)
	if err != nil {
		slog.Error("SQLiteStore AdherenceByCohort failed", "error", err, "runID", runID)
		return nil, err
	}
	slog.Debug("SQLiteStore AdherenceByCohort succeeded", "runID", runID, "groups", len(out))
	return out, nil
}

func (s *SQLiteStore) AdmissionsByCohort(ctx context.Context, runID string) ([]models.AdmissionsSummary, error) {
	out, err := queryAdmissionsSummaries(ctx, s.db, sqliteAdmissionsQuery, runID)
	if err != nil {
		slog.Error("SQLiteStore AdmissionsByCohort failed", "error", err, "runID", runID)
		return nil, err
	}
	slog.Debug("SQLiteStore AdmissionsByCohort succeeded", "runID", runID, "groups", len(out))
	return out, nil
}

// Purge deletes all records of a run.
func (s *SQLiteStore) Purge(ctx context.Context, runID string) error {
	if err := purgeRun(ctx, s.db, sqlitePurgeStatements, runID); err != nil {
		slog.Error("SQLiteStore Purge failed", "error", err, "runID", runID)
		return err
	}
	slog.Debug("SQLiteStore Purge succeeded", "runID", runID)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
