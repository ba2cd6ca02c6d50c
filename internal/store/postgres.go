// Package store provides storage backends for CohortPipe.
//
// This file implements a PostgreSQL-backed store. Rows are bulk loaded with COPY
// and schema changes are applied with golang-migrate.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 5
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 2
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

const postgresAdherenceQuery = `
	SELECT p.cohort,
	       COUNT(*) AS total_patients,
	       COALESCE(SUM(CASE WHEN ma.pdc_score >= $1 THEN 1 ELSE 0 END), 0) AS adherent_patients
	FROM patients p
	JOIN medication_adherence ma ON ma.run_id = p.run_id AND ma.patient_id = p.patient_id
	WHERE p.run_id = $2
	GROUP BY p.cohort
	ORDER BY p.cohort COLLATE "C"`

const postgresAdmissionsQuery = `
	SELECT p.cohort,
	       COUNT(DISTINCT p.patient_id) AS total_patients,
	       COUNT(ha.admission_id) AS total_admissions
	FROM patients p
	LEFT JOIN hospital_admissions ha ON ha.run_id = p.run_id AND ha.patient_id = p.patient_id
	WHERE p.run_id = $1
	GROUP BY p.cohort
	ORDER BY p.cohort COLLATE "C"`

var postgresPurgeStatements = []string{
	`DELETE FROM hospital_admissions WHERE run_id = $1`,
	`DELETE FROM medication_adherence WHERE run_id = $1`,
	`DELETE FROM patients WHERE run_id = $1`,
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	slog.Debug("Running Postgres migrations")
	if err := runPostgresMigrations(db); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already open database handle without running
// migrations.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runPostgresMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "cohortpipe_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Load streams the dataset into Postgres with COPY inside one transaction.
func (s *PostgresStore) Load(ctx context.Context, runID string, ds *models.Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("PostgresStore Load begin failed", "error", err, "runID", runID)
		return fmt.Errorf("begin load transaction: %w", err)
	}
	defer tx.Rollback()

	patientRows := make([][]interface{}, 0, len(ds.Patients))
	for _, p := range ds.Patients {
		patientRows = append(patientRows, []interface{}{runID, p.ID, string(p.Cohort), p.Age})
	}
	if err := copyRows(ctx, tx, "patients", []string{"run_id", "patient_id", "cohort", "age"}, patientRows); err != nil {
		slog.Error("PostgresStore Load patients failed", "error", err, "runID", runID)
		return err
	}

	adherenceRows := make([][]interface{}, 0, len(ds.Adherence))
	for _, a := range ds.Adherence {
		adherenceRows = append(adherenceRows, []interface{}{runID, a.PatientID, a.Score})
	}
	if err := copyRows(ctx, tx, "medication_adherence", []string{"run_id", "patient_id", "pdc_score"}, adherenceRows); err != nil {
		slog.Error("PostgresStore Load adherence failed", "error", err, "runID", runID)
		return err
	}

	admissionRows := make([][]interface{}, 0, len(ds.Admissions))
	for _, e := range ds.Admissions {
		admissionRows = append(admissionRows, []interface{}{runID, e.ID, e.PatientID, e.Date.Format(admissionDateLayout)})
	}
	if err := copyRows(ctx, tx, "hospital_admissions", []string{"run_id", "admission_id", "patient_id", "admission_date"}, admissionRows); err != nil {
		slog.Error("PostgresStore Load admissions failed", "error", err, "runID", runID)
		return err
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore Load commit failed", "error", err, "runID", runID)
		return fmt.Errorf("commit load transaction: %w", err)
	}
	slog.Debug("PostgresStore Load succeeded", "runID", runID,
		"patients", len(ds.Patients), "adherence", len(ds.Adherence), "admissions", len(ds.Admissions))
	return nil
}

// copyRows runs one COPY FROM STDIN for table. The final argument-less Exec
// flushes the buffered rows.
func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]interface{}) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("prepare copy into %s: %w", table, err)
	}
	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return fmt.Errorf("copy row %d into %s: %w", i, table, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush copy into %s: %w", table, err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy into %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) AdherenceByCohort(ctx context.Context, runID string, threshold float64) ([]models.AdherenceSummary, error) {
	out, err := queryAdherenceSummaries(ctx, s.db, postgresAdherenceQuery, threshold, runID)
	if err != nil {
		slog.Error("PostgresStore AdherenceByCohort failed", "error", err, "runID", runID)
		return nil, err
	}
	slog.Debug("PostgresStore AdherenceByCohort succeeded", "runID", runID, "groups", len(out))
	return out, nil
}

func (s *PostgresStore) AdmissionsByCohort(ctx context.Context, runID string) ([]models.AdmissionsSummary, error) {
	out, err := queryAdmissionsSummaries(ctx, s.db, postgresAdmissionsQuery, runID)
	if err != nil {
		slog.Error("PostgresStore AdmissionsByCohort failed", "error", err, "runID", runID)
		return nil, err
	}
	slog.Debug("PostgresStore AdmissionsByCohort succeeded", "runID", runID, "groups", len(out))
	return out, nil
}

// Purge deletes all records of a run.
func (s *PostgresStore) Purge(ctx context.Context, runID string) error {
	if err := purgeRun(ctx, s.db, postgresPurgeStatements, runID); err != nil {
		slog.Error("PostgresStore Purge failed", "error", err, "runID", runID)
		return err
	}
	slog.Debug("PostgresStore Purge succeeded", "runID", runID)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	} else {
		slog.Debug("Postgres database connection closed successfully")
	}
	return err
}
