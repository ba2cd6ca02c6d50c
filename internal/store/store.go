// Package store provides the relational backends CohortPipe aggregates over.
//
// A run loads its generated dataset under a run ID, executes the two fixed grouped
// aggregations, and purges its rows before the store is closed. SQLite (in memory
// by default) and PostgreSQL are interchangeable; an in-memory Go implementation
// serves as a reference backend.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

// ErrRunNotLoaded is returned by InMemoryStore when a run ID has no loaded dataset.
// The SQL backends cannot tell an unknown run from an empty one and return no rows.
var ErrRunNotLoaded = errors.New("run not loaded")

// Store is the relational structure the aggregator queries.
type Store interface {
	// Load inserts all three record sets of ds under runID in one transaction.
	Load(ctx context.Context, runID string, ds *models.Dataset) error

	// AdherenceByCohort counts patients and patients with score >= threshold per
	// cohort, ordered by cohort label. Rates are left for the caller to derive.
	AdherenceByCohort(ctx context.Context, runID string, threshold float64) ([]models.AdherenceSummary, error)

	// AdmissionsByCohort counts patients (including those without admissions) and
	// admissions per cohort, ordered by cohort label.
	AdmissionsByCohort(ctx context.Context, runID string) ([]models.AdmissionsSummary, error)

	// Purge deletes every row belonging to runID.
	Purge(ctx context.Context, runID string) error

	// Close releases the underlying connection.
	Close() error
}

// DSN type names returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeInMemory = "inmem"
)

// DefaultSQLiteDSN keeps the whole relational store in process memory.
const DefaultSQLiteDSN = ":memory:"

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path (or ":memory:").
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as postgres, inmem or sqlite. Anything that is
// not recognizably Postgres or the inmem keyword is treated as a SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(d, "host=") && strings.Contains(d, "dbname="):
		return DSNTypePostgres
	case d == DSNTypeInMemory:
		return DSNTypeInMemory
	default:
		return DSNTypeSQLite
	}
}

// Open returns the backend matching dsn. An empty DSN selects in-memory SQLite.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = DefaultSQLiteDSN
	}
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	case DSNTypeInMemory:
		return NewInMemoryStore(), nil
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
