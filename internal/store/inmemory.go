package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore computes the grouped aggregations directly over the loaded
// records. It mirrors the SQL semantics (inner join for adherence, outer join
// for admissions) and is used to cross-check the SQL backends.
type InMemoryStore struct {
	mu   sync.Mutex
	runs map[string]*models.Dataset
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]*models.Dataset)}
}

func (s *InMemoryStore) Load(ctx context.Context, runID string, ds *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return fmt.Errorf("run %s already loaded", runID)
	}
	s.runs[runID] = ds
	return nil
}

func (s *InMemoryStore) AdherenceByCohort(ctx context.Context, runID string, threshold float64) ([]models.AdherenceSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotLoaded, runID)
	}

	cohortOf := make(map[int]models.Cohort, len(ds.Patients))
	for _, p := range ds.Patients {
		cohortOf[p.ID] = p.Cohort
	}
	rows := make(map[models.Cohort]*models.AdherenceSummary)
	for _, a := range ds.Adherence {
		cohort, ok := cohortOf[a.PatientID]
		if !ok {
			continue
		}
		row := rows[cohort]
		if row == nil {
			row = &models.AdherenceSummary{Group: cohort}
			rows[cohort] = row
		}
		row.TotalPatients++
		if a.IsAdherent(threshold) {
			row.AdherentPatients++
		}
	}

	out := make([]models.AdherenceSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}

func (s *InMemoryStore) AdmissionsByCohort(ctx context.Context, runID string) ([]models.AdmissionsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotLoaded, runID)
	}

	cohortOf := make(map[int]models.Cohort, len(ds.Patients))
	rows := make(map[models.Cohort]*models.AdmissionsSummary)
	for _, p := range ds.Patients {
		cohortOf[p.ID] = p.Cohort
		row := rows[p.Cohort]
		if row == nil {
			row = &models.AdmissionsSummary{Group: p.Cohort}
			rows[p.Cohort] = row
		}
		row.TotalPatients++
	}
	for _, e := range ds.Admissions {
		if cohort, ok := cohortOf[e.PatientID]; ok {
			rows[cohort].TotalAdmissions++
		}
	}

	out := make([]models.AdmissionsSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out, nil
}

func (s *InMemoryStore) Purge(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
