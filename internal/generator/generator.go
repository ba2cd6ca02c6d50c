// Package generator synthesizes the patient, adherence and admission record sets
// for one CohortPipe run.
//
// All randomness flows from a single math/rand/v2 source: gofakeit draws ages,
// scores and dates, and gonum draws the Poisson admission counts. Passing a
// seeded source makes the whole dataset reproducible.
package generator

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/BTreeMap/CohortPipe/internal/util"
	"github.com/brianvoe/gofakeit/v7"
	"gonum.org/v1/gonum/stat/distuv"
)

// scorePrecision is the number of decimal places kept on PDC scores.
const scorePrecision = 4

// Generator draws synthetic records for a fixed configuration.
type Generator struct {
	cfg   config.Config
	faker *gofakeit.Faker
	src   rand.Source
}

// New creates a generator. cfg must already be valid; a zero AsOf is resolved to
// today. A nil src is replaced by a source seeded from cfg.Seed.
func New(cfg config.Config, src rand.Source) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		slog.Error("Generator New: invalid configuration", "error", err)
		return nil, err
	}
	cfg = cfg.Resolve(time.Now())
	if src == nil {
		var seed uint64
		src, seed = util.NewSource(cfg.Seed)
		slog.Debug("Generator New: created random source", "seed", seed)
	}
	return &Generator{
		cfg:   cfg,
		faker: gofakeit.NewFaker(src, false),
		src:   src,
	}, nil
}

// Generate is a convenience wrapper for New followed by Run.
func Generate(cfg config.Config, src rand.Source) (*models.Dataset, error) {
	g, err := New(cfg, src)
	if err != nil {
		return nil, err
	}
	return g.Run()
}

// Run produces the three record sets. The phases run in order because each draws
// from the shared source: patients, then adherence, then admissions.
func (g *Generator) Run() (*models.Dataset, error) {
	slog.Info("Generator Run: generating synthetic data", "population", g.cfg.Population, "cohort_a", g.cfg.CohortACount())

	patients := g.generatePatients()
	adherence := g.generateAdherence(patients)
	admissions, err := g.generateAdmissions(adherence)
	if err != nil {
		return nil, err
	}

	ds := &models.Dataset{Patients: patients, Adherence: adherence, Admissions: admissions}
	if err := ds.Validate(); err != nil {
		slog.Error("Generator Run: generated dataset failed validation", "error", err)
		return nil, fmt.Errorf("generated dataset is inconsistent: %w", err)
	}

	slog.Info("Generator Run: data generation complete",
		"patients", len(patients), "adherence_records", len(adherence), "admissions", len(admissions))
	return ds, nil
}

// generatePatients assigns the first floor(N*r) ids to cohort A and the rest to B.
func (g *Generator) generatePatients() []models.Patient {
	nA := g.cfg.CohortACount()
	patients := make([]models.Patient, 0, g.cfg.Population)
	for id := 1; id <= g.cfg.Population; id++ {
		cohort := models.CohortB
		if id <= nA {
			cohort = models.CohortA
		}
		patients = append(patients, models.Patient{
			ID:     id,
			Cohort: cohort,
			Age:    g.faker.IntRange(g.cfg.AgeMin, g.cfg.AgeMax),
		})
	}
	slog.Debug("Generator generatePatients: patients assigned", "count", len(patients), "cohort_a", nA)
	return patients
}

// generateAdherence draws one PDC score per patient. With probability equal to the
// cohort's target rate the score falls in [threshold, 1], otherwise in
// [ScoreFloor, threshold-ScoreEpsilon].
func (g *Generator) generateAdherence(patients []models.Patient) []models.AdherenceRecord {
	threshold := g.cfg.AdherenceThreshold
	// At the minimum threshold threshold-ScoreEpsilon can land a hair below the floor.
	lowMax := math.Max(threshold-config.ScoreEpsilon, config.ScoreFloor)
	records := make([]models.AdherenceRecord, 0, len(patients))
	for _, p := range patients {
		target := g.cfg.TargetRate(p.Cohort == models.CohortA)
		var score float64
		if g.faker.Float64() < target {
			score = roundTo(g.faker.Float64Range(threshold, 1.0), scorePrecision)
			if score < threshold {
				score = threshold
			}
		} else {
			score = roundTo(g.faker.Float64Range(config.ScoreFloor, lowMax), scorePrecision)
			if score >= threshold {
				score = lowMax
			}
		}
		records = append(records, models.AdherenceRecord{PatientID: p.ID, Score: score})
	}
	return records
}

// generateAdmissions draws a Poisson event count per patient, with the mean chosen
// by adherence status, and dates each event uniformly within the trailing window.
func (g *Generator) generateAdmissions(adherence []models.AdherenceRecord) ([]models.AdmissionEvent, error) {
	adherent := distuv.Poisson{Lambda: g.cfg.AdherentAdmissionRate, Src: g.src}
	nonAdherent := distuv.Poisson{Lambda: g.cfg.NonAdherentAdmissionRate, Src: g.src}

	start := g.cfg.WindowStart()
	// DateRange is inclusive at both ends; stop just short of the next day so
	// every draw truncates to a day within [start, AsOf].
	end := g.cfg.AsOf.Add(24*time.Hour - time.Nanosecond)

	var events []models.AdmissionEvent
	nextID := 1
	for _, rec := range adherence {
		dist := nonAdherent
		if rec.IsAdherent(g.cfg.AdherenceThreshold) {
			dist = adherent
		}
		n := dist.Rand()
		if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("poisson draw for patient %d returned %v", rec.PatientID, n)
		}
		for i := 0; i < int(n); i++ {
			events = append(events, models.AdmissionEvent{
				ID:        nextID,
				PatientID: rec.PatientID,
				Date:      g.faker.DateRange(start, end).UTC().Truncate(24 * time.Hour),
			})
			nextID++
		}
	}
	return events, nil
}

// roundTo rounds half away from zero to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
