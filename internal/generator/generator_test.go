package generator

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/models"
	"github.com/BTreeMap/CohortPipe/internal/util"
	"gonum.org/v1/gonum/stat/distuv"
)

var asOf = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)

// scenarioConfig is the N=1000 example configuration.
func scenarioConfig() config.Config {
	c := config.Default()
	c.Population = 1000
	c.CohortRatio = 0.5
	c.AdherenceThreshold = 0.8
	c.CohortARate = 0.9
	c.CohortBRate = 0.5
	c.AdherentAdmissionRate = 0.1
	c.NonAdherentAdmissionRate = 0.3
	c.CostPerAdmission = 1000
	c.AsOf = asOf
	return c
}

func generateSeeded(t *testing.T, cfg config.Config, seed uint64) *models.Dataset {
	t.Helper()
	src, _ := util.NewSource(seed)
	ds, err := Generate(cfg, src)
	if err != nil {
		t.Fatalf("Generate() unexpected error: %v", err)
	}
	return ds
}

func TestGenerateIDsAreDense(t *testing.T) {
	ds := generateSeeded(t, scenarioConfig(), 1)

	if len(ds.Patients) != 1000 {
		t.Fatalf("patients = %d, want 1000", len(ds.Patients))
	}
	for i, p := range ds.Patients {
		if p.ID != i+1 {
			t.Fatalf("patient %d has id %d", i, p.ID)
		}
	}
	if len(ds.Admissions) == 0 {
		t.Fatal("expected some admissions")
	}
	for i, e := range ds.Admissions {
		if e.ID != i+1 {
			t.Fatalf("admission %d has id %d", i, e.ID)
		}
	}
}

func TestGenerateReferentialIntegrity(t *testing.T) {
	ds := generateSeeded(t, scenarioConfig(), 2)
	if err := ds.Validate(); err != nil {
		t.Fatalf("dataset invalid: %v", err)
	}

	ids := make(map[int]bool, len(ds.Patients))
	for _, p := range ds.Patients {
		ids[p.ID] = true
	}
	for _, a := range ds.Adherence {
		if !ids[a.PatientID] {
			t.Errorf("adherence references unknown patient %d", a.PatientID)
		}
	}
	for _, e := range ds.Admissions {
		if !ids[e.PatientID] {
			t.Errorf("admission %d references unknown patient %d", e.ID, e.PatientID)
		}
	}
}

func TestGenerateCohortSplit(t *testing.T) {
	tests := []struct {
		name       string
		population int
		ratio      float64
		wantA      int
	}{
		{"even split", 1000, 0.5, 500},
		{"default ratio floors", 17000, config.DefaultCohortRatio, 8292},
		{"odd population floors", 7, 0.5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioConfig()
			cfg.Population = tt.population
			cfg.CohortRatio = tt.ratio
			ds := generateSeeded(t, cfg, 3)

			sizes := ds.CohortSizes()
			if sizes[models.CohortA] != tt.wantA {
				t.Errorf("cohort A = %d, want %d", sizes[models.CohortA], tt.wantA)
			}
			if sizes[models.CohortA]+sizes[models.CohortB] != tt.population {
				t.Errorf("cohort sizes %v do not sum to %d", sizes, tt.population)
			}
			// Assignment is by index, not random.
			for _, p := range ds.Patients {
				wantA := p.ID <= tt.wantA
				if (p.Cohort == models.CohortA) != wantA {
					t.Fatalf("patient %d in %s", p.ID, p.Cohort)
				}
			}
		})
	}
}

func TestGenerateValueRanges(t *testing.T) {
	cfg := scenarioConfig()
	ds := generateSeeded(t, cfg, 4)

	for _, p := range ds.Patients {
		if p.Age < cfg.AgeMin || p.Age > cfg.AgeMax {
			t.Errorf("patient %d age %d outside [%d,%d]", p.ID, p.Age, cfg.AgeMin, cfg.AgeMax)
		}
	}
	for _, a := range ds.Adherence {
		adherentRange := a.Score >= cfg.AdherenceThreshold && a.Score <= 1
		lowRange := a.Score >= config.ScoreFloor && a.Score <= cfg.AdherenceThreshold-config.ScoreEpsilon+1e-9
		if !adherentRange && !lowRange {
			t.Errorf("patient %d score %v outside both draw ranges", a.PatientID, a.Score)
		}
		if rounded := math.Round(a.Score*1e4) / 1e4; rounded != a.Score {
			t.Errorf("patient %d score %v not rounded to 4 places", a.PatientID, a.Score)
		}
	}

	start := cfg.WindowStart()
	for _, e := range ds.Admissions {
		if e.Date.Before(start) || e.Date.After(cfg.AsOf) {
			t.Errorf("admission %d date %v outside [%v, %v]", e.ID, e.Date, start, cfg.AsOf)
		}
		if !e.Date.Equal(e.Date.Truncate(24 * time.Hour)) {
			t.Errorf("admission %d date %v is not a calendar day", e.ID, e.Date)
		}
	}
}

// TestGenerateAdherenceWithinBinomialBand checks adherent counts against a
// normal-approximation binomial interval rather than exact values.
func TestGenerateAdherenceWithinBinomialBand(t *testing.T) {
	cfg := scenarioConfig()
	// Two-sided 1e-6 tail so the test is stable across seeds.
	z := distuv.UnitNormal.Quantile(1 - 0.5e-6)

	for _, seed := range []uint64{10, 20, 30} {
		ds := generateSeeded(t, cfg, seed)
		counts := map[models.Cohort]int{}
		sizes := ds.CohortSizes()
		for i, a := range ds.Adherence {
			if a.IsAdherent(cfg.AdherenceThreshold) {
				counts[ds.Patients[i].Cohort]++
			}
		}

		for cohort, p := range map[models.Cohort]float64{models.CohortA: 0.9, models.CohortB: 0.5} {
			n := float64(sizes[cohort])
			mean := n * p
			band := z * math.Sqrt(n*p*(1-p))
			got := float64(counts[cohort])
			if math.Abs(got-mean) > band {
				t.Errorf("seed %d cohort %s: adherent = %v, want %v ± %.1f", seed, cohort, got, mean, band)
			}
		}
	}
}

func TestGenerateAdmissionMeans(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Population = 20000
	ds := generateSeeded(t, cfg, 5)

	byPatient := make(map[int]int)
	for _, e := range ds.Admissions {
		byPatient[e.PatientID]++
	}
	var adherentN, adherentEvents, lowN, lowEvents float64
	for _, a := range ds.Adherence {
		if a.IsAdherent(cfg.AdherenceThreshold) {
			adherentN++
			adherentEvents += float64(byPatient[a.PatientID])
		} else {
			lowN++
			lowEvents += float64(byPatient[a.PatientID])
		}
	}

	// Poisson variance equals the mean; allow 6 standard errors.
	check := func(name string, events, n, lambda float64) {
		mean := events / n
		se := math.Sqrt(lambda / n)
		if math.Abs(mean-lambda) > 6*se {
			t.Errorf("%s mean admissions = %.4f, want %.2f ± %.4f", name, mean, lambda, 6*se)
		}
	}
	check("adherent", adherentEvents, adherentN, cfg.AdherentAdmissionRate)
	check("non-adherent", lowEvents, lowN, cfg.NonAdherentAdmissionRate)
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	cfg := scenarioConfig()
	a := generateSeeded(t, cfg, 42)
	b := generateSeeded(t, cfg, 42)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical seeds produced different datasets")
	}

	c := generateSeeded(t, cfg, 43)
	if reflect.DeepEqual(a.Adherence, c.Adherence) {
		t.Error("different seeds produced identical adherence scores")
	}
}

func TestGenerateUsesConfigSeedWhenSourceNil(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Seed = 77
	a, err := Generate(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Generate(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("config seed should make nil-source runs reproducible")
	}
}

func TestGenerateExtremeRates(t *testing.T) {
	cfg := scenarioConfig()
	cfg.CohortARate = 1
	cfg.CohortBRate = 0
	cfg.AdherentAdmissionRate = 0
	cfg.NonAdherentAdmissionRate = 0
	ds := generateSeeded(t, cfg, 6)

	for i, a := range ds.Adherence {
		adherent := a.IsAdherent(cfg.AdherenceThreshold)
		if ds.Patients[i].Cohort == models.CohortA && !adherent {
			t.Errorf("cohort A patient %d should be adherent at rate 1, score %v", a.PatientID, a.Score)
		}
		if ds.Patients[i].Cohort == models.CohortB && adherent {
			t.Errorf("cohort B patient %d should not be adherent at rate 0, score %v", a.PatientID, a.Score)
		}
	}
	if len(ds.Admissions) != 0 {
		t.Errorf("zero intensities produced %d admissions", len(ds.Admissions))
	}
}

func TestGenerateMinimumThreshold(t *testing.T) {
	cfg := scenarioConfig()
	cfg.AdherenceThreshold = 0.21
	cfg.CohortARate = 0
	cfg.CohortBRate = 0
	ds := generateSeeded(t, cfg, 8)

	for _, a := range ds.Adherence {
		if a.Score != config.ScoreFloor {
			t.Errorf("patient %d score %v, want %v when the non-adherent range collapses to the floor", a.PatientID, a.Score, config.ScoreFloor)
		}
		if a.IsAdherent(cfg.AdherenceThreshold) {
			t.Errorf("patient %d should not be adherent at rate 0", a.PatientID)
		}
	}
}

func TestGenerateAdmissionsStayInsideShortWindow(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WindowDays = 1
	cfg.AdherentAdmissionRate = 5
	cfg.NonAdherentAdmissionRate = 5
	ds := generateSeeded(t, cfg, 9)

	if len(ds.Admissions) == 0 {
		t.Fatal("expected admissions with intensity 5")
	}
	start := cfg.WindowStart()
	for _, e := range ds.Admissions {
		if e.Date.Before(start) || e.Date.After(cfg.AsOf) {
			t.Fatalf("admission %d date %v outside [%v, %v]", e.ID, e.Date, start, cfg.AsOf)
		}
	}
}

func TestGenerateRejectsInvalidConfig(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Population = 0
	if _, err := Generate(cfg, nil); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Generate() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		in     float64
		places int
		want   float64
	}{
		{0.123449, 4, 0.1234},
		{0.12345, 2, 0.12},
		{2.675, 0, 3},
		{-1.005, 1, -1.0},
	}
	for _, tt := range tests {
		if got := roundTo(tt.in, tt.places); got != tt.want {
			t.Errorf("roundTo(%v, %d) = %v, want %v", tt.in, tt.places, got, tt.want)
		}
	}
}
