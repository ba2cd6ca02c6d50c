package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/CohortPipe/internal/models"
	cptestutil "github.com/BTreeMap/CohortPipe/internal/testutil"
)

func TestObserveDataset(t *testing.T) {
	m := New()
	m.ObserveDataset(cptestutil.SmallDataset())

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"patients A", testutil.ToFloat64(m.Patients.WithLabelValues(string(models.CohortA))), 4},
		{"patients B", testutil.ToFloat64(m.Patients.WithLabelValues(string(models.CohortB))), 4},
		{"admissions A", testutil.ToFloat64(m.Admissions.WithLabelValues(string(models.CohortA))), 2},
		{"admissions B", testutil.ToFloat64(m.Admissions.WithLabelValues(string(models.CohortB))), 4},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestObserveReport(t *testing.T) {
	m := New()
	m.ObserveReport(&models.Report{
		AdherenceAnalysis: cptestutil.SmallAdherence(),
		SummaryFindings: models.SummaryFindings{
			AdherenceUpliftPct:          200,
			HospitalizationReductionPct: 50,
			CostSavings:                 2000,
		},
	})

	if got := testutil.ToFloat64(m.AdherentPatients.WithLabelValues(string(models.CohortA))); got != 3 {
		t.Errorf("adherent A = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Findings.WithLabelValues(FindingCostSavings)); got != 2000 {
		t.Errorf("cost savings gauge = %v, want 2000", got)
	}
	if got := testutil.ToFloat64(m.Findings.WithLabelValues(FindingHospitalizationReduction)); got != 50 {
		t.Errorf("reduction gauge = %v, want 50", got)
	}
}

func TestRegistriesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.SetRunInfo("run_a", 1)
	if n := testutil.CollectAndCount(b.Info); n != 0 {
		t.Errorf("second registry has %d info series, want 0", n)
	}
	if n := testutil.CollectAndCount(a.Info); n != 1 {
		t.Errorf("first registry has %d info series, want 1", n)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.SetRunInfo("run_text", 42)
	m.ObserveDataset(cptestutil.SmallDataset())
	m.ObserveStage("generate", 1500*time.Millisecond)

	path := filepath.Join(t.TempDir(), "cohortpipe.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`cohortpipe_run_info{run_id="run_text",seed="42"} 1`,
		`cohortpipe_patients{cohort="Group 1"} 4`,
		`cohortpipe_stage_duration_seconds{stage="generate"} 1.5`,
		"# HELP cohortpipe_admissions",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestWriteTextfileBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "out.prom")
	if err := New().WriteTextfile(path); err == nil {
		t.Error("writing into a missing directory should fail")
	}
}
