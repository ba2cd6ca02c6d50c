package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/CohortPipe/internal/config"
	"github.com/BTreeMap/CohortPipe/internal/export"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error", "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommandWritesDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.json")
	prom := filepath.Join(dir, "run.prom")

	out, err := execute(t, "run", "--population", "300", "--seed", "4", "--as-of", "2025-01-31",
		"--output", path, "--metrics-file", prom)
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("results document not written: %v", err)
	}
	report, err := export.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	total := 0
	for _, row := range report.AdherenceAnalysis {
		total += row.TotalPatients
	}
	if total != 300 {
		t.Errorf("patients = %d, want 300", total)
	}

	if !strings.Contains(out, "Finding 3: Total Estimated Cost Savings: $") {
		t.Errorf("findings not printed:\n%s", out)
	}
	if _, err := os.Stat(prom); err != nil {
		t.Errorf("metrics file not written: %v", err)
	}
}

func TestRunCommandSeedIsReproducible(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.json")
	second := filepath.Join(dir, "b.json")

	for _, path := range []string{first, second} {
		if _, err := execute(t, "run", "-q", "--population", "200", "--seed", "31", "--as-of", "2025-03-01", "-o", path); err != nil {
			t.Fatalf("run command failed: %v", err)
		}
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Error("same seed and as-of date should produce identical documents")
	}
}

func TestRunCommandQuiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	out, err := execute(t, "run", "--quiet", "--population", "200", "--seed", "2", "--output", path)
	if err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	if strings.Contains(out, "Finding") {
		t.Errorf("quiet run printed findings:\n%s", out)
	}
}

func TestRunCommandOutputFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env-results.json")
	t.Setenv(EnvOutput, path)

	if _, err := execute(t, "run", "-q", "--population", "200", "--seed", "6"); err != nil {
		t.Fatalf("run command failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("document not written to $%s: %v", EnvOutput, err)
	}
}

func TestRunCommandInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	_, err := execute(t, "run", "--population", "0", "--output", path)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no document should be written")
	}
}

func TestRunCommandBadAsOf(t *testing.T) {
	_, err := execute(t, "run", "--as-of", "31/01/2025", "--output", filepath.Join(t.TempDir(), "r.json"))
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfigCommandLayering(t *testing.T) {
	t.Setenv(config.EnvPopulation, "2500")
	t.Setenv(config.EnvCohortRatio, "0.25")

	out, err := execute(t, "config", "--cohort-ratio", "0.75")
	if err != nil {
		t.Fatalf("config command failed: %v", err)
	}
	for _, want := range []string{"population: 2500", "cohort_ratio: 0.75", "adherence_threshold: 0.8"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommandFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohortpipe.yaml")
	if err := os.WriteFile(path, []byte("population: 42\nseed: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "config", "--config", path)
	if err != nil {
		t.Fatalf("config command failed: %v", err)
	}
	for _, want := range []string{"population: 42", "seed: 9"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommandUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohortpipe.yaml")
	if err := os.WriteFile(path, []byte("populaton: 42\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "--config", path); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestInitializeLogger(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{" warn ", false},
		{"error", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		err := initializeLogger(tt.level)
		if (err != nil) != tt.wantErr {
			t.Errorf("initializeLogger(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
		}
	}
	initializeLogger("error")
}

func TestInvalidLogLevelFailsCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--log-level", "loud"})
	if err := cmd.Execute(); err == nil {
		t.Error("invalid log level should fail the command")
	}
}
