package main

import (
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/BTreeMap/CohortPipe/internal/config"
)

// configFlags mirrors the simulation parameters of config.Config.
type configFlags struct {
	population               int
	cohortRatio              float64
	adherenceThreshold       float64
	cohortARate              float64
	cohortBRate              float64
	adherentAdmissionRate    float64
	nonAdherentAdmissionRate float64
	costPerAdmission         float64
	ageMin                   int
	ageMax                   int
	windowDays               int
	asOf                     string
	seed                     uint64
}

// addConfigFlags registers the simulation flags with defaults from config.Default.
func addConfigFlags(fs *pflag.FlagSet, f *configFlags) {
	d := config.Default()
	fs.IntVar(&f.population, "population", d.Population, "number of patients to generate")
	fs.Float64Var(&f.cohortRatio, "cohort-ratio", d.CohortRatio, "fraction of patients assigned to Group 1")
	fs.Float64Var(&f.adherenceThreshold, "threshold", d.AdherenceThreshold, "adherence score threshold")
	fs.Float64Var(&f.cohortARate, "cohort-a-rate", d.CohortARate, "target adherence rate of Group 1")
	fs.Float64Var(&f.cohortBRate, "cohort-b-rate", d.CohortBRate, "target adherence rate of Group 2")
	fs.Float64Var(&f.adherentAdmissionRate, "adherent-admission-rate", d.AdherentAdmissionRate, "mean yearly admissions of an adherent patient")
	fs.Float64Var(&f.nonAdherentAdmissionRate, "non-adherent-admission-rate", d.NonAdherentAdmissionRate, "mean yearly admissions of a non-adherent patient")
	fs.Float64Var(&f.costPerAdmission, "cost-per-admission", d.CostPerAdmission, "cost of one hospital admission")
	fs.IntVar(&f.ageMin, "age-min", d.AgeMin, "youngest patient age")
	fs.IntVar(&f.ageMax, "age-max", d.AgeMax, "oldest patient age")
	fs.IntVar(&f.windowDays, "window-days", d.WindowDays, "length of the admission window in days")
	fs.StringVar(&f.asOf, "as-of", "", "last day of the admission window, YYYY-MM-DD (default today)")
	fs.Uint64Var(&f.seed, "seed", 0, "random seed; 0 draws a fresh seed")
}

// resolveConfig layers defaults, the config file, the environment and finally
// the flags that were set explicitly.
func resolveConfig(fs *pflag.FlagSet, f *configFlags, configFile string) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile, cfg); err != nil {
			return cfg, err
		}
	}

	cfg, err := config.ApplyEnv(cfg)
	if err != nil {
		return cfg, err
	}

	changed := fs.Changed
	if changed("population") {
		cfg.Population = f.population
	}
	if changed("cohort-ratio") {
		cfg.CohortRatio = f.cohortRatio
	}
	if changed("threshold") {
		cfg.AdherenceThreshold = f.adherenceThreshold
	}
	if changed("cohort-a-rate") {
		cfg.CohortARate = f.cohortARate
	}
	if changed("cohort-b-rate") {
		cfg.CohortBRate = f.cohortBRate
	}
	if changed("adherent-admission-rate") {
		cfg.AdherentAdmissionRate = f.adherentAdmissionRate
	}
	if changed("non-adherent-admission-rate") {
		cfg.NonAdherentAdmissionRate = f.nonAdherentAdmissionRate
	}
	if changed("cost-per-admission") {
		cfg.CostPerAdmission = f.costPerAdmission
	}
	if changed("age-min") {
		cfg.AgeMin = f.ageMin
	}
	if changed("age-max") {
		cfg.AgeMax = f.ageMax
	}
	if changed("window-days") {
		cfg.WindowDays = f.windowDays
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}
	if changed("as-of") && f.asOf != "" {
		asOf, err := config.ParseAsOf(f.asOf)
		if err != nil {
			return cfg, err
		}
		cfg.AsOf = asOf
	}

	slog.Debug("configuration resolved",
		"config_file", configFile,
		"population", cfg.Population,
		"cohort_ratio", cfg.CohortRatio,
		"threshold", cfg.AdherenceThreshold,
		"seed", cfg.Seed)
	return cfg, nil
}

// stringFromEnv returns the flag value if it was set, else the first non-empty
// environment variable, else the flag's default.
func stringFromEnv(fs *pflag.FlagSet, name, value string, envKeys ...string) string {
	if fs.Changed(name) {
		return value
	}
	for _, key := range envKeys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return value
}
