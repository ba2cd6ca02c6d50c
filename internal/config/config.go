// Package config holds the immutable run configuration for CohortPipe.
//
// A Config is assembled in layers (defaults, optional YAML file, environment,
// command-line flags), validated once, and then passed by value into the
// generator and the aggregator. Nothing in this package keeps process-wide state.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/CohortPipe/internal/util"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultPopulation is the total number of synthetic patients
	DefaultPopulation = 17000
	// DefaultCohortRatio is the share of the population assigned to cohort A
	DefaultCohortRatio = 1 / 2.05
	// DefaultAdherenceThreshold is the PDC score at or above which a patient is adherent
	DefaultAdherenceThreshold = 0.8
	// DefaultCohortARate is the target adherence rate of cohort A
	DefaultCohortARate = 0.75
	// DefaultCohortBRate is the target adherence rate of cohort B
	DefaultCohortBRate = DefaultCohortARate / 1.35
	// DefaultAdherentAdmissionRate is the mean admissions per adherent patient
	DefaultAdherentAdmissionRate = 0.15
	// DefaultNonAdherentAdmissionRate is the mean admissions per non-adherent patient
	DefaultNonAdherentAdmissionRate = 0.40
	// DefaultCostPerAdmission is the cost of one hospital admission in dollars
	DefaultCostPerAdmission = 14700
	// DefaultAgeMin is the youngest generated patient age
	DefaultAgeMin = 65
	// DefaultAgeMax is the oldest generated patient age
	DefaultAgeMax = 95
	// DefaultWindowDays is the length of the trailing admission date window
	DefaultWindowDays = 365
)

// Score range constants shared by the generator and validation.
const (
	// ScoreFloor is the lowest score a non-adherent patient can draw
	ScoreFloor = 0.2
	// ScoreEpsilon separates the non-adherent range from the threshold
	ScoreEpsilon = 0.01
	// MinAdherenceThreshold is the lowest threshold that leaves a non-empty
	// non-adherent score range
	MinAdherenceThreshold = ScoreFloor + ScoreEpsilon

	// scoreTolerance absorbs float rounding in score range comparisons
	scoreTolerance = 1e-9
)

// Environment variable names
const (
	EnvPopulation               = "COHORTPIPE_POPULATION"
	EnvCohortRatio              = "COHORTPIPE_COHORT_RATIO"
	EnvAdherenceThreshold       = "COHORTPIPE_ADHERENCE_THRESHOLD"
	EnvCohortARate              = "COHORTPIPE_COHORT_A_RATE"
	EnvCohortBRate              = "COHORTPIPE_COHORT_B_RATE"
	EnvAdherentAdmissionRate    = "COHORTPIPE_ADHERENT_ADMISSION_RATE"
	EnvNonAdherentAdmissionRate = "COHORTPIPE_NON_ADHERENT_ADMISSION_RATE"
	EnvCostPerAdmission         = "COHORTPIPE_COST_PER_ADMISSION"
	EnvWindowDays               = "COHORTPIPE_WINDOW_DAYS"
	EnvSeed                     = "COHORTPIPE_SEED"
	EnvAsOf                     = "COHORTPIPE_AS_OF"
)

// AsOfLayout is the date format accepted for the window end date.
const AsOfLayout = "2006-01-02"

// ErrInvalidConfig is returned (wrapped) for every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full set of simulation and costing parameters for one run.
type Config struct {
	Population               int       `yaml:"population" validate:"gt=0,lte=10000000"`
	CohortRatio              float64   `yaml:"cohort_ratio" validate:"gte=0,lte=1"`
	AdherenceThreshold       float64   `yaml:"adherence_threshold" validate:"gt=0,lte=1"`
	CohortARate              float64   `yaml:"cohort_a_rate" validate:"gte=0,lte=1"`
	CohortBRate              float64   `yaml:"cohort_b_rate" validate:"gte=0,lte=1"`
	AdherentAdmissionRate    float64   `yaml:"adherent_admission_rate" validate:"gte=0,lte=50"`
	NonAdherentAdmissionRate float64   `yaml:"non_adherent_admission_rate" validate:"gte=0,lte=50"`
	CostPerAdmission         float64   `yaml:"cost_per_admission" validate:"gte=0"`
	AgeMin                   int       `yaml:"age_min" validate:"gte=0,lte=130"`
	AgeMax                   int       `yaml:"age_max" validate:"gtefield=AgeMin,lte=130"`
	WindowDays               int       `yaml:"window_days" validate:"gt=0,lte=36500"`
	AsOf                     time.Time `yaml:"as_of,omitempty"`
	Seed                     uint64    `yaml:"seed"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Population:               DefaultPopulation,
		CohortRatio:              DefaultCohortRatio,
		AdherenceThreshold:       DefaultAdherenceThreshold,
		CohortARate:              DefaultCohortARate,
		CohortBRate:              DefaultCohortBRate,
		AdherentAdmissionRate:    DefaultAdherentAdmissionRate,
		NonAdherentAdmissionRate: DefaultNonAdherentAdmissionRate,
		CostPerAdmission:         DefaultCostPerAdmission,
		AgeMin:                   DefaultAgeMin,
		AgeMax:                   DefaultAgeMax,
		WindowDays:               DefaultWindowDays,
	}
}

// LoadDotEnv loads variables from the given .env files (or ./.env when none are
// given) into the process environment. A missing file is not an error.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// LoadFile overlays the YAML file at path on top of base. Keys absent from the
// file keep their value from base; unknown keys are rejected.
func LoadFile(path string, base Config) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, fmt.Errorf("open config file %s: %w", path, err)
	}
	defer f.Close()

	cfg := base
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		slog.Error("Config LoadFile: decode failed", "error", err, "path", path)
		return base, fmt.Errorf("%w: decode %s: %v", ErrInvalidConfig, path, err)
	}
	slog.Debug("Config LoadFile: applied config file", "path", path)
	return cfg, nil
}

// ApplyEnv overlays COHORTPIPE_* environment variables on top of c.
func ApplyEnv(c Config) (Config, error) {
	c.Population = util.ParseIntEnv(EnvPopulation, c.Population)
	c.CohortRatio = util.ParseFloatEnv(EnvCohortRatio, c.CohortRatio)
	c.AdherenceThreshold = util.ParseFloatEnv(EnvAdherenceThreshold, c.AdherenceThreshold)
	c.CohortARate = util.ParseFloatEnv(EnvCohortARate, c.CohortARate)
	c.CohortBRate = util.ParseFloatEnv(EnvCohortBRate, c.CohortBRate)
	c.AdherentAdmissionRate = util.ParseFloatEnv(EnvAdherentAdmissionRate, c.AdherentAdmissionRate)
	c.NonAdherentAdmissionRate = util.ParseFloatEnv(EnvNonAdherentAdmissionRate, c.NonAdherentAdmissionRate)
	c.CostPerAdmission = util.ParseFloatEnv(EnvCostPerAdmission, c.CostPerAdmission)
	c.WindowDays = util.ParseIntEnv(EnvWindowDays, c.WindowDays)
	c.Seed = util.ParseUintEnv(EnvSeed, c.Seed)

	if v := strings.TrimSpace(os.Getenv(EnvAsOf)); v != "" {
		asOf, err := ParseAsOf(v)
		if err != nil {
			return c, err
		}
		c.AsOf = asOf
	}
	return c, nil
}

// ParseAsOf parses a YYYY-MM-DD window end date.
func ParseAsOf(s string) (time.Time, error) {
	t, err := time.ParseInLocation(AsOfLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as-of date %q: expected %s", ErrInvalidConfig, s, AsOfLayout)
	}
	return t, nil
}

// Validate checks ranges and cross-field constraints. The returned error wraps
// ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string

	finite := []struct {
		name string
		v    float64
	}{
		{"cohort_ratio", c.CohortRatio},
		{"adherence_threshold", c.AdherenceThreshold},
		{"cohort_a_rate", c.CohortARate},
		{"cohort_b_rate", c.CohortBRate},
		{"adherent_admission_rate", c.AdherentAdmissionRate},
		{"non_adherent_admission_rate", c.NonAdherentAdmissionRate},
		{"cost_per_admission", c.CostPerAdmission},
	}
	for _, f := range finite {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			problems = append(problems, fmt.Sprintf("%s must be a finite number", f.name))
		}
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if c.AdherenceThreshold < MinAdherenceThreshold-scoreTolerance {
		problems = append(problems, fmt.Sprintf("adherence_threshold must be at least %.2f so the non-adherent score range [%.2f, threshold-%.2f] is non-empty",
			MinAdherenceThreshold, ScoreFloor, ScoreEpsilon))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// describeFieldError renders a validator field error as "field must be <tag> <param>".
func describeFieldError(fe validator.FieldError) string {
	field := yamlName(fe.StructField())
	switch fe.Tag() {
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s", field, yamlName(fe.Param()))
	case "gt":
		return fmt.Sprintf("%s must be > %s (got %v)", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s (got %v)", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be <= %s (got %v)", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s check", field, fe.Tag())
	}
}

// yamlName maps a Go field name to its configuration key.
func yamlName(field string) string {
	switch field {
	case "Population":
		return "population"
	case "CohortRatio":
		return "cohort_ratio"
	case "AdherenceThreshold":
		return "adherence_threshold"
	case "CohortARate":
		return "cohort_a_rate"
	case "CohortBRate":
		return "cohort_b_rate"
	case "AdherentAdmissionRate":
		return "adherent_admission_rate"
	case "NonAdherentAdmissionRate":
		return "non_adherent_admission_rate"
	case "CostPerAdmission":
		return "cost_per_admission"
	case "AgeMin":
		return "age_min"
	case "AgeMax":
		return "age_max"
	case "WindowDays":
		return "window_days"
	default:
		return field
	}
}

// Resolve fills run-time defaults: a zero AsOf becomes the UTC calendar day of now.
func (c Config) Resolve(now time.Time) Config {
	if c.AsOf.IsZero() {
		y, m, d := now.UTC().Date()
		c.AsOf = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return c
}

// WindowStart returns the first day of the trailing admission window.
func (c Config) WindowStart() time.Time {
	return c.AsOf.AddDate(0, 0, -c.WindowDays)
}

// CohortACount returns floor(Population * CohortRatio), the size of cohort A.
func (c Config) CohortACount() int {
	return int(math.Floor(float64(c.Population) * c.CohortRatio))
}

// TargetRate returns the target adherence rate for cohort A (true) or B (false).
func (c Config) TargetRate(cohortA bool) float64 {
	if cohortA {
		return c.CohortARate
	}
	return c.CohortBRate
}

// YAML renders the configuration with the same keys LoadFile accepts.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
