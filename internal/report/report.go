// Package report prints the headline findings of a run to the console.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

// printer formats currency with thousands separators.
var printer = message.NewPrinter(language.English)

// FormatCurrency renders v as dollars with thousands separators and 2 decimals.
func FormatCurrency(v float64) string {
	return "$" + printer.Sprintf("%.2f", v)
}

// FormatPercent renders v with the shortest exact decimal, keeping one
// fractional digit on whole values (35 prints as "35.0%").
func FormatPercent(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + "%"
}

// PrintFindings writes the three summary findings followed by the list of
// destinations the document was exported to.
func PrintFindings(w io.Writer, r *models.Report, destinations []string) error {
	if r == nil {
		return fmt.Errorf("print findings: nil report")
	}
	f := r.SummaryFindings

	var b strings.Builder
	b.WriteString("\n--- Analysis Complete ---\n")
	fmt.Fprintf(&b, "Finding 1: %s was %s more likely to be adherent.\n", models.CohortA, FormatPercent(f.AdherenceUpliftPct))
	fmt.Fprintf(&b, "Finding 2: %s had a %s reduction in hospital admissions.\n", models.CohortA, FormatPercent(f.HospitalizationReductionPct))
	fmt.Fprintf(&b, "Finding 3: Total Estimated Cost Savings: %s\n", FormatCurrency(f.CostSavings))
	for _, dest := range destinations {
		fmt.Fprintf(&b, "\nResults have been exported to '%s'.\n", dest)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("print findings: %w", err)
	}
	return nil
}
