// Package export serializes a cohort report and delivers it to one or more
// destinations (a local file, an S3-compatible bucket).
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CohortPipe/internal/models"
)

// Indent is the per-level indentation of the exported document.
const Indent = "    "

// ErrIncompleteReport is returned by Decode when a document lacks one of the
// three top-level sections.
var ErrIncompleteReport = errors.New("report document is incomplete")

// Destination is a target the encoded report is written to.
type Destination interface {
	// Write delivers the complete document. Implementations never leave a
	// partially written document behind.
	Write(ctx context.Context, data []byte) error

	// String names the destination for logs and console output.
	String() string
}

// Encode renders the report as indented JSON with the sections adherence_analysis,
// admissions_analysis and summary_findings.
func Encode(report *models.Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("encode report: nil report")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", Indent)
	if err := enc.Encode(report); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a document produced by Encode. Unknown fields are rejected.
func Decode(data []byte) (*models.Report, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	for _, section := range []string{"adherence_analysis", "admissions_analysis", "summary_findings"} {
		if _, ok := raw[section]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrIncompleteReport, section)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var report models.Report
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}

// Stager is implemented by destinations that can prepare a write and make it
// visible later.
type Stager interface {
	Stage(ctx context.Context, data []byte) (Staged, error)
}

// Staged is a prepared write that is not yet visible. Exactly one of Commit or
// Abort takes effect; later calls are no-ops or errors.
type Staged interface {
	Commit() error
	Abort()
}

// Batch is a set of staged writes that become visible together on Commit.
type Batch struct {
	staged []stagedWrite
	size   int
}

type stagedWrite struct {
	dest   Destination
	staged Staged
}

// Prepare stages every destination that implements Stager, then writes the
// remaining destinations in order, stopping at the first failure. Staged writes
// stay invisible until Commit and are aborted if anything in Prepare fails.
func Prepare(ctx context.Context, data []byte, destinations ...Destination) (*Batch, error) {
	b := &Batch{size: len(data)}
	var direct []Destination
	for _, dest := range destinations {
		stager, ok := dest.(Stager)
		if !ok {
			direct = append(direct, dest)
			continue
		}
		staged, err := stager.Stage(ctx, data)
		if err != nil {
			b.Abort()
			slog.Error("Export Prepare: destination stage failed", "destination", dest.String(), "error", err)
			return nil, fmt.Errorf("stage %s: %w", dest, err)
		}
		b.staged = append(b.staged, stagedWrite{dest: dest, staged: staged})
	}

	for _, dest := range direct {
		if err := dest.Write(ctx, data); err != nil {
			b.Abort()
			slog.Error("Export Prepare: destination write failed", "destination", dest.String(), "error", err)
			return nil, fmt.Errorf("write %s: %w", dest, err)
		}
		slog.Info("Export Prepare: report written", "destination", dest.String(), "bytes", len(data))
	}
	return b, nil
}

// Commit makes every staged write visible. If one fails, the rest are aborted.
func (b *Batch) Commit() error {
	pending := b.staged
	b.staged = nil
	for i, w := range pending {
		if err := w.staged.Commit(); err != nil {
			for _, rest := range pending[i+1:] {
				rest.staged.Abort()
			}
			slog.Error("Export Batch Commit: destination commit failed", "destination", w.dest.String(), "error", err)
			return fmt.Errorf("commit %s: %w", w.dest, err)
		}
		slog.Info("Export Batch Commit: report written", "destination", w.dest.String(), "bytes", b.size)
	}
	return nil
}

// Abort discards every staged write that has not been committed.
func (b *Batch) Abort() {
	for _, w := range b.staged {
		w.staged.Abort()
	}
	b.staged = nil
}

// WriteAll writes data to every destination. Local files only appear once
// every other destination has succeeded.
func WriteAll(ctx context.Context, data []byte, destinations ...Destination) error {
	b, err := Prepare(ctx, data, destinations...)
	if err != nil {
		return err
	}
	return b.Commit()
}
