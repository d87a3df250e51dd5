// Package report derives the aggregate summary of a test run from the frozen
// correlation ledger and the dispatch records, and renders it for operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/dispatcher"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
)

var printer = message.NewPrinter(language.English)

// Thresholds define the pass/fail criteria for a run.
type Thresholds struct {
	// Minimum dispatch success rate, e.g., 0.9.
	MinSuccessRate float64 `json:"minSuccessRate"`
	// Minimum callback confirmation rate over items eligible for
	// confirmation, e.g., 0.8.
	MinConfirmationRate float64 `json:"minConfirmationRate"`
}

// Summary holds the aggregate result of one test run. It is computed once,
// from frozen inputs, and is deterministic given the same ledger.
type Summary struct {
	RunId      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	TotalDispatched int            `json:"totalDispatched"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	FailedByOutcome map[string]int `json:"failedByOutcome"`
	SuccessRate     float64        `json:"successRate"`
	Latency         *LatencyStats  `json:"latency,omitempty"`

	Registered         int `json:"registered"`
	FullyConfirmed     int `json:"fullyConfirmed"`
	PartiallyConfirmed int `json:"partiallyConfirmed"`
	Unconfirmed        int `json:"unconfirmed"`
	DispatchFailed     int `json:"dispatchFailed"`

	CallbackConfirmed int     `json:"callbackConfirmed"`
	ArtifactConfirmed int     `json:"artifactConfirmed"`
	CallbackRate      float64 `json:"callbackRate"`
	ArtifactRate      float64 `json:"artifactRate"`
	OrphanedEvents    int64   `json:"orphanedEvents"`

	Thresholds Thresholds `json:"thresholds"`
	Passed     bool       `json:"passed"`

	// Outcome of the configuration restore: "restored", "skipped", or the
	// failure message. A failed restore is surfaced separately from the test
	// verdict because it requires a manual recovery step.
	RestoreOutcome string `json:"restoreOutcome"`
}

// Summarize is a pure function over the frozen ledger and dispatch records.
func Summarize(entries []tracker.Entry, records []dispatcher.DispatchRecord, orphaned int64, thresholds Thresholds) *Summary {
	s := &Summary{
		FailedByOutcome: make(map[string]int),
		OrphanedEvents:  orphaned,
		Thresholds:      thresholds,
	}

	var latencies []time.Duration
	for _, record := range records {
		s.TotalDispatched++
		if record.Outcome == dispatcher.OutcomeSuccess {
			s.Succeeded++
			latencies = append(latencies, record.Latency)
		} else {
			s.Failed++
			s.FailedByOutcome[string(record.Outcome)]++
		}
	}
	if s.TotalDispatched > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.TotalDispatched)
	}
	s.Latency = latencyStatistics(latencies)

	for _, entry := range entries {
		s.Registered++
		switch entry.Status {
		case tracker.StatusFullyConfirmed:
			s.FullyConfirmed++
		case tracker.StatusPartiallyConfirmed:
			s.PartiallyConfirmed++
		case tracker.StatusUnconfirmed:
			s.Unconfirmed++
		case tracker.StatusDispatchFailed:
			s.DispatchFailed++
		}
		if entry.Status != tracker.StatusDispatchFailed {
			if !entry.CallbackObservedAt.IsZero() {
				s.CallbackConfirmed++
			}
			if !entry.ArtifactObservedAt.IsZero() {
				s.ArtifactConfirmed++
			}
		}
	}
	eligible := s.Registered - s.DispatchFailed
	if eligible > 0 {
		s.CallbackRate = float64(s.CallbackConfirmed) / float64(eligible)
		s.ArtifactRate = float64(s.ArtifactConfirmed) / float64(eligible)
	}

	s.Passed = s.SuccessRate >= thresholds.MinSuccessRate &&
		s.CallbackRate >= thresholds.MinConfirmationRate
	return s
}

// Print renders the summary as a table on out.
func (s *Summary) Print(out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	defer w.Flush()

	printer.Fprintf(w, "Total dispatched:\t%d\n", s.TotalDispatched)
	printer.Fprintf(w, "Succeeded:\t%d\n", s.Succeeded)
	printer.Fprintf(w, "Failed:\t%d\n", s.Failed)
	for outcome, n := range s.FailedByOutcome {
		printer.Fprintf(w, "  %s:\t%d\n", outcome, n)
	}
	printer.Fprintf(w, "Success rate:\t%.2f%%\n", s.SuccessRate*100)
	if s.Latency != nil {
		printer.Fprintf(w, "Latency mean:\t%s\n", s.Latency.Mean)
		printer.Fprintf(w, "Latency p50/p95/p99:\t%s / %s / %s\n", s.Latency.P50, s.Latency.P95, s.Latency.P99)
	}
	printer.Fprintf(w, "Fully confirmed:\t%d\n", s.FullyConfirmed)
	printer.Fprintf(w, "Partially confirmed:\t%d\n", s.PartiallyConfirmed)
	printer.Fprintf(w, "Unconfirmed:\t%d\n", s.Unconfirmed)
	printer.Fprintf(w, "Callback rate:\t%.2f%%\n", s.CallbackRate*100)
	printer.Fprintf(w, "Artifact rate:\t%.2f%%\n", s.ArtifactRate*100)
	printer.Fprintf(w, "Orphaned confirmations:\t%d\n", s.OrphanedEvents)
	printer.Fprintf(w, "Config restore:\t%s\n", s.RestoreOutcome)
	verdict := "FAILED"
	if s.Passed {
		verdict = "PASSED"
	}
	printer.Fprintf(w, "Overall:\t%s\n", verdict)
}

// TestResult is the document written to disk after a run, embedding the run
// parameters alongside the summary for later comparison between runs.
type TestResult struct {
	GeneratedAt time.Time   `json:"generatedAt"`
	Params      interface{} `json:"params"`
	Summary     *Summary    `json:"summary"`
}

// WriteResultFile writes the result to a timestamped JSON file in dir and
// returns the path.
func WriteResultFile(dir string, result *TestResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating results directory %s", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("testsuite-result-%s.json", result.GeneratedAt.Format("20060102-150405")))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding test result")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing test result to %s", path)
	}
	return path, nil
}
