// Package cli provides output helpers for the featcache CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/features"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/scoring"
)

// OutputFormat is the format of command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" and "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text or json", s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WritePrecacheResult writes the outcome of a precache run.
func WritePrecacheResult(w io.Writer, res features.PrecacheResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "requested: %d\ncomputed:  %d\nskipped:   %d\nrecords:   %d\n",
		res.Requested, res.Computed, res.Skipped, res.Records)
	return nil
}

// ScoreReport is the result of scoring a set of images with one model.
type ScoreReport struct {
	Model     string          `json:"model"`
	Scores    []scoring.Score `json:"scores"`
	Threshold *float64        `json:"threshold,omitempty"`
	Average   float64         `json:"average"`
}

// NewScoreReport computes the average of scores.
func NewScoreReport(model string, scores []scoring.Score, threshold *float64) *ScoreReport {
	var avg scoring.RunningAverage
	for _, s := range scores {
		avg.Add(s.Normalized)
	}
	return &ScoreReport{Model: model, Scores: scores, Threshold: threshold, Average: avg.Average()}
}

// WriteScores writes a score report. In text mode images under the threshold
// are marked with a dash.
func WriteScores(w io.Writer, report *ScoreReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, report)
	}
	var avg scoring.RunningAverage
	for _, s := range report.Scores {
		mark := " "
		if report.Threshold != nil {
			mark = "+"
			if !scoring.Passes(s.Normalized, *report.Threshold) {
				mark = "-"
			}
		}
		avg.Add(s.Normalized)
		fmt.Fprintf(w, "%s %8.4f  %s\n", mark, s.Normalized, s.Key)
	}
	fmt.Fprintf(w, "model %s, average %s\n", report.Model, avg.String())
	return nil
}

// WriteClassifications writes the most likely category of each image; text
// output follows it with every category probability.
func WriteClassifications(w io.Writer, results []classify.Result, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, results)
	}
	for _, r := range results {
		fmt.Fprintf(w, "%s: %s %6.2f%% (%s)\n", r.Key, r.Category, 100*r.Probability, r.Classifier)
		for _, line := range strings.Split(r.Probabilities.String(), "\n") {
			fmt.Fprintf(w, "  %s\n", strings.TrimRight(line, " "))
		}
	}
	return nil
}

// FeatureReport is one image's feature vector.
type FeatureReport struct {
	Key       string    `json:"key"`
	Extractor string    `json:"extractor"`
	Dimension int       `json:"dimension"`
	Values    []float32 `json:"values"`
}

// WriteFeatures writes feature vectors. Text output shows at most maxValues
// values per vector; zero shows all.
func WriteFeatures(w io.Writer, reports []FeatureReport, maxValues int, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, reports)
	}
	for _, r := range reports {
		fmt.Fprintf(w, "%s (%s, %d)\n  %s\n", r.Key, r.Extractor, r.Dimension, FormatValues(r.Values, maxValues))
	}
	return nil
}

// FormatValues renders up to maxValues values, appending "..." when truncated.
func FormatValues(values []float32, maxValues int) string {
	n := len(values)
	if maxValues > 0 && n > maxValues {
		n = maxValues
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%.4f", values[i])
	}
	out := "[" + strings.Join(parts, " ")
	if n < len(values) {
		out += " ..."
	}
	return out + "]"
}

// Status is the combined status report served by /api/v1/status.
type Status struct {
	Features       features.Status        `json:"features"`
	Scores         []*models.ScoreSummary `json:"scores,omitempty"`
	ScoreModels    []string               `json:"score_models,omitempty"`
	DiskUsageBytes *int64                 `json:"disk_usage_bytes,omitempty"`
}

// WriteStatus writes a status report.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	f := st.Features
	fmt.Fprintf(w, "extractor:          %s\n", f.Extractor)
	fmt.Fprintf(w, "kind:               %s\n", f.Kind)
	fmt.Fprintf(w, "dimension:          %d\n", f.Dimension)
	fmt.Fprintf(w, "device:             %s\n", f.Device)
	fmt.Fprintf(w, "cache_enabled:      %t\n", f.CacheEnabled)
	if f.CacheEnabled {
		fmt.Fprintf(w, "cache_path:         %s\n", f.CachePath)
		fmt.Fprintf(w, "records:            %d   # cached feature vectors\n", f.Records)
	}
	if st.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # cache + score database on disk\n", *st.DiskUsageBytes)
	}
	if len(st.ScoreModels) > 0 {
		fmt.Fprintf(w, "score_models:       %s\n", strings.Join(st.ScoreModels, ", "))
	}
	if len(st.Scores) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# scores")
		for _, s := range st.Scores {
			fmt.Fprintf(w, "%-20s %6d  avg %.4f\n", s.Model, s.Count, s.Average)
		}
	}
	return nil
}
