// Package classify assigns images to named categories with a linear
// classification head applied to cached feature vectors.
package classify

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Probability is the softmax probability of one category.
type Probability struct {
	Label string  `json:"label"`
	P     float64 `json:"probability"`
}

// Probabilities are ordered like the classifier's output units.
type Probabilities []Probability

// Softmax turns logits into probabilities that sum to one.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	peak := math.Inf(-1)
	for _, l := range logits {
		peak = math.Max(peak, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Label pairs probs with category names. When the counts differ the output
// units are labelled by index instead.
func Label(probs []float64, categories []string) Probabilities {
	out := make(Probabilities, len(probs))
	named := len(probs) == len(categories)
	for i, p := range probs {
		label := strconv.Itoa(i)
		if named {
			label = categories[i]
		}
		out[i] = Probability{Label: label, P: p}
	}
	return out
}

// MostLikely returns the index, label and probability of the most probable
// category. Ties go to the first. The index is -1 when no category has a
// positive probability.
func (ps Probabilities) MostLikely() (int, string, float64) {
	idx, label, best := -1, "", 0.0
	for i, p := range ps {
		if p.P > best {
			idx, label, best = i, p.Label, p.P
		}
	}
	return idx, label, best
}

// Of returns the probability of category, or 0 when there is no such category.
func (ps Probabilities) Of(category string) float64 {
	for _, p := range ps {
		if p.Label == category {
			return p.P
		}
	}
	return 0
}

// String renders one "percentage label" line per category.
func (ps Probabilities) String() string {
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6.2f%% %-20s", 100*p.P, p.Label)
	}
	return b.String()
}

// FormatPercents renders probabilities as comma-separated percentages.
func FormatPercents(probs []float64) string {
	parts := make([]string, len(probs))
	for i, p := range probs {
		parts[i] = fmt.Sprintf("%6.2f", 100*p)
	}
	return strings.Join(parts, ",")
}
