package transcript

import (
	"fmt"
	"math"
	"sort"
)

const (
	DefaultSegmentPercentile = 90.0
	DefaultWordPercentile    = 95.0
)

// FlagOptions selects the percentiles used to derive review thresholds.
type FlagOptions struct {
	SegmentPercentile float64
	WordPercentile    float64
}

// DefaultFlagOptions returns P90 for segments and P95 for words.
func DefaultFlagOptions() FlagOptions {
	return FlagOptions{
		SegmentPercentile: DefaultSegmentPercentile,
		WordPercentile:    DefaultWordPercentile,
	}
}

func (o FlagOptions) validate() error {
	if o.SegmentPercentile < 0 || o.SegmentPercentile > 100 {
		return fmt.Errorf("segment percentile %v out of range [0,100]", o.SegmentPercentile)
	}
	if o.WordPercentile < 0 || o.WordPercentile > 100 {
		return fmt.Errorf("word percentile %v out of range [0,100]", o.WordPercentile)
	}
	return nil
}

// FlagSummary reports how much of a transcript was marked for review.
type FlagSummary struct {
	Threshold       float64 `json:"threshold"`
	SegmentsFlagged int     `json:"segments_flagged"`
	SegmentsTotal   int     `json:"segments_total"`
	WordsFlagged    int     `json:"words_flagged"`
	WordsTotal      int     `json:"words_total"`
}

// Percentile returns the p-th percentile of values using linear interpolation
// between the two closest ranks. An empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

// Flag annotates a copy of t with review thresholds and flags.
//
// Segments are flagged when their avg_logprob is at or below the global
// percentile threshold; segments without a score never are. Words are
// flagged against a percentile of their own segment's probabilities, so a
// segment holding a single word always flags that word.
func Flag(t Transcript, opts FlagOptions) (Transcript, FlagSummary, error) {
	if err := opts.validate(); err != nil {
		return Transcript{}, FlagSummary{}, err
	}

	out := Transcript{Segments: make([]Segment, len(t.Segments))}
	scores := make([]float64, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if seg.AvgLogprob != nil {
			scores = append(scores, *seg.AvgLogprob)
		}
	}
	threshold := Percentile(scores, opts.SegmentPercentile)
	summary := FlagSummary{Threshold: threshold, SegmentsTotal: len(t.Segments)}

	for i, seg := range t.Segments {
		seg.Words = append([]Word(nil), seg.Words...)
		seg.AvgReviewThreshold = threshold
		seg.ReviewTimestamp = seg.AvgLogprob != nil && *seg.AvgLogprob <= threshold
		if seg.ReviewTimestamp {
			summary.SegmentsFlagged++
		}

		if len(seg.Words) == 0 {
			seg.WordReviewThreshold = nil
		} else {
			probs := make([]float64, len(seg.Words))
			for j, w := range seg.Words {
				probs[j] = w.Probability
			}
			wordThreshold := Percentile(probs, opts.WordPercentile)
			seg.WordReviewThreshold = &wordThreshold
			for j := range seg.Words {
				seg.Words[j].Review = seg.Words[j].Probability <= wordThreshold
				if seg.Words[j].Review {
					summary.WordsFlagged++
				}
			}
			summary.WordsTotal += len(seg.Words)
		}
		out.Segments[i] = seg
	}
	return out, summary, nil
}
