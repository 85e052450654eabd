package transcript

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPercentileLinearInterpolation(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 90, 0},
		{"single", []float64{0.42}, 95, 0.42},
		{"median even", []float64{4, 1, 3, 2}, 50, 2.5},
		{"p90 of five", []float64{-0.1, -0.2, -0.3, -0.4, -0.5}, 90, -0.14},
		{"p0 is min", []float64{3, 1, 2}, 0, 1},
		{"p100 is max", []float64{3, 1, 2}, 100, 3},
		{"p95 of three", []float64{0.9, 0.5, 0.99}, 95, 0.981},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Percentile(tc.values, tc.p); !approx(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestFlagSegmentsAgainstGlobalThreshold(t *testing.T) {
	in := Transcript{Segments: []Segment{
		{Start: 0, End: 1, AvgLogprob: ptr(-0.1)},
		{Start: 1, End: 2, AvgLogprob: ptr(-0.2)},
		{Start: 2, End: 3, AvgLogprob: ptr(-0.3)},
		{Start: 3, End: 4, AvgLogprob: ptr(-0.4)},
		{Start: 4, End: 5, AvgLogprob: ptr(-0.5)},
		{Start: 5, End: 6},
	}}

	out, summary, err := Flag(in, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !approx(summary.Threshold, -0.14) {
		t.Fatalf("expected threshold -0.14, got %v", summary.Threshold)
	}
	want := []bool{false, true, true, true, true, false}
	for i, seg := range out.Segments {
		if seg.ReviewTimestamp != want[i] {
			t.Fatalf("segment %d: expected flagged=%v", i, want[i])
		}
		if !approx(seg.AvgReviewThreshold, -0.14) {
			t.Fatalf("segment %d: threshold not stored", i)
		}
		if seg.WordReviewThreshold != nil {
			t.Fatalf("segment %d: expected nil word threshold without words", i)
		}
	}
	if summary.SegmentsFlagged != 4 || summary.SegmentsTotal != 6 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestFlagWordsPerSegment(t *testing.T) {
	in := Transcript{Segments: []Segment{
		{Start: 0, End: 3, AvgLogprob: ptr(-0.3), Words: []Word{
			{Word: "hola", Start: 0, End: 1, Probability: 0.9},
			{Word: "que", Start: 1, End: 2, Probability: 0.5},
			{Word: "tal", Start: 2, End: 3, Probability: 0.99},
		}},
	}}

	out, summary, err := Flag(in, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	seg := out.Segments[0]
	if seg.WordReviewThreshold == nil || !approx(*seg.WordReviewThreshold, 0.981) {
		t.Fatalf("unexpected word threshold %v", seg.WordReviewThreshold)
	}
	got := []bool{seg.Words[0].Review, seg.Words[1].Review, seg.Words[2].Review}
	if !reflect.DeepEqual(got, []bool{true, true, false}) {
		t.Fatalf("unexpected word flags %v", got)
	}
	if summary.WordsFlagged != 2 || summary.WordsTotal != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestFlagSingleWordIsAlwaysFlagged(t *testing.T) {
	in := Transcript{Segments: []Segment{
		{Start: 0, End: 1, Words: []Word{{Word: "sí", Start: 0, End: 1, Probability: 0.999}}},
	}}
	out, _, err := Flag(in, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	seg := out.Segments[0]
	if !seg.Words[0].Review {
		t.Fatal("a lone word equals its own percentile and must be flagged")
	}
	if seg.WordReviewThreshold == nil || *seg.WordReviewThreshold != 0.999 {
		t.Fatalf("expected threshold equal to the word probability, got %v", seg.WordReviewThreshold)
	}
}

func TestFlagEmptyTranscript(t *testing.T) {
	out, summary, err := Flag(Transcript{}, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if summary.Threshold != 0 || summary.SegmentsFlagged != 0 || len(out.Segments) != 0 {
		t.Fatalf("unexpected result %+v", summary)
	}
}

func TestFlagIsPureAndIdempotent(t *testing.T) {
	in := Transcript{Segments: []Segment{
		{Start: 0, End: 2, AvgLogprob: ptr(-0.2), Words: []Word{
			{Word: "a", Start: 0, End: 1, Probability: 0.3},
			{Word: "b", Start: 1, End: 2, Probability: 0.8},
		}},
		{Start: 2, End: 3, AvgLogprob: ptr(-0.9)},
	}}
	once, _, err := Flag(in, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if in.Segments[0].Words[0].Review || in.Segments[0].WordReviewThreshold != nil {
		t.Fatal("flag must not mutate its input")
	}
	twice, _, err := Flag(once, DefaultFlagOptions())
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatal("re-flagging changed the result")
	}
}

func TestFlagRejectsBadPercentile(t *testing.T) {
	if _, _, err := Flag(Transcript{}, FlagOptions{SegmentPercentile: 101, WordPercentile: 95}); err == nil {
		t.Fatal("expected error for percentile above 100")
	}
}

func TestDecodeAcceptsArrayAndObject(t *testing.T) {
	arr := `[{"start":0,"end":1,"text":"hola","avg_logprob":-0.2,"words":[{"word":"hola","start":0,"end":1,"probability":0.7}]}]`
	obj := `{"segments":` + arr + `}`
	for name, raw := range map[string]string{"array": arr, "object": obj} {
		t.Run(name, func(t *testing.T) {
			tr, err := Decode(strings.NewReader(raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(tr.Segments) != 1 || tr.Segments[0].Words[0].Word != "hola" {
				t.Fatalf("unexpected transcript %+v", tr)
			}
			if tr.Segments[0].AvgLogprob == nil || *tr.Segments[0].AvgLogprob != -0.2 {
				t.Fatal("expected avg_logprob to decode")
			}
		})
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	bad := Transcript{Segments: []Segment{
		{Start: 2, End: 1},
	}}
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for end before start")
	}
	badProb := Transcript{Segments: []Segment{
		{Start: 0, End: 1, Words: []Word{{Word: "x", Start: 0, End: 1, Probability: 1.5}}},
	}}
	if err := Validate(badProb); err == nil {
		t.Fatal("expected error for probability above 1")
	}
	ok := Transcript{Segments: []Segment{
		{Start: 0, End: 1, Words: []Word{{Word: "x", Start: 0, End: 1, Probability: 0.5}}},
	}}
	if err := Validate(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
