package evidence

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

func fixedClock() time.Time {
	return time.Date(2025, 1, 15, 10, 30, 0, 0, time.FixedZone("CET", 3600))
}

func TestBuildValidPackage(t *testing.T) {
	builder := NewBuilder(WithClock(fixedClock))
	sources := []Source{{URL: "https://example.com/a", Title: "A", Snippet: "alpha"}}

	pkg, err := builder.Build("Will it rain?", 1, 0.876543, sources, "because clouds")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := Package{
		Version:    SchemaVersion,
		Question:   "Will it rain?",
		Outcome:    1,
		Confidence: 0.8765,
		Sources:    sources,
		Reasoning:  "because clouds",
		Timestamp:  "2025-01-15T09:30:00Z",
	}
	if diff := cmp.Diff(want, pkg); diff != "" {
		t.Fatalf("package mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	builder := NewBuilder()
	cases := map[string]struct {
		question   string
		outcome    int
		confidence float64
		sources    []Source
		reasoning  string
	}{
		"empty question":         {"", 0, 0.5, nil, ""},
		"negative outcome":       {"q", -1, 0.5, nil, ""},
		"confidence above 1":     {"q", 0, 1.01, nil, ""},
		"confidence below 0":     {"q", 0, -0.01, nil, ""},
		"confidence NaN":         {"q", 0, math.NaN(), nil, ""},
		"invalid utf8 question":  {"will \xff happen", 0, 0.5, nil, ""},
		"invalid utf8 reasoning": {"q", 0, 0.5, nil, "bad \xc3\x28"},
		"invalid utf8 snippet":   {"q", 0, 0.5, []Source{{URL: "u", Snippet: "\xfe"}}, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := builder.Build(tc.question, tc.outcome, tc.confidence, tc.sources, tc.reasoning)
			if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestBuildAcceptsBoundaries(t *testing.T) {
	builder := NewBuilder()
	for _, c := range []float64{0, 1} {
		pkg, err := builder.Build("q", 0, c, nil, "")
		if err != nil {
			t.Fatalf("confidence %v should be accepted: %v", c, err)
		}
		if pkg.Sources == nil {
			t.Fatalf("sources should never be nil")
		}
	}
}

func TestBuildAcceptsWhitespaceQuestion(t *testing.T) {
	pkg, err := NewBuilder().Build("   ", 0, 0.5, nil, "")
	if err != nil {
		t.Fatalf("only an empty question is rejected: %v", err)
	}
	if pkg.Question != "   " {
		t.Fatalf("question must be kept verbatim, got %q", pkg.Question)
	}
}

func TestCanonicalPreservesLargeIntegersAndText(t *testing.T) {
	pkg := Package{
		Version:    SchemaVersion,
		Question:   "价格会突破 <100> & 更高吗？",
		Outcome:    9007199254740993,
		Confidence: 0.1234,
		Sources:    []Source{{URL: "https://example.com/?a=1&b=2", Title: "t", Snippet: "🚀"}},
		Timestamp:  "2025-01-15T09:30:00Z",
	}
	data, err := Canonical(pkg)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if !strings.Contains(string(data), `"outcome":9007199254740993`) {
		t.Fatalf("outcome must be encoded exactly: %s", data)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(pkg, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalRejectsInvalidUTF8(t *testing.T) {
	pkg := Package{Question: "ok", Sources: []Source{{Title: "bad \xff"}}}
	if _, err := Canonical(pkg); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCanonicalIsStableAndSorted(t *testing.T) {
	pkg := Package{
		Version:    SchemaVersion,
		Question:   "q",
		Outcome:    2,
		Confidence: 0.5,
		Sources:    []Source{{URL: "u", Title: "t", Snippet: "s"}},
		Reasoning:  "r",
		Timestamp:  "2025-01-15T09:30:00Z",
	}
	first, err := Canonical(pkg)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, _ := Canonical(pkg)
	if string(first) != string(second) {
		t.Fatalf("canonical encoding must be deterministic")
	}
	want := `{"confidence":0.5,"outcome":2,"question":"q","reasoning":"r","sources":[{"snippet":"s","title":"t","url":"u"}],"timestamp":"2025-01-15T09:30:00Z","version":"1.0.0"}`
	if string(first) != want {
		t.Fatalf("unexpected encoding:\n got %s\nwant %s", first, want)
	}

	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(pkg, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAverageSnippetLength(t *testing.T) {
	pkg := Package{Sources: []Source{{Snippet: strings.Repeat("a", 10)}, {Snippet: strings.Repeat("b", 20)}}}
	if got := pkg.AverageSnippetLength(); got != 15 {
		t.Fatalf("unexpected average %v", got)
	}
	if got := (Package{}).AverageSnippetLength(); got != 0 {
		t.Fatalf("empty package should average 0, got %v", got)
	}
}
