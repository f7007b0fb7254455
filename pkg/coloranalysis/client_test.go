package coloranalysis

import (
	"context"
	"errors"
	"testing"

	"printframe/pkg/domain"
)

type fakeAnalyzer struct {
	reply string
	err   error
	calls int
}

func (f *fakeAnalyzer) AnalyzeImage(ctx context.Context, systemPrompt, userPrompt string, image []byte) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestAnalyzeParsesFencedReply(t *testing.T) {
	analyzer := &fakeAnalyzer{reply: "Here you go:\n```json\n{\"brightness\": 12, \"contrast\": -4, \"saturation\": 8, \"vibrance\": 10, \"warmth\": 6, \"highlights\": -15, \"shadows\": 20, \"recommendation\": \"lift shadows\"}\n```"}
	got := New(analyzer).Analyze(context.Background(), []byte("img"))
	want := domain.ColorAdjustment{Brightness: 12, Contrast: -4, Saturation: 8, Vibrance: 10, Warmth: 6, Highlights: -15, Shadows: 20, Recommendation: "lift shadows"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAnalyzeClampsOutOfRangeValues(t *testing.T) {
	analyzer := &fakeAnalyzer{reply: `{"brightness": 400, "contrast": -250, "saturation": 0, "vibrance": 0, "warmth": 0, "highlights": 0, "shadows": 0, "recommendation": "x"}`}
	got := New(analyzer).Analyze(context.Background(), nil)
	if got.Brightness != 100 || got.Contrast != -100 {
		t.Fatalf("expected clamped values, got %+v", got)
	}
}

func TestAnalyzeFallsBackToNeutral(t *testing.T) {
	cases := map[string]*fakeAnalyzer{
		"provider error": {err: errors.New("boom")},
		"no json":        {reply: "I cannot help with that"},
		"missing field":  {reply: `{"brightness": 1, "contrast": 1, "saturation": 1, "vibrance": 1, "warmth": 1, "highlights": 1, "recommendation": "no shadows"}`},
		"wrong type":     {reply: `{"brightness": "high", "contrast": 1, "saturation": 1, "vibrance": 1, "warmth": 1, "highlights": 1, "shadows": 1, "recommendation": "x"}`},
		"broken json":    {reply: `{"brightness": 1,`},
	}
	for name, analyzer := range cases {
		got := New(analyzer).Analyze(context.Background(), []byte("img"))
		if got != domain.NeutralAdjustment() {
			t.Fatalf("%s: expected neutral adjustment, got %+v", name, got)
		}
		if analyzer.calls != 1 {
			t.Fatalf("%s: expected one provider call, got %d", name, analyzer.calls)
		}
	}
}

func TestAnalyzeWithoutProviderIsNeutral(t *testing.T) {
	got := New(nil).Analyze(context.Background(), []byte("img"))
	if got != domain.NeutralAdjustment() {
		t.Fatalf("expected neutral adjustment, got %+v", got)
	}
}

func TestParseReportsMissingObject(t *testing.T) {
	if _, err := Parse("```\n```"); !errors.Is(err, ErrNoJSON) {
		t.Fatalf("expected ErrNoJSON, got %v", err)
	}
}
