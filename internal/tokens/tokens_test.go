package tokens

import (
	"errors"
	"testing"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

func TestTiktokenCounter_CountText(t *testing.T) {
	c := NewTiktokenCounter(DefaultEncoding)

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single word", "hello", 1},
		{"sentence", "hello world", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CountText(tt.text)
			if err != nil {
				t.Fatalf("CountText() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimator_CountText(t *testing.T) {
	e := NewEstimator()
	got, _ := e.CountText("abcdefghijklmnop")
	if got != 4 {
		t.Errorf("CountText() = %d, want 4", got)
	}
	// Multi-byte text is measured in characters.
	got, _ = e.CountText("研究研究研究研究")
	if got != 2 {
		t.Errorf("CountText() = %d, want 2", got)
	}
}

type failingCounter struct{}

func (failingCounter) CountText(string) (int, error) {
	return 0, errors.New("encoding unavailable")
}

func TestWithFallback(t *testing.T) {
	c := withFallback{primary: failingCounter{}, fallback: NewEstimator()}
	got, err := c.CountText("abcdefgh")
	if err != nil {
		t.Fatalf("CountText() error = %v", err)
	}
	if got != 2 {
		t.Errorf("CountText() = %d, want 2", got)
	}
}

func TestReportStats(t *testing.T) {
	tests := []struct {
		name        string
		result      domain.ResearchResult
		wantSources int
		wantChars   int
		wantTokens  bool
	}{
		{
			name: "cited sources",
			result: domain.ResearchResult{
				MarkdownReport: "# Report\n\nBody text.",
				Sources:        []domain.Source{{URL: "https://a"}},
				AllSources:     []domain.Source{{URL: "https://a"}, {URL: "https://b"}},
			},
			wantSources: 1,
			wantChars:   20,
			wantTokens:  true,
		},
		{
			name: "falls back to all sources",
			result: domain.ResearchResult{
				MarkdownReport: "résumé",
				AllSources:     []domain.Source{{URL: "https://a"}, {URL: "https://b"}},
			},
			wantSources: 2,
			wantChars:   6,
			wantTokens:  true,
		},
		{
			name:   "empty report",
			result: domain.ResearchResult{},
		},
	}

	counter := NewReportCounter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReportStats(tt.result, counter)
			if got.Sources != tt.wantSources {
				t.Errorf("Sources = %d, want %d", got.Sources, tt.wantSources)
			}
			if got.Characters != tt.wantChars {
				t.Errorf("Characters = %d, want %d", got.Characters, tt.wantChars)
			}
			if (got.Tokens > 0) != tt.wantTokens {
				t.Errorf("Tokens = %d, want tokens: %v", got.Tokens, tt.wantTokens)
			}
		})
	}
}
