// Package tokens counts tokens in finished research reports.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/deepsearch-client/internal/core/domain"
)

// DefaultEncoding is the encoding used for report statistics.
const DefaultEncoding = tokenizer.Cl100kBase

// Counter counts tokens in a piece of text.
type Counter interface {
	CountText(text string) (int, error)
}

// TiktokenCounter counts tokens with a tiktoken encoding. The codec is loaded
// on first use.
type TiktokenCounter struct {
	encoding tokenizer.Encoding

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewTiktokenCounter creates a counter for the given encoding.
func NewTiktokenCounter(encoding tokenizer.Encoding) *TiktokenCounter {
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) load() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(c.encoding)
		if c.err != nil {
			c.err = fmt.Errorf("failed to get tokenizer encoding: %w", c.err)
		}
	})
	return c.codec, c.err
}

// CountText counts tokens for a plain text string.
func (c *TiktokenCounter) CountText(text string) (int, error) {
	codec, err := c.load()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountText estimates the token count. It never fails.
func (e *Estimator) CountText(text string) (int, error) {
	return int(float64(utf8.RuneCountInString(text)) / e.CharsPerToken), nil
}

// withFallback tries primary and falls back to the estimator on error.
type withFallback struct {
	primary  Counter
	fallback Counter
}

func (w withFallback) CountText(text string) (int, error) {
	if n, err := w.primary.CountText(text); err == nil {
		return n, nil
	}
	return w.fallback.CountText(text)
}

// NewReportCounter returns the counter used for report statistics: cl100k
// via tiktoken, estimated when the encoding cannot be loaded.
func NewReportCounter() Counter {
	return withFallback{
		primary:  NewTiktokenCounter(DefaultEncoding),
		fallback: NewEstimator(),
	}
}

// ReportStats summarizes a research result. Cited sources are counted,
// falling back to all discovered sources when none were cited.
func ReportStats(result domain.ResearchResult, counter Counter) domain.ReportStats {
	stats := domain.ReportStats{
		Sources:    len(result.Sources),
		Characters: utf8.RuneCountInString(result.MarkdownReport),
	}
	if stats.Sources == 0 {
		stats.Sources = len(result.AllSources)
	}
	if counter != nil && result.MarkdownReport != "" {
		if n, err := counter.CountText(result.MarkdownReport); err == nil {
			stats.Tokens = n
		}
	}
	return stats
}
