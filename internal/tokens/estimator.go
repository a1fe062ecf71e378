// Package tokens approximates token counts for budget decisions. Nothing
// here is exact; callers use the numbers only as thresholds.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// CharsPerToken is the ratio behind the default heuristic.
const CharsPerToken = 4

type Estimator interface {
	Estimate(text string) int
}

// CharEstimator counts one token per CharsPerToken characters.
type CharEstimator struct{}

func (CharEstimator) Estimate(text string) int {
	return utf8.RuneCountInString(text) / CharsPerToken
}

// TiktokenEstimator counts cl100k_base tokens. If the encoding cannot be
// loaded it degrades to the character heuristic.
type TiktokenEstimator struct {
	once     sync.Once
	enc      *tiktoken.Tiktoken
	loadErr  error
	encoding string
}

func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if strings.TrimSpace(encoding) == "" {
		encoding = "cl100k_base"
	}
	e := &TiktokenEstimator{encoding: encoding}
	e.load()
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return e, nil
}

func (e *TiktokenEstimator) load() {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.loadErr = fmt.Errorf("tokenizer: get encoding %s: %w", e.encoding, err)
			return
		}
		e.enc = enc
	})
}

func (e *TiktokenEstimator) Estimate(text string) int {
	e.load()
	if e.enc == nil {
		return CharEstimator{}.Estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// New returns the estimator named by kind ("chars" or "tiktoken").
func New(kind string) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "chars", "char":
		return CharEstimator{}, nil
	case "tiktoken", "cl100k_base":
		return NewTiktokenEstimator("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown token estimator %q", kind)
	}
}

// Sum estimates several texts together.
func Sum(e Estimator, texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Estimate(t)
	}
	return total
}

// TruncateChars cuts text to at most budget tokens' worth of characters,
// never splitting a rune.
func TruncateChars(text string, budget int) string {
	limit := budget * CharsPerToken
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i]
		}
		n++
	}
	return text
}
