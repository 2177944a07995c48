package recall

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlapScorer(t *testing.T) {
	s := OverlapScorer{}
	cases := []struct {
		name    string
		query   string
		content string
		want    float64
	}{
		{"full overlap", "i like pizza", "I said I like pizza and pasta", 1.0},
		{"empty query", "", "anything", 0},
		{"empty both", "", "", 0},
		{"empty content", "hello world", "", 0},
		{"half", "python tips", "python rocks", 0.5},
		{"case insensitive", "GoLang", "golang is fun", 1.0},
		{"no stemming", "what language do you prefer", "User likes Python", 0},
		{"punctuation is part of token", "python", "python!", 0},
		{"repeated query tokens count each", "go go rust", "go", 2.0 / 3.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.Score(tc.query, tc.content)
			assert.InDelta(t, tc.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestScorerFunc(t *testing.T) {
	var s Scorer = ScorerFunc(func(q, c string) float64 { return 0.42 })
	assert.Equal(t, 0.42, s.Score("a", "b"))
}
