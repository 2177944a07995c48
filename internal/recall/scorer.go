package recall

import "strings"

// Scorer rates how relevant a candidate text is to a query, in [0,1].
type Scorer interface {
	Score(query, content string) float64
}

// ScorerFunc adapts a plain function to Scorer.
type ScorerFunc func(query, content string) float64

func (f ScorerFunc) Score(query, content string) float64 { return f(query, content) }

// OverlapScorer is a bag-of-words heuristic: the fraction of query tokens
// that appear anywhere in the content. No stemming, no stop words, exact
// lower-cased token matches only.
type OverlapScorer struct{}

func (OverlapScorer) Score(query, content string) float64 {
	queryTokens := strings.Fields(strings.ToLower(query))
	contentTokens := strings.Fields(strings.ToLower(content))

	set := make(map[string]struct{}, len(contentTokens))
	for _, t := range contentTokens {
		set[t] = struct{}{}
	}

	matched := 0
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			matched++
		}
	}

	denom := len(queryTokens)
	if denom < 1 {
		denom = 1
	}
	score := float64(matched) / float64(denom)
	if score > 1 {
		score = 1
	}
	return score
}
