package enrich

import (
	"strings"

	"github.com/hazyhaar/crosswalk/pkg/cityreg"
)

// Strategy scores how well a candidate name matches the wanted name, in [0,1].
type Strategy struct {
	Name  string
	Score func(candidate, wanted string) float64
}

// DefaultStrategies is the fallback chain: exact, canonical, contains, then
// edit distance. The name similarity is the best score of the chain.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "exact", Score: exactMatch},
		{Name: "canonical", Score: canonicalMatch},
		{Name: "contains", Score: containsMatch},
		{Name: "levenshtein", Score: editSimilarity},
	}
}

func exactMatch(a, b string) float64 {
	if a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return 1.0
	}
	return 0
}

func canonicalMatch(a, b string) float64 {
	na, nb := cityreg.Normalize(a), cityreg.Normalize(b)
	if na != "" && na == nb {
		return 0.95
	}
	return 0
}

func containsMatch(a, b string) float64 {
	na, nb := cityreg.Normalize(a), cityreg.Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.85
	}
	return 0
}

// editSimilarity is 1 - distance/maxLen over the normalized runes, capped
// below the contains score.
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(cityreg.Normalize(a)), []rune(cityreg.Normalize(b))
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 0
	}
	return min(1-float64(levenshtein(ra, rb))/float64(maxLen), maxEditSimilarity)
}

const maxEditSimilarity = 0.8

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// FeatureBonus favors populated places over administrative areas.
func FeatureBonus(fcode string) float64 {
	switch {
	case fcode == "PPLC":
		return 0.2
	case strings.HasPrefix(fcode, "PPLA"):
		return 0.15
	case strings.HasPrefix(fcode, "PPL"):
		return 0.1
	default:
		return 0
	}
}

// Scorer ranks search candidates against the wanted city name.
type Scorer struct {
	Strategies []Strategy
	// Weight scales the name similarity before the feature bonus is added.
	Weight   float64
	MinScore float64
}

// DefaultScorer returns the scorer used when none is configured.
func DefaultScorer() *Scorer {
	return &Scorer{Strategies: DefaultStrategies(), Weight: 0.8, MinScore: 0.6}
}

// Similarity returns the best strategy score over the candidate's names.
func (s *Scorer) Similarity(c Candidate, wanted string) float64 {
	best := 0.0
	for _, name := range []string{c.Name, c.ToponymName} {
		if name == "" {
			continue
		}
		for _, st := range s.Strategies {
			best = max(best, st.Score(name, wanted))
		}
	}
	return best
}

// Score returns nameSimilarity*Weight + FeatureBonus.
func (s *Scorer) Score(c Candidate, wanted string) float64 {
	return s.Similarity(c, wanted)*s.Weight + FeatureBonus(c.FCode)
}

// ScoreAndSelect returns the best candidate scoring at least MinScore, or
// nil. On equal scores the earlier candidate wins, keeping the service's
// relevance order.
func (s *Scorer) ScoreAndSelect(cands []Candidate, wanted string) (*Candidate, float64) {
	var (
		best      *Candidate
		bestScore float64
	)
	for i := range cands {
		score := s.Score(cands[i], wanted)
		if score < s.MinScore {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = &cands[i], score
		}
	}
	return best, bestScore
}
