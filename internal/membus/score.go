package membus

import (
	"sort"
	"strings"

	"github.com/HendryAvila/membus/internal/docstore"
)

// Scorer ranks keyword candidates. Higher scores rank first.
type Scorer interface {
	Score(hit docstore.SearchHit, terms, fields []string) float64
}

// FieldWeightScorer scores by term frequency per field times the field
// weight.
type FieldWeightScorer struct {
	Title, Tags, Content float64
}

// DefaultScorer weights title over tags over content.
var DefaultScorer Scorer = FieldWeightScorer{Title: 3, Tags: 2, Content: 1}

// Score implements Scorer.
func (s FieldWeightScorer) Score(hit docstore.SearchHit, terms, fields []string) float64 {
	use := func(f string) bool {
		if len(fields) == 0 {
			return true
		}
		for _, x := range fields {
			if strings.EqualFold(x, f) {
				return true
			}
		}
		return false
	}
	title := strings.ToLower(hit.Title())
	tags := strings.ToLower(strings.Join(hit.Frontmatter.Tags(), " "))
	content := strings.ToLower(hit.Content)

	var score float64
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if use(docstore.FieldTitle) {
			score += s.Title * float64(strings.Count(title, term))
		}
		if use(docstore.FieldTags) {
			score += s.Tags * float64(strings.Count(tags, term))
		}
		if use(docstore.FieldContent) {
			score += s.Content * float64(strings.Count(content, term))
		}
	}
	return score
}

type scoredHit struct {
	hit   docstore.SearchHit
	score float64
}

// rank orders hits by score, then by bm25 (lower is better), then by path.
func rank(sc Scorer, hits []docstore.SearchHit, terms, fields []string) []scoredHit {
	out := make([]scoredHit, len(hits))
	for i, h := range hits {
		out[i] = scoredHit{hit: h, score: sc.Score(h, terms, fields)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.hit.BM25 != b.hit.BM25 {
			return a.hit.BM25 < b.hit.BM25
		}
		return a.hit.Path < b.hit.Path
	})
	return out
}
