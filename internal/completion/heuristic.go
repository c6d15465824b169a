package completion

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Heuristic is an offline capability. Extraction turns each paragraph into a
// candidate; pair judgments score token overlap.
type Heuristic struct{}

// Propose implements Capability.
func (Heuristic) Propose(ctx context.Context, content, instructions string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.Capability("heuristic", err)
	}
	if a, b, ok := SplitPair(content); ok {
		return judgePair(a, b), nil
	}
	return paragraphs(content), nil
}

func paragraphs(content string) []Candidate {
	var out []Candidate
	for _, block := range strings.Split(content, "\n\n") {
		var lines []string
		for _, l := range strings.Split(block, "\n") {
			l = strings.TrimSpace(l)
			if l == "" || strings.HasPrefix(l, "#") {
				continue
			}
			lines = append(lines, strings.TrimLeft(l, "-*> "))
		}
		text := strings.TrimSpace(strings.Join(lines, " "))
		if len(text) < 3 {
			continue
		}
		out = append(out, Candidate{
			Content:    text,
			Summary:    firstSentence(text, 80),
			Category:   guessCategory(text),
			Importance: model.DefaultImportance,
			Confidence: 0.6,
			Tags:       topTokens(text, 3),
		})
	}
	return out
}

func judgePair(a, b string) []Candidate {
	ta, tb := tokenSet(a), tokenSet(b)
	score := jaccard(ta, tb)
	if score < 0.2 {
		return nil
	}
	rel := model.RelRelatesTo
	switch {
	case negated(ta) != negated(tb):
		rel = model.RelContradicts
	case score >= 0.5:
		rel = model.RelReinforces
	}
	return []Candidate{{
		Content:    "shared terms: " + strings.Join(shared(ta, tb, 5), ", "),
		Relation:   rel,
		Confidence: math.Round(score*100) / 100,
	}}
}

func firstSentence(s string, max int) string {
	if i := strings.IndexAny(s, ".!?"); i > 0 {
		s = s[:i+1]
	}
	if len(s) > max {
		s = strings.TrimSpace(s[:max-3]) + "..."
	}
	return s
}

func guessCategory(s string) model.Category {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "prefer") || strings.Contains(lower, " like ") || strings.Contains(lower, "favorite"):
		return model.CategoryPreference
	case strings.Contains(lower, "i think") || strings.Contains(lower, "maybe") || strings.Contains(lower, "idea"):
		return model.CategoryThought
	case strings.IndexFunc(s, unicode.IsDigit) >= 0:
		return model.CategoryFact
	}
	return model.CategoryKnowledge
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "are": true, "was": true, "were": true, "has": true, "have": true,
	"but": true, "not": true, "you": true, "your": true, "its": true, "into": true,
	"than": true, "then": true, "them": true, "they": true, "what": true, "when": true,
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokens(s) {
		if len(t) > 2 && !stopwords[t] {
			set[t] = true
		}
	}
	// negations are kept for contradiction checks even though they are
	// stopwords.
	for _, t := range tokens(s) {
		if t == "not" || t == "never" || t == "no" {
			set["\x00neg"] = true
		}
	}
	return set
}

func negated(set map[string]bool) bool { return set["\x00neg"] }

func jaccard(a, b map[string]bool) float64 {
	inter, union := 0, 0
	for t := range a {
		if t == "\x00neg" {
			continue
		}
		union++
		if b[t] {
			inter++
		}
	}
	for t := range b {
		if t != "\x00neg" && !a[t] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func shared(a, b map[string]bool, n int) []string {
	var out []string
	for t := range a {
		if t != "\x00neg" && b[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topTokens(s string, n int) []string {
	counts := map[string]int{}
	for _, t := range tokens(s) {
		if len(t) >= 4 && !stopwords[t] {
			counts[t]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
