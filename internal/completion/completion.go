// Package completion defines the narrow capability the job pipeline uses to
// turn text into candidate memories and to judge node pairs.
package completion

import (
	"context"
	"fmt"
	"strings"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

// Candidate is a proposed memory, or for pair judgments a proposed relation.
type Candidate struct {
	Content    string             `json:"content"`
	Summary    string             `json:"summary,omitempty"`
	Category   model.Category     `json:"category,omitempty"`
	Importance float64            `json:"importance,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Relation   model.RelationType `json:"relation,omitempty"`
}

// Capability proposes candidates for a piece of content.
type Capability interface {
	Propose(ctx context.Context, content, instructions string) ([]Candidate, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, content, instructions string) ([]Candidate, error)

// Propose calls f. Errors not already marked are wrapped as capability
// failures.
func (f Func) Propose(ctx context.Context, content, instructions string) ([]Candidate, error) {
	out, err := f(ctx, content, instructions)
	if err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func wrap(err error) error {
	if model.IsCapability(err) {
		return err
	}
	return model.Capability("propose", err)
}

// Default instructions sent with each kind of request.
const (
	ExtractInstructions = `Extract the distinct, self-contained memories worth keeping from the text.
Each memory needs content, a one line summary, a category (conversation, thought, knowledge, fact, preference),
importance and confidence between 0 and 1, and a few lower-case tags.`

	RelateInstructions = `Decide how memory A relates to memory B. Answer with a single candidate whose relation is
RELATES_TO, CONTRADICTS or REINFORCES (or an empty list when unrelated), confidence between 0 and 1,
and content explaining the link in one sentence.`
)

const (
	pairA = "Memory A:\n"
	pairB = "\n\nMemory B:\n"
)

// PairPrompt formats two node contents for a relationship judgment.
func PairPrompt(a, b string) string {
	return pairA + a + pairB + b
}

// SplitPair reverses PairPrompt.
func SplitPair(content string) (a, b string, ok bool) {
	if !strings.HasPrefix(content, pairA) {
		return "", "", false
	}
	rest := strings.TrimPrefix(content, pairA)
	i := strings.Index(rest, pairB)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(pairB):], true
}

// Join concatenates default and caller instructions.
func Join(base, extra string) string {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return base
	}
	return fmt.Sprintf("%s\n\nAdditional instructions:\n%s", base, extra)
}
