// ABOUTME: Deterministic routing by matching message words against agent cards
// ABOUTME: Skill tags weigh most; ties rotate round-robin; low scores ask for clarification

package routing

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/2389/conclave/internal/a2a"
)

// DefaultKeywordThreshold is the minimum score needed to route without
// asking. A single skill tag or skill name hit clears it.
const DefaultKeywordThreshold = 2

// Weights applied to each kind of card text.
const (
	weightTag         = 3
	weightSkillName   = 2
	weightExample     = 2
	weightCardName    = 2
	weightDescription = 1
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by can could do does for from
		get give have help how i if in is it its me my need no not of on or please
		show so tell than that the their them then there these this to up us use
		want was we what when where which who why will with would you your like
		some any about make let just into out also more very should`) {
		stopwords[w] = struct{}{}
	}
}

// KeywordPolicy scores every agent card against the words of the message.
type KeywordPolicy struct {
	threshold int
	rr        roundRobin
}

// NewKeywordPolicy creates a keyword policy. threshold <= 0 uses
// DefaultKeywordThreshold.
func NewKeywordPolicy(threshold int) *KeywordPolicy {
	if threshold <= 0 {
		threshold = DefaultKeywordThreshold
	}
	return &KeywordPolicy{threshold: threshold}
}

// Name implements Policy.
func (p *KeywordPolicy) Name() string { return "keyword" }

// Decide implements Policy.
func (p *KeywordPolicy) Decide(_ context.Context, text string, agents []a2a.AgentCard) (Decision, error) {
	words := tokenize(text)
	if len(agents) == 0 || len(words) == 0 {
		return Decision{Clarification: ClarificationText(agents), Reason: "nothing to match"}, nil
	}

	best := 0
	var tied []string
	for _, card := range agents {
		score := scoreCard(words, vocabulary(card))
		switch {
		case score > best:
			best = score
			tied = []string{card.URL}
		case score == best && score > 0:
			tied = append(tied, card.URL)
		}
	}

	if best < p.threshold {
		return Decision{
			Clarification: ClarificationText(agents),
			Reason:        fmt.Sprintf("best score %d below threshold %d", best, p.threshold),
		}, nil
	}

	url, err := p.rr.pick(tied)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Tool:     ToolSendMessage,
		AgentURL: url,
		Reason:   fmt.Sprintf("score %d across %d candidate(s)", best, len(tied)),
	}, nil
}

// vocabulary maps each stemmed card word to the highest weight it appears with.
func vocabulary(card a2a.AgentCard) map[string]int {
	vocab := make(map[string]int)
	add := func(s string, weight int) {
		for _, w := range tokenize(s) {
			if weight > vocab[w] {
				vocab[w] = weight
			}
		}
	}
	add(card.Name, weightCardName)
	add(card.Description, weightDescription)
	for _, s := range card.Skills {
		add(s.Name, weightSkillName)
		add(s.Description, weightDescription)
		for _, ex := range s.Examples {
			add(ex, weightExample)
		}
		for _, tag := range s.Tags {
			add(tag, weightTag)
		}
	}
	return vocab
}

func scoreCard(words []string, vocab map[string]int) int {
	score := 0
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		score += vocab[w]
	}
	return score
}

// tokenize lowercases s, splits on anything that is not a letter or digit,
// drops stopwords and single characters, and stems what is left.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// stem strips one common English suffix so "images" and "image" or
// "coding" and "code" compare equal.
func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s", "e"} {
		if strings.HasSuffix(w, suffix) && len(w)-len(suffix) >= 3 {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}
