// Package matcher finds curated example queries matching a user question,
// so the agent can reuse known-good DAX instead of generating from scratch.
package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dWassimeb/Talk4Finance/internal/catalog"
)

// similarityThreshold is the minimum token-overlap ratio for a similar match
const similarityThreshold = 0.5

var (
	yearPattern    = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	topNPattern    = regexp.MustCompile(`(?i)top\s+(\d+)`)
	productPattern = regexp.MustCompile(`[Pp]\d{3}`)
)

// Kind classifies how well a question matched the example library
type Kind int

const (
	KindNone Kind = iota
	KindSimilar
	KindExact
)

// Result describes the best example match for a question
type Result struct {
	Kind       Kind
	Template   catalog.Example
	Similarity float64
	// Hints list template parameters that likely need substitution. They are
	// reported to the agent, never applied automatically.
	Hints []string
}

// Matcher matches questions against an ordered example library
type Matcher struct {
	examples []catalog.Example
}

// New creates a matcher over the given example library
func New(examples []catalog.Example) *Matcher {
	return &Matcher{examples: examples}
}

// Match finds the best example for the question. Exact matches compare the
// normalized question text; similar matches use token overlap against each
// template's tokens, best entry wins.
func (m *Matcher) Match(question string) Result {
	normalized := normalize(question)
	if normalized == "" {
		return Result{Kind: KindNone}
	}

	for _, example := range m.examples {
		if normalized == normalize(example.Question) {
			return Result{Kind: KindExact, Template: example, Similarity: 1.0}
		}
	}

	best := Result{Kind: KindNone}
	highest := similarityThreshold
	userTerms := tokenSet(normalized)

	for _, example := range m.examples {
		templateTerms := tokenSet(normalize(example.Question))
		if len(templateTerms) == 0 {
			continue
		}

		shared := 0

		for term := range templateTerms {
			if userTerms[term] {
				shared++
			}
		}

		similarity := float64(shared) / float64(len(templateTerms))
		if similarity > highest {
			highest = similarity
			best = Result{
				Kind:       KindSimilar,
				Template:   example,
				Similarity: similarity,
				Hints:      adaptationHints(example.Question, question),
			}
		}
	}

	return best
}

// Render produces the observation text for the agent. The prefixes are part
// of the tool-output contract the reasoning prompt relies on.
func (r Result) Render() string {
	switch r.Kind {
	case KindExact:
		return fmt.Sprintf(
			"EXACT_MATCH: Found exact match with template question: '%s'\nUse this query:\n\n%s",
			r.Template.Question, r.Template.Query)
	case KindSimilar:
		var sb strings.Builder

		fmt.Fprintf(&sb,
			"SIMILAR_MATCH: Found similar match with template question: '%s'\n",
			r.Template.Question)
		fmt.Fprintf(&sb, "Similarity score: %.0f%%\n", r.Similarity*100)

		if len(r.Hints) > 0 {
			sb.WriteString("Parameters that may need adaptation:\n")

			for _, hint := range r.Hints {
				fmt.Fprintf(&sb, "- %s\n", hint)
			}
		}

		fmt.Fprintf(&sb, "\nTemplate query:\n\n%s", r.Template.Query)

		return sb.String()
	default:
		return "NO_MATCH: No matching query examples found. " +
			"Create a new DAX query based on the tables and relationships."
	}
}

// normalize lowercases, trims and drops a trailing question mark
func normalize(question string) string {
	normalized := strings.ToLower(strings.TrimSpace(question))
	normalized = strings.TrimSuffix(normalized, "?")

	return strings.TrimSpace(normalized)
}

func tokenSet(text string) map[string]bool {
	terms := make(map[string]bool)

	for _, term := range strings.Fields(strings.ReplaceAll(text, "?", "")) {
		terms[term] = true
	}

	return terms
}

// adaptationHints spots template parameters that differ from the question:
// years, top-N counts, product codes and business-unit mentions.
func adaptationHints(template, question string) []string {
	var hints []string

	templateYears := yearPattern.FindAllString(template, -1)
	questionYears := yearPattern.FindAllString(question, -1)

	for _, templateYear := range templateYears {
		if contains(questionYears, templateYear) {
			continue
		}

		for _, questionYear := range questionYears {
			if !contains(templateYears, questionYear) {
				hints = append(hints, fmt.Sprintf("Year: from %s to %s", templateYear, questionYear))
				break
			}
		}
	}

	templateTop := topNPattern.FindStringSubmatch(template)
	questionTop := topNPattern.FindStringSubmatch(question)

	if templateTop != nil && questionTop != nil && templateTop[1] != questionTop[1] {
		hints = append(hints, fmt.Sprintf("TOP N: from %s to %s", templateTop[1], questionTop[1]))
	}

	templateProduct := productPattern.FindString(template)
	questionProduct := productPattern.FindString(question)

	if templateProduct != "" && questionProduct != "" &&
		!strings.EqualFold(templateProduct, questionProduct) {
		hints = append(hints, fmt.Sprintf(
			"Product Code: from %s to %s", templateProduct, questionProduct))
	}

	if mentionsBusinessUnit(template) && mentionsBusinessUnit(question) {
		hints = append(hints, "Business Unit: check the BU name against the template")
	}

	return hints
}

func mentionsBusinessUnit(text string) bool {
	lower := strings.ToLower(text)

	for _, keyword := range []string{"sous bu", "business unit", " bu "} {
		if strings.Contains(lower, keyword) {
			return true
		}
	}

	return false
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}

	return false
}
