// Package dax normalizes and repairs DAX queries produced by the language
// model before they are sent to the PowerBI execution engine.
package dax

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	langTagPattern       = regexp.MustCompile(`(?is)^EVALUATE\s+([A-Za-z]+)\s+(.+)$`)
	doubleEvaluate       = regexp.MustCompile(`(?i)EVALUATE\s+EVALUATE`)
	evaluatePrefix       = regexp.MustCompile(`(?i)EVALUATE\s+`)
	startsWithEvaluate   = regexp.MustCompile(`(?i)^EVALUATE`)
	taggedEvaluate       = regexp.MustCompile(`(?i)EVALUATE\s+[A-Za-z]+\s+EVALUATE`)
	doubleBracketPattern = regexp.MustCompile(`\[\[[^\]]+\]\]`)
	n1SuffixPattern      = regexp.MustCompile(`\[[^\]]+\]/N-1`)
)

// Result is a normalized query along with the repairs that were applied
type Result struct {
	Query string
	Notes []string
}

// Normalize cleans a raw model-produced query into an executable DAX
// statement. Each step is idempotent; running Normalize on its own output
// returns the same query. It never fails: the worst input still yields a
// query string.
func Normalize(raw string) Result {
	var notes []string

	query := strings.TrimSpace(raw)

	// Strip markdown code fences, including a language tag on the first line
	if stripped, ok := stripCodeFence(query); ok {
		query = stripped
		notes = append(notes, "removed code fence")
	}

	// Strip one layer of surrounding quotes
	if stripped, ok := stripSurroundingQuotes(query); ok {
		query = stripped
		notes = append(notes, "removed surrounding quotes")
	}

	// Remove a language identifier that survived after EVALUATE ("EVALUATE dax ...").
	// Function names also follow EVALUATE, so the word is only treated as a
	// tag when it names a dialect or precedes a duplicated EVALUATE.
	if m := langTagPattern.FindStringSubmatch(query); m != nil && isLanguageTag(m[1], m[2]) {
		query = "EVALUATE " + m[2]
		notes = append(notes, "removed language identifier after EVALUATE")
	}

	// Collapse nested EVALUATE statements down to one
	for doubleEvaluate.MatchString(query) {
		loc := evaluatePrefix.FindStringIndex(query)
		if loc == nil {
			break
		}

		query = query[:loc[0]] + query[loc[1]:]
		notes = append(notes, "removed duplicate EVALUATE")
	}

	// Every executable DAX statement starts with EVALUATE
	if !startsWithEvaluate.MatchString(query) {
		query = "EVALUATE\n" + query
		notes = append(notes, "prepended EVALUATE")
	}

	// Escaped double quotes come from JSON-encoded model output
	if strings.Contains(query, `""`) {
		query = strings.ReplaceAll(query, `""`, `"`)
		notes = append(notes, "unescaped double quotes")
	}

	if strings.Contains(query, "\t") {
		query = strings.ReplaceAll(query, "\t", "    ")
		notes = append(notes, "replaced tabs with spaces")
	}

	return Result{Query: query, Notes: notes}
}

func stripCodeFence(query string) (string, bool) {
	switch {
	case strings.HasPrefix(query, "```"):
		firstNewline := strings.Index(query, "\n")
		if firstNewline <= 0 {
			return query, false
		}

		// Drop the opening fence line along with any language tag on it
		query = strings.TrimSpace(query[firstNewline:])
		query = strings.TrimSpace(strings.TrimSuffix(query, "```"))

		return query, true
	case strings.HasSuffix(query, "```"):
		return strings.TrimSpace(strings.TrimSuffix(query, "```")), true
	default:
		return query, false
	}
}

// isLanguageTag reports whether the word between the leading EVALUATE and
// the rest of the query is a stray dialect identifier rather than the start
// of the table expression.
func isLanguageTag(word, rest string) bool {
	switch strings.ToLower(word) {
	case "dax", "mdx", "sql":
		return true
	}

	return strings.HasPrefix(strings.ToUpper(rest), "EVALUATE")
}

func stripSurroundingQuotes(query string) (string, bool) {
	if len(query) < 2 {
		return query, false
	}

	doubleQuoted := strings.HasPrefix(query, `"`) && strings.HasSuffix(query, `"`)
	singleQuoted := strings.HasPrefix(query, "'") && strings.HasSuffix(query, "'")

	if !doubleQuoted && !singleQuoted {
		return query, false
	}

	return strings.TrimSpace(query[1 : len(query)-1]), true
}

// DiagnoseSyntax inspects a failed query for common model mistakes. An empty
// result means no known pattern matched and the caller should surface the
// engine's own error text.
func DiagnoseSyntax(query, engineErr string) []string {
	var diagnoses []string

	if taggedEvaluate.MatchString(query) {
		diagnoses = append(diagnoses, "Multiple EVALUATE statements or language identifier in query")
	}

	upper := strings.ToUpper(query)
	if strings.Contains(upper, "VAR") && !strings.Contains(upper, "RETURN") {
		diagnoses = append(diagnoses, "Missing RETURN statement in VAR-based query")
	}

	openParens := strings.Count(query, "(")
	closeParens := strings.Count(query, ")")

	if openParens != closeParens {
		diagnoses = append(diagnoses, fmt.Sprintf(
			"Unbalanced parentheses: %d opening vs %d closing", openParens, closeParens))
	}

	if doubleBracketPattern.MatchString(query) {
		diagnoses = append(diagnoses, "Double brackets detected in measures, should use single brackets")
	}

	if n1SuffixPattern.MatchString(query) {
		diagnoses = append(diagnoses, "Incorrect N-1 measure syntax: Use [CA/N-1] instead of [CA]/N-1")
	}

	if strings.Contains(engineErr, "not a valid table expression") {
		diagnoses = append(diagnoses, "Query body is not a table expression: wrap scalar results in ROW(\"Label\", ...)")
	}

	return diagnoses
}

// LooksLikeBareCalculate reports whether the query body is a bare CALCULATE
// call, which the engine rejects because EVALUATE requires a table
// expression.
func LooksLikeBareCalculate(query string) bool {
	if !strings.Contains(strings.ToUpper(query), "EVALUATE") {
		return false
	}

	body := strings.ToUpper(queryBody(query))
	if !strings.HasPrefix(body, "CALCULATE(") {
		return false
	}

	for _, fn := range []string{"ROW(", "SUMMARIZE", "SUMMARIZECOLUMNS", "VALUES", "TOPN", "DISTINCT"} {
		if strings.Contains(body, fn) {
			return false
		}
	}

	return true
}

// AutoWrapInRow rewrites a bare CALCULATE body into a single-row table
// expression, keeping any leading comments in place. Queries without a bare
// CALCULATE body are returned unchanged.
func AutoWrapInRow(query string) string {
	body := queryBody(query)

	calculateStart := strings.Index(strings.ToUpper(body), "CALCULATE(")
	if calculateStart < 0 {
		return query
	}

	comments := body[:calculateStart]
	body = body[calculateStart:]

	return fmt.Sprintf("EVALUATE\n%sROW(\"Result\", %s)", comments, body)
}

// queryBody returns the expression after the first EVALUATE keyword
func queryBody(query string) string {
	loc := evaluatePrefix.FindStringIndex(query)
	if loc == nil {
		return strings.TrimSpace(query)
	}

	return strings.TrimSpace(query[:loc[0]] + query[loc[1]:])
}
