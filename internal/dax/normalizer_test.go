package dax

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFencedQuery(t *testing.T) {
	raw := "```DAX\nEVALUATE\nROW(\"Total\", CALCULATE([CA], DIM_DATE[Année] = 2024))\n```"

	result := Normalize(raw)

	assert.True(t, strings.HasPrefix(result.Query, "EVALUATE"))
	assert.NotContains(t, result.Query, "```")
	assert.NotContains(t, result.Query, "DAX\n")
	assert.Contains(t, result.Notes, "removed code fence")
	assert.Equal(t, 1, strings.Count(strings.ToUpper(result.Query), "EVALUATE"))
}

func TestNormalizeTrailingFenceOnly(t *testing.T) {
	result := Normalize("EVALUATE\nROW(\"Total\", 1)\n```")

	assert.Equal(t, "EVALUATE\nROW(\"Total\", 1)", result.Query)
	assert.Contains(t, result.Notes, "removed code fence")
}

func TestNormalizeSurroundingQuotes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"double quotes", "\"EVALUATE\nROW(\"Total\", 1)\""},
		{"single quotes", "'EVALUATE\nROW(\"Total\", 1)'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Normalize(tt.raw)

			assert.True(t, strings.HasPrefix(result.Query, "EVALUATE"))
			assert.Contains(t, result.Notes, "removed surrounding quotes")
		})
	}
}

func TestNormalizeLanguageTagResidue(t *testing.T) {
	result := Normalize("EVALUATE dax EVALUATE\nROW(\"Total\", 1)")

	assert.Equal(t, 1, strings.Count(strings.ToUpper(result.Query), "EVALUATE"))
	assert.Contains(t, result.Query, "ROW(\"Total\", 1)")
}

func TestNormalizeKeepsFunctionAfterEvaluate(t *testing.T) {
	// A space before the argument list must not turn the function name into
	// a language identifier
	tests := []string{
		"EVALUATE ROW (\"Total\", [CA])",
		"EVALUATE TOPN (5, GL)",
		"EVALUATE\nSUMMARIZECOLUMNS (GL[BU], \"Revenue\", [CA])",
	}

	for _, query := range tests {
		result := Normalize(query)

		assert.Equal(t, query, result.Query)
		assert.Empty(t, result.Notes)
	}
}

func TestNormalizeStripsLeadingLanguageTag(t *testing.T) {
	result := Normalize("EVALUATE dax ROW (\"Total\", [CA])")

	assert.Equal(t, "EVALUATE ROW (\"Total\", [CA])", result.Query)
	assert.Contains(t, result.Notes, "removed language identifier after EVALUATE")
}

func TestNormalizePrependsEvaluate(t *testing.T) {
	result := Normalize("SUMMARIZECOLUMNS(GL[BU], \"Revenue\", [CA])")

	assert.True(t, strings.HasPrefix(result.Query, "EVALUATE\n"))
	assert.Contains(t, result.Notes, "prepended EVALUATE")
}

func TestNormalizeEscapedQuotesAndTabs(t *testing.T) {
	result := Normalize("EVALUATE\n\tROW(\"\"Total\"\", 1)")

	assert.Contains(t, result.Query, `ROW("Total", 1)`)
	assert.NotContains(t, result.Query, "\t")
	assert.Contains(t, result.Notes, "unescaped double quotes")
	assert.Contains(t, result.Notes, "replaced tabs with spaces")
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"```DAX\nEVALUATE\nROW(\"Total\", 1)\n```",
		"\"EVALUATE\nROW(\"Total\", 1)\"",
		"EVALUATE dax EVALUATE\nROW(\"Total\", 1)",
		"SUMMARIZECOLUMNS(GL[BU], \"Revenue\", [CA])",
		"EVALUATE\n\tROW(\"\"Total\"\", 1)",
		"EVALUATE EVALUATE EVALUATE\nROW(\"Total\", 1)",
		"EVALUATE ROW (\"Total\", [CA])",
		"EVALUATE TOPN (5, GL)",
		"EVALUATE dax ROW (\"Total\", [CA])",
	}

	for _, input := range inputs {
		first := Normalize(input)
		second := Normalize(first.Query)

		assert.Equal(t, first.Query, second.Query, "input: %q", input)
		assert.Empty(t, second.Notes, "second pass should be a no-op for: %q", input)
	}
}

func TestNormalizeCleanQueryUntouched(t *testing.T) {
	clean := "EVALUATE\nROW(\"Total\", CALCULATE([CA], DIM_DATE[Année] = 2024))"

	result := Normalize(clean)

	assert.Equal(t, clean, result.Query)
	assert.Empty(t, result.Notes)
}

func TestDiagnoseSyntax(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		errMsg   string
		expected []string
	}{
		{
			name:     "clean query",
			query:    "EVALUATE\nROW(\"Total\", [CA])",
			expected: nil,
		},
		{
			name:     "language tag with second evaluate",
			query:    "EVALUATE dax EVALUATE ROW(\"Total\", 1)",
			expected: []string{"Multiple EVALUATE statements or language identifier in query"},
		},
		{
			name:     "var without return",
			query:    "EVALUATE\nROW(\"x\", VAR a = 1)",
			expected: []string{"Missing RETURN statement in VAR-based query"},
		},
		{
			name:     "unbalanced parentheses",
			query:    "EVALUATE\nROW(\"Total\", CALCULATE([CA])",
			expected: []string{"Unbalanced parentheses: 2 opening vs 1 closing"},
		},
		{
			name:     "double brackets",
			query:    "EVALUATE\nROW(\"Total\", [[CA]])",
			expected: []string{"Double brackets detected in measures, should use single brackets"},
		},
		{
			name:     "n-1 suffix outside brackets",
			query:    "EVALUATE\nROW(\"Total\", [CA]/N-1)",
			expected: []string{"Incorrect N-1 measure syntax: Use [CA/N-1] instead of [CA]/N-1"},
		},
		{
			name:   "invalid table expression from engine",
			query:  "EVALUATE\nCALCULATE([CA])",
			errMsg: "The expression specified in the query is not a valid table expression.",
			expected: []string{
				"Query body is not a table expression: wrap scalar results in ROW(\"Label\", ...)",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diagnoses := DiagnoseSyntax(tt.query, tt.errMsg)
			assert.Equal(t, tt.expected, diagnoses)
		})
	}
}

func TestLooksLikeBareCalculate(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected bool
	}{
		{
			name:     "bare calculate",
			query:    "EVALUATE\nCALCULATE([CA], DIM_DATE[Année] = 2024)",
			expected: true,
		},
		{
			name:     "wrapped in row",
			query:    "EVALUATE\nROW(\"Total\", CALCULATE([CA]))",
			expected: false,
		},
		{
			name:     "summarizecolumns",
			query:    "EVALUATE\nSUMMARIZECOLUMNS(GL[BU], \"Revenue\", [CA])",
			expected: false,
		},
		{
			name:     "calculate with values filter",
			query:    "EVALUATE\nCALCULATE([CA], FILTER(VALUES(GL[BU]), GL[BU] = \"X\"))",
			expected: false,
		},
		{
			name:     "no evaluate",
			query:    "CALCULATE([CA])",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, LooksLikeBareCalculate(tt.query))
		})
	}
}

func TestAutoWrapInRow(t *testing.T) {
	query := "EVALUATE\nCALCULATE([CA], DIM_DATE[Année] = 2024)"

	wrapped := AutoWrapInRow(query)

	assert.Equal(t, "EVALUATE\nROW(\"Result\", CALCULATE([CA], DIM_DATE[Année] = 2024))", wrapped)
	assert.False(t, LooksLikeBareCalculate(wrapped))
}

func TestAutoWrapInRowKeepsLeadingComments(t *testing.T) {
	query := "EVALUATE\n// revenue for 2024\nCALCULATE([CA], DIM_DATE[Année] = 2024)"

	wrapped := AutoWrapInRow(query)

	require.Contains(t, wrapped, "// revenue for 2024\n")
	assert.True(t, strings.HasPrefix(wrapped, "EVALUATE\n"))
	assert.Contains(t, wrapped, "ROW(\"Result\", CALCULATE([CA], DIM_DATE[Année] = 2024))")

	commentIdx := strings.Index(wrapped, "// revenue")
	rowIdx := strings.Index(wrapped, "ROW(")
	assert.Less(t, commentIdx, rowIdx)
}

func TestAutoWrapInRowNoCalculate(t *testing.T) {
	query := "EVALUATE\nVALUES(GL[BU])"

	assert.Equal(t, query, AutoWrapInRow(query))
}
