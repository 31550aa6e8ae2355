// Package resolver recovers from queries that execute successfully but
// return no rows, usually because the user named an entity that does not
// exist under the filtered column. It retries sibling columns first, then
// fuzzy-matches the value against the column's actual contents.
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/dWassimeb/Talk4Finance/internal/errors"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
)

// similarityThreshold is the minimum Jaro-Winkler score for accepting a
// fuzzy substitution.
const similarityThreshold = 0.85

// ErrNoMatch indicates no column fallback or fuzzy substitution produced
// rows. The attempts made are still reported to the caller.
var ErrNoMatch = errors.New(errors.ErrTypeNotFound, "no matching entity found")

var predicatePattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\[([^\]]+)\]\s*=\s*"([^"]*)"`)

// ladderColumn is one rung of an entity's column fallback ladder
type ladderColumn struct {
	Table  string
	Column string
	// fuzzySource marks columns whose distinct values feed the fuzzy phase
	fuzzySource bool
}

// Fallback ladders in priority order. The fuzzy phase draws candidates from
// the rungs marked as sources.
var ladders = [][]ladderColumn{
	{
		{Table: "GL", Column: "BU", fuzzySource: true},
		{Table: "GL", Column: "Sous BU"},
		{Table: "GL", Column: "Pôle"},
	},
	{
		{Table: "DIM_CLIENT", Column: "CLIENT_NOM", fuzzySource: true},
		{Table: "DIM_CLIENT", Column: "RAISON_SOCIALE_DO", fuzzySource: true},
	},
	{
		{Table: "MAPPING_PRODUIT", Column: "Produit", fuzzySource: true},
		{Table: "MAPPING_PRODUIT", Column: "Code Produit"},
	},
}

// Attempt records one substitution the resolver tried
type Attempt struct {
	Column     string
	Value      string
	Matched    string
	Similarity float64
}

// Resolution is the outcome of a successful resolve: the rewritten query,
// the rows it produced and every substitution along the way.
type Resolution struct {
	Query    string
	Records  []powerbi.Record
	Attempts []Attempt
}

// Executor is the query surface the resolver needs
type Executor interface {
	ExecuteQuery(ctx context.Context, dax string) ([]powerbi.Record, error)
	DistinctValues(ctx context.Context, table, column string) ([]string, error)
}

// Resolver rewrites empty-result queries using column fallbacks and fuzzy
// value matching.
type Resolver struct {
	exec Executor
}

// New creates a resolver backed by the given executor
func New(exec Executor) *Resolver {
	return &Resolver{exec: exec}
}

// Resolve takes a query that ran successfully with zero rows and tries to
// produce a non-empty result. Re-executions are bounded by the ladder
// length plus one fuzzy retry. Substitutions below the similarity threshold
// are never applied; the caller gets ErrNoMatch with the attempts instead.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Resolution, error) {
	match := predicatePattern.FindStringSubmatch(query)
	if match == nil {
		return nil, ErrNoMatch
	}

	predicate, table, column, value := match[0], match[1], match[2], match[3]

	ladder, origIdx := findLadder(table, column)
	if ladder == nil {
		return nil, ErrNoMatch
	}

	logging.Debugf("Resolving empty result for %s[%s] = %q", table, column, value)

	resolution := &Resolution{}
	executions := 0
	maxExecutions := len(ladder) + 1

	// Phase 1: same value, sibling columns in priority order
	for i, rung := range ladder {
		if i == origIdx || executions >= maxExecutions {
			continue
		}

		rewritten := rewritePredicate(query, predicate, rung, value)

		executions++

		records, err := r.exec.ExecuteQuery(ctx, rewritten)
		if err != nil {
			return nil, err
		}

		attempt := Attempt{
			Column:     fmt.Sprintf("%s[%s]", rung.Table, rung.Column),
			Value:      value,
			Matched:    value,
			Similarity: 1.0,
		}
		resolution.Attempts = append(resolution.Attempts, attempt)

		if len(records) > 0 {
			resolution.Query = rewritten
			resolution.Records = records

			return resolution, nil
		}
	}

	// Phase 2: fuzzy-match the value against the actual column contents
	if executions >= maxExecutions {
		return resolution, ErrNoMatch
	}

	best, ok, err := r.bestCandidate(ctx, ladder, value)
	if err != nil {
		return nil, err
	}

	if !ok {
		return resolution, ErrNoMatch
	}

	rewritten := rewritePredicate(query, predicate, best.rung, best.value)

	records, err := r.exec.ExecuteQuery(ctx, rewritten)
	if err != nil {
		return nil, err
	}

	attempt := Attempt{
		Column:     fmt.Sprintf("%s[%s]", best.rung.Table, best.rung.Column),
		Value:      value,
		Matched:    best.value,
		Similarity: best.similarity,
	}
	resolution.Attempts = append(resolution.Attempts, attempt)

	if len(records) == 0 {
		return resolution, ErrNoMatch
	}

	resolution.Query = rewritten
	resolution.Records = records

	return resolution, nil
}

type candidate struct {
	rung       ladderColumn
	priority   int
	value      string
	similarity float64
}

// bestCandidate fetches distinct values from the ladder's fuzzy-source
// columns and returns the best scoring one at or above the threshold.
// Ties resolve by column priority, then edit distance, then lexicographic
// order so resolution is deterministic.
func (r *Resolver) bestCandidate(ctx context.Context, ladder []ladderColumn, value string) (candidate, bool, error) {
	var candidates []candidate

	target := strings.ToLower(value)

	for priority, rung := range ladder {
		if !rung.fuzzySource {
			continue
		}

		values, err := r.exec.DistinctValues(ctx, rung.Table, rung.Column)
		if err != nil {
			return candidate{}, false, err
		}

		for _, v := range values {
			similarity := smetrics.JaroWinkler(target, strings.ToLower(v), 0.7, 4)
			if similarity >= similarityThreshold {
				candidates = append(candidates, candidate{
					rung:       rung,
					priority:   priority,
					value:      v,
					similarity: similarity,
				})
			}
		}
	}

	if len(candidates) == 0 {
		return candidate{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]

		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}

		if a.priority != b.priority {
			return a.priority < b.priority
		}

		distA := smetrics.WagnerFischer(target, strings.ToLower(a.value), 1, 1, 2)
		distB := smetrics.WagnerFischer(target, strings.ToLower(b.value), 1, 1, 2)

		if distA != distB {
			return distA < distB
		}

		return a.value < b.value
	})

	return candidates[0], true, nil
}

func findLadder(table, column string) ([]ladderColumn, int) {
	for _, ladder := range ladders {
		for i, rung := range ladder {
			if strings.EqualFold(rung.Table, table) && strings.EqualFold(rung.Column, column) {
				return ladder, i
			}
		}
	}

	return nil, -1
}

func rewritePredicate(query, predicate string, rung ladderColumn, value string) string {
	replacement := fmt.Sprintf("%s[%s] = %q", rung.Table, rung.Column, value)

	return strings.Replace(query, predicate, replacement, 1)
}
