package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
)

type fakeExecutor struct {
	executed []string
	// nonEmptyWhen returns rows for queries containing this substring
	nonEmptyWhen string
	distinct     map[string][]string
}

func (f *fakeExecutor) ExecuteQuery(_ context.Context, dax string) ([]powerbi.Record, error) {
	f.executed = append(f.executed, dax)

	if f.nonEmptyWhen != "" && strings.Contains(dax, f.nonEmptyWhen) {
		return []powerbi.Record{{
			Columns: []string{"[Revenue]"},
			Values:  map[string]interface{}{"[Revenue]": 125810000.0},
		}}, nil
	}

	return []powerbi.Record{}, nil
}

func (f *fakeExecutor) DistinctValues(_ context.Context, table, column string) ([]string, error) {
	return f.distinct[table+"["+column+"]"], nil
}

func TestResolveColumnFallback(t *testing.T) {
	exec := &fakeExecutor{nonEmptyWhen: `GL[Sous BU] = "Back Office"`}
	r := New(exec)

	query := `EVALUATE ROW("Revenue", CALCULATE([CA], GL[BU] = "Back Office"))`

	resolution, err := r.Resolve(context.Background(), query)
	require.NoError(t, err)
	require.NotNil(t, resolution)

	assert.Contains(t, resolution.Query, `GL[Sous BU] = "Back Office"`)
	assert.NotContains(t, resolution.Query, `GL[BU] = "Back Office"`)
	require.Len(t, resolution.Records, 1)

	require.Len(t, resolution.Attempts, 1)
	assert.Equal(t, "GL[Sous BU]", resolution.Attempts[0].Column)
	assert.Equal(t, "Back Office", resolution.Attempts[0].Matched)
	assert.Equal(t, 1.0, resolution.Attempts[0].Similarity)
}

func TestResolveFuzzyMatch(t *testing.T) {
	exec := &fakeExecutor{
		nonEmptyWhen: `DIM_CLIENT[CLIENT_NOM] = "Annah"`,
		distinct: map[string][]string{
			"DIM_CLIENT[CLIENT_NOM]":        {"Annah", "Acme Corp", "Globex"},
			"DIM_CLIENT[RAISON_SOCIALE_DO]": {"Annah SAS", "Acme Corporation"},
		},
	}
	r := New(exec)

	query := `EVALUATE ROW("Revenue", CALCULATE([CA], DIM_CLIENT[CLIENT_NOM] = "Anah"))`

	resolution, err := r.Resolve(context.Background(), query)
	require.NoError(t, err)

	assert.Contains(t, resolution.Query, `DIM_CLIENT[CLIENT_NOM] = "Annah"`)
	require.NotEmpty(t, resolution.Records)

	// Every substitution is surfaced, including the fuzzy one
	last := resolution.Attempts[len(resolution.Attempts)-1]
	assert.Equal(t, "DIM_CLIENT[CLIENT_NOM]", last.Column)
	assert.Equal(t, "Anah", last.Value)
	assert.Equal(t, "Annah", last.Matched)
	assert.GreaterOrEqual(t, last.Similarity, 0.85)
}

func TestResolveBelowThresholdNeverSubstitutes(t *testing.T) {
	exec := &fakeExecutor{
		distinct: map[string][]string{
			"DIM_CLIENT[CLIENT_NOM]":        {"Globex", "Initech"},
			"DIM_CLIENT[RAISON_SOCIALE_DO]": {"Globex SA"},
		},
	}
	r := New(exec)

	query := `EVALUATE ROW("Revenue", CALCULATE([CA], DIM_CLIENT[CLIENT_NOM] = "Zzzzz"))`

	resolution, err := r.Resolve(context.Background(), query)
	require.ErrorIs(t, err, ErrNoMatch)

	// Only the column fallback was executed, no fuzzy rewrite below threshold
	require.Len(t, exec.executed, 1)
	assert.Contains(t, exec.executed[0], `DIM_CLIENT[RAISON_SOCIALE_DO] = "Zzzzz"`)

	// The failed fallback attempt is still reported
	require.NotNil(t, resolution)
	assert.Len(t, resolution.Attempts, 1)
}

func TestResolveExecutionBound(t *testing.T) {
	exec := &fakeExecutor{
		nonEmptyWhen: `GL[BU] = "Digital"`,
		distinct: map[string][]string{
			"GL[BU]": {"Digital", "Cloud", "Consulting"},
		},
	}
	r := New(exec)

	query := `EVALUATE ROW("Revenue", CALCULATE([CA], GL[BU] = "Digitall"))`

	resolution, err := r.Resolve(context.Background(), query)
	require.NoError(t, err)
	assert.Contains(t, resolution.Query, `GL[BU] = "Digital"`)

	// At most len(ladder)+1 re-executions for the BU ladder
	assert.LessOrEqual(t, len(exec.executed), 4)
}

func TestResolveNoPredicate(t *testing.T) {
	r := New(&fakeExecutor{})

	_, err := r.Resolve(context.Background(), `EVALUATE VALUES(GL[BU])`)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveUnknownColumn(t *testing.T) {
	exec := &fakeExecutor{}
	r := New(exec)

	query := `EVALUATE ROW("x", CALCULATE([CA], GL[PROJET] = "PRJ-001"))`

	_, err := r.Resolve(context.Background(), query)
	require.ErrorIs(t, err, ErrNoMatch)
	assert.Empty(t, exec.executed)
}

func TestResolveTieBreaksDeterministic(t *testing.T) {
	// Two client columns hold equally similar values; the higher priority
	// column must win.
	exec := &fakeExecutor{
		nonEmptyWhen: `= "Anna")`,
		distinct: map[string][]string{
			"DIM_CLIENT[CLIENT_NOM]":        {"Anna"},
			"DIM_CLIENT[RAISON_SOCIALE_DO]": {"Anna"},
		},
	}
	r := New(exec)

	query := `EVALUATE ROW("Revenue", CALCULATE([CA], DIM_CLIENT[CLIENT_NOM] = "Annah"))`

	resolution, err := r.Resolve(context.Background(), query)
	require.NoError(t, err)

	last := resolution.Attempts[len(resolution.Attempts)-1]
	assert.Equal(t, "DIM_CLIENT[CLIENT_NOM]", last.Column)
	assert.Equal(t, "Anna", last.Matched)
}
