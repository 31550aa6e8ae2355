package agent

import (
	"context"
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/dWassimeb/Talk4Finance/internal/catalog"
	"github.com/dWassimeb/Talk4Finance/internal/dax"
	"github.com/dWassimeb/Talk4Finance/internal/formatter"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
	"github.com/dWassimeb/Talk4Finance/internal/matcher"
	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
	"github.com/dWassimeb/Talk4Finance/internal/resolver"
)

// Tool is one action the reasoning loop can take. Run never returns an
// error: failures become observations the model can react to.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, input string) string
}

// Registry holds the available tools in a fixed order
type Registry struct {
	tools []Tool
}

// NewRegistry creates a registry from the given tools
func NewRegistry(tools ...Tool) *Registry {
	return &Registry{tools: tools}
}

// Tools returns the registered tools in order
func (r *Registry) Tools() []Tool {
	return r.tools
}

// Names returns the tool names in registration order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Name())
	}

	return names
}

// Lookup finds a tool by name
func (r *Registry) Lookup(name string) (Tool, bool) {
	for _, t := range r.tools {
		if t.Name() == name {
			return t, true
		}
	}

	return nil, false
}

// NewDefaultRegistry wires the standard tool set against the given engine
// and knowledge base.
func NewDefaultRegistry(exec powerbi.Executor, cat *catalog.Catalog) *Registry {
	return NewRegistry(
		&listTablesTool{exec: exec, cat: cat},
		&describeTableTool{cat: cat},
		&tableSchemaTool{exec: exec},
		&executeQueryTool{
			exec: exec,
			res:  resolver.New(exec),
			fmtr: formatter.NewFormatter(),
		},
		&matchExampleTool{m: matcher.New(cat.Examples())},
	)
}

type listTablesTool struct {
	exec powerbi.Executor
	cat  *catalog.Catalog
}

func (t *listTablesTool) Name() string { return "list_tables" }

func (t *listTablesTool) Description() string {
	return "List all available tables in the dataset."
}

func (t *listTablesTool) Run(ctx context.Context, _ string) string {
	tables, err := t.exec.ListTables(ctx)
	if err != nil || len(tables) == 0 {
		// The engine may be unreachable; the catalog knows the model anyway
		if err != nil {
			logging.Debugf("list tables failed, falling back to catalog: %v", err)
		}

		tables = t.cat.Tables()
	}

	var b strings.Builder

	b.WriteString("Available tables in the dataset:\n\n")

	for _, table := range tables {
		fmt.Fprintf(&b, "- %s\n", table)
	}

	return b.String()
}

type describeTableTool struct {
	cat *catalog.Catalog
}

func (t *describeTableTool) Name() string { return "describe_table" }

func (t *describeTableTool) Description() string {
	return "Get detailed information about a table, its columns and relationships. " +
		"Pass MEASURES to list the predefined measures. With no input, returns the dataset overview."
}

func (t *describeTableTool) Run(_ context.Context, input string) string {
	name := strings.TrimSpace(input)

	if name == "" {
		return t.cat.Overview()
	}

	if strings.EqualFold(name, "MEASURES") {
		return t.cat.DescribeMeasures()
	}

	described := t.cat.Describe(name)
	if described == "" {
		return fmt.Sprintf("Table '%s' not found. Available tables are: %s. Pass MEASURES to list the predefined measures.",
			name, strings.Join(t.cat.Tables(), ", "))
	}

	var related []string

	for _, rel := range t.cat.Relationships() {
		if strings.EqualFold(rel.FromTable, name) || strings.EqualFold(rel.ToTable, name) {
			related = append(related, fmt.Sprintf("- %s[%s] -> %s[%s]: %s",
				rel.FromTable, rel.FromKey, rel.ToTable, rel.ToKey, rel.Description))
		}
	}

	if len(related) == 0 {
		return described
	}

	return described + "\nRelationships:\n" + strings.Join(related, "\n") + "\n"
}

type tableSchemaTool struct {
	exec powerbi.Executor
}

func (t *tableSchemaTool) Name() string { return "table_schema" }

func (t *tableSchemaTool) Description() string {
	return "Probe the live dataset for a table's actual columns and data types."
}

func (t *tableSchemaTool) Run(ctx context.Context, input string) string {
	name := strings.TrimSpace(input)
	if name == "" {
		return "Table name is required."
	}

	schema, err := t.exec.TableSchema(ctx, name)
	if err != nil {
		return fmt.Sprintf("Could not retrieve schema for table '%s': %v", name, err)
	}

	if len(schema) == 0 {
		return fmt.Sprintf("No columns found for table '%s'.", name)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Schema for table '%s':\n\nColumns:\n", name)

	for _, col := range schema {
		fmt.Fprintf(&b, "- %s (%s)\n", col.Name, col.DataType)
	}

	return b.String()
}

type executeQueryTool struct {
	exec powerbi.Executor
	res  *resolver.Resolver
	fmtr *formatter.Formatter
}

func (t *executeQueryTool) Name() string { return "execute_query" }

func (t *executeQueryTool) Description() string {
	return "Execute a DAX query against the dataset and return formatted results. " +
		"The query must start with EVALUATE and return a table expression."
}

func (t *executeQueryTool) Run(ctx context.Context, input string) string {
	norm := dax.Normalize(input)
	query := norm.Query

	if len(norm.Notes) > 0 {
		logging.Debugf("query repaired before execution: %s", strings.Join(norm.Notes, "; "))
	}

	// A bare CALCULATE body always fails, wrap it before the round trip
	if dax.LooksLikeBareCalculate(query) {
		query = dax.AutoWrapInRow(query)
	}

	records, err := t.exec.ExecuteQuery(ctx, query)
	if err != nil {
		return t.recoverFromError(ctx, query, err)
	}

	if len(records) == 0 {
		return t.resolveEmpty(ctx, query)
	}

	return t.fmtr.Format(records)
}

// recoverFromError retries scalar-body failures once with a ROW wrapper,
// otherwise turns the engine error and any detected syntax problems into an
// observation.
func (t *executeQueryTool) recoverFromError(ctx context.Context, query string, err error) string {
	var queryErr *powerbi.QueryError
	if !goerrors.As(err, &queryErr) {
		return fmt.Sprintf("Error executing query: %v", err)
	}

	if strings.Contains(queryErr.Message, "not a valid table expression") {
		wrapped := dax.AutoWrapInRow(query)

		if wrapped != query {
			records, retryErr := t.exec.ExecuteQuery(ctx, wrapped)
			if retryErr == nil {
				if len(records) == 0 {
					return t.resolveEmpty(ctx, wrapped)
				}

				return t.fmtr.Format(records)
			}
		}
	}

	diagnoses := dax.DiagnoseSyntax(query, queryErr.Message)

	var b strings.Builder

	fmt.Fprintf(&b, "Error executing query: %s\n", queryErr.Message)

	if len(diagnoses) > 0 {
		b.WriteString("\nDetected problems:\n")

		for _, d := range diagnoses {
			fmt.Fprintf(&b, "- %s\n", d)
		}

		b.WriteString("\nFix the query and try again.")
	}

	return b.String()
}

// resolveEmpty tries entity resolution when a query runs clean but returns
// nothing, usually a misspelled or misplaced filter value.
func (t *executeQueryTool) resolveEmpty(ctx context.Context, query string) string {
	resolution, err := t.res.Resolve(ctx, query)
	if err != nil {
		if !goerrors.Is(err, resolver.ErrNoMatch) {
			return fmt.Sprintf("Error executing query: %v", err)
		}

		var b strings.Builder

		b.WriteString("Query executed successfully but returned no results.")

		if resolution != nil && len(resolution.Attempts) > 0 {
			b.WriteString(" Alternatives tried without success:\n")

			for _, a := range resolution.Attempts {
				fmt.Fprintf(&b, "- %s = %q\n", a.Column, a.Matched)
			}
		}

		b.WriteString(" Check the filter values or try different criteria.")

		return b.String()
	}

	last := resolution.Attempts[len(resolution.Attempts)-1]
	note := fmt.Sprintf("Note: no rows matched the original filter; used %s = %q instead (similarity %.0f%%).\n\n",
		last.Column, last.Matched, last.Similarity*100)

	return note + t.fmtr.Format(resolution.Records)
}

type matchExampleTool struct {
	m *matcher.Matcher
}

func (t *matchExampleTool) Name() string { return "match_example" }

func (t *matchExampleTool) Description() string {
	return "Check whether the question matches a curated example query. " +
		"Returns EXACT_MATCH, SIMILAR_MATCH or NO_MATCH with guidance."
}

func (t *matchExampleTool) Run(_ context.Context, input string) string {
	return t.m.Match(input).Render()
}
