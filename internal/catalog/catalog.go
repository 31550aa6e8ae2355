// Package catalog holds the static knowledge base for the PowerBI dataset:
// table schemas, relationships, predefined measures and example DAX queries.
// The data is embedded at build time and loaded once on first use.
package catalog

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml examples.yaml
var dataFS embed.FS

// Column describes a single table column
type Column struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// TableInfo describes a dataset table
type TableInfo struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // fact or dimension
	Description string   `yaml:"description"`
	Columns     []Column `yaml:"columns"`
}

// Relationship describes a join path between two tables
type Relationship struct {
	FromTable   string `yaml:"from_table"`
	FromKey     string `yaml:"from_key"`
	ToTable     string `yaml:"to_table"`
	ToKey       string `yaml:"to_key"`
	Description string `yaml:"description"`
}

// Measure describes a predefined model measure
type Measure struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// MeasureGroup groups related measures under a heading
type MeasureGroup struct {
	Name     string    `yaml:"name"`
	Measures []Measure `yaml:"measures"`
}

// Example is a question/query pair from the curated example library
type Example struct {
	Question string `yaml:"question"`
	Query    string `yaml:"query"`
}

type catalogFile struct {
	Tables        []TableInfo    `yaml:"tables"`
	Relationships []Relationship `yaml:"relationships"`
	MeasureGroups []MeasureGroup `yaml:"measure_groups"`
}

type examplesFile struct {
	Examples []Example `yaml:"examples"`
}

// Catalog is the loaded knowledge base
type Catalog struct {
	tables        []TableInfo
	byName        map[string]*TableInfo
	relationships []Relationship
	measureGroups []MeasureGroup
	examples      []Example
}

var (
	loadOnce sync.Once
	loaded   *Catalog
	loadErr  error
)

// Load parses the embedded data files. Subsequent calls return the same
// instance.
func Load() (*Catalog, error) {
	loadOnce.Do(func() {
		loaded, loadErr = parse()
	})

	return loaded, loadErr
}

func parse() (*Catalog, error) {
	catData, err := dataFS.ReadFile("catalog.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded catalog: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(catData, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	exData, err := dataFS.ReadFile("examples.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded examples: %w", err)
	}

	var ef examplesFile
	if err := yaml.Unmarshal(exData, &ef); err != nil {
		return nil, fmt.Errorf("failed to parse examples: %w", err)
	}

	cat := &Catalog{
		tables:        cf.Tables,
		byName:        make(map[string]*TableInfo, len(cf.Tables)),
		relationships: cf.Relationships,
		measureGroups: cf.MeasureGroups,
		examples:      ef.Examples,
	}

	for i := range cat.tables {
		cat.byName[strings.ToUpper(cat.tables[i].Name)] = &cat.tables[i]
	}

	return cat, nil
}

// Lookup returns the table info for the given name (case-insensitive)
func (c *Catalog) Lookup(table string) (TableInfo, bool) {
	info, ok := c.byName[strings.ToUpper(strings.TrimSpace(table))]
	if !ok {
		return TableInfo{}, false
	}

	return *info, true
}

// Tables returns all table names in catalog order
func (c *Catalog) Tables() []string {
	names := make([]string, 0, len(c.tables))
	for i := range c.tables {
		names = append(names, c.tables[i].Name)
	}

	return names
}

// Relationships returns the join paths between tables
func (c *Catalog) Relationships() []Relationship {
	return c.relationships
}

// Examples returns the curated question/query pairs in order
func (c *Catalog) Examples() []Example {
	return c.examples
}

// MeasureGroups returns the predefined measure documentation
func (c *Catalog) MeasureGroups() []MeasureGroup {
	return c.measureGroups
}

// Overview renders a dataset summary suitable for prompts and observations:
// fact and dimension tables grouped, then the relationship list.
func (c *Catalog) Overview() string {
	var sb strings.Builder

	sb.WriteString("DATASET OVERVIEW\n\nFact tables:\n")

	for i := range c.tables {
		if c.tables[i].Kind == "fact" {
			fmt.Fprintf(&sb, "- %s: %s\n", c.tables[i].Name, c.tables[i].Description)
		}
	}

	sb.WriteString("\nDimension tables:\n")

	for i := range c.tables {
		if c.tables[i].Kind != "fact" {
			fmt.Fprintf(&sb, "- %s: %s\n", c.tables[i].Name, c.tables[i].Description)
		}
	}

	sb.WriteString("\nRelationships:\n")

	for _, rel := range c.relationships {
		fmt.Fprintf(&sb, "- %s[%s] -> %s[%s]: %s\n",
			rel.FromTable, rel.FromKey, rel.ToTable, rel.ToKey, rel.Description)
	}

	return sb.String()
}

// Describe renders a single table's documentation, or an empty string when
// the table is unknown.
func (c *Catalog) Describe(table string) string {
	info, ok := c.Lookup(table)
	if !ok {
		return ""
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Table: %s (%s)\n%s\n\nColumns:\n", info.Name, info.Kind, info.Description)

	for _, col := range info.Columns {
		fmt.Fprintf(&sb, "- %s: %s\n", col.Name, col.Description)
	}

	return sb.String()
}

// DescribeMeasures renders the predefined measure documentation grouped by
// business area.
func (c *Catalog) DescribeMeasures() string {
	var sb strings.Builder

	sb.WriteString("PREDEFINED MEASURES\n")
	sb.WriteString("Use these measures directly instead of aggregating raw columns.\n")

	for _, group := range c.measureGroups {
		fmt.Fprintf(&sb, "\n%s:\n", group.Name)

		for _, m := range group.Measures {
			fmt.Fprintf(&sb, "- [%s]: %s\n", m.Name, m.Description)
		}
	}

	return sb.String()
}
