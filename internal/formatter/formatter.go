// Package formatter renders query result records into the text the agent
// hands back to the user. The shape of the data picks the layout: a lone
// scalar, a time series, an entity comparison or a generic table.
package formatter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
)

var financialKeywords = []string{
	"revenue", "revenu", "ca", "chiffre", "affaires",
	"margin", "marge", "mb", "gross", "brute",
	"budget", "actual", "réel", "reel",
	"cost", "coût", "cout", "charge", "expense",
	"profit", "bénéfice", "benefice", "résultat", "resultat", "rex",
	"montant", "amount", "value", "valeur",
	"total", "sum", "somme",
	"difference", "différence", "variance", "écart", "ecart",
	"price", "prix", "tarif",
}

var percentageKeywords = []string{
	"percentage", "pourcentage", "percent", "pct", "%",
	"rate", "taux", "ratio", "change", "growth", "croissance",
	"variation", "evolution", "évolution",
}

var timeKeywords = []string{
	"mois", "date", "month", "year", "année", "trimestre",
	"semestre", "jour", "day", "quarter",
}

var varianceKeywords = []string{
	"variance", "écart", "ecart", "difference", "différence", "dif",
}

// Formatter renders result records for display
type Formatter struct{}

// NewFormatter creates a new formatter instance
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Format renders records according to their shape
func (f *Formatter) Format(records []powerbi.Record) string {
	if len(records) == 0 {
		return "Query returned no results."
	}

	first := records[0]

	if len(records) == 1 && len(first.Columns) == 1 {
		return f.formatScalar(first)
	}

	if len(records) > 1 && anyColumn(first.Columns, isTimeColumn) {
		return f.formatTimeSeries(records)
	}

	if len(records) > 1 && anyColumn(first.Columns, isComparisonColumn) {
		return f.formatComparison(records)
	}

	return f.formatTable(records)
}

// formatScalar renders a single-cell result as "Key: Value"
func (f *Formatter) formatScalar(record powerbi.Record) string {
	key := record.Columns[0]
	value := record.Values[key]

	var rendered string

	switch {
	case isPercentageColumn(key), isFinancialColumn(key):
		rendered = f.fieldValue(key, value)
	default:
		// Unlabeled numbers are almost always amounts in this dataset
		if _, ok := toFloat(value); ok {
			rendered = formatValue(value, false)
		} else {
			rendered = plainValue(value)
		}
	}

	return fmt.Sprintf("%s: %s", key, rendered)
}

// formatTimeSeries renders one bullet per period with trend markers on
// financial columns relative to the previous period.
func (f *Formatter) formatTimeSeries(records []powerbi.Record) string {
	columns := records[0].Columns

	timeCol := columns[0]

	for _, col := range columns {
		if isTimeColumn(col) {
			timeCol = col
			break
		}
	}

	var dataCols []string

	for _, col := range columns {
		if col != timeCol {
			dataCols = append(dataCols, col)
		}
	}

	var b strings.Builder

	b.WriteString("Time Series Analysis:\n\n")

	previous := make(map[string]float64)

	for _, record := range records {
		fmt.Fprintf(&b, "• %v:\n", record.Values[timeCol])

		for _, col := range dataCols {
			value := record.Values[col]

			var rendered string

			switch {
			case isPercentageColumn(col):
				rendered = formatValue(value, true)
			case isFinancialColumn(col):
				rendered = formatValue(value, false)
			default:
				rendered = plainValue(value)
			}

			trend := ""

			if isFinancialColumn(col) && !isPercentageColumn(col) {
				if num, ok := toFloat(value); ok {
					if last, seen := previous[col]; seen {
						switch {
						case num > last:
							trend = " ↗"
						case num < last:
							trend = " ↘"
						default:
							trend = " →"
						}
					}

					previous[col] = num
				}
			}

			fmt.Fprintf(&b, "  - %s: %s%s\n", col, rendered, trend)
		}

		b.WriteString("\n")
	}

	return b.String()
}

// formatComparison renders entity rows sorted by their key metric, best
// performer first.
func (f *Formatter) formatComparison(records []powerbi.Record) string {
	columns := records[0].Columns

	entityCol := comparisonEntityColumn(columns)
	sortCol := comparisonSortColumn(columns, entityCol)

	sorted := make([]powerbi.Record, len(records))
	copy(sorted, records)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sortKey(sorted[i], sortCol) > sortKey(sorted[j], sortCol)
	})

	var b strings.Builder

	b.WriteString("Business Unit Performance Analysis:\n\n")

	for _, record := range sorted {
		name := record.Values[entityCol]
		if name == nil || name == "" || name == "None" {
			continue
		}

		fmt.Fprintf(&b, "• **%v**:\n", name)

		for _, col := range columns {
			if col == entityCol {
				continue
			}

			b.WriteString(fmt.Sprintf("  - %s: %s\n", col, f.fieldValue(col, record.Values[col])))
		}

		b.WriteString("\n")
	}

	return b.String()
}

// formatTable renders a generic result grid
func (f *Formatter) formatTable(records []powerbi.Record) string {
	columns := records[0].Columns

	var b strings.Builder

	b.WriteString("Query Results:\n\n")

	table := tablewriter.NewWriter(&b)
	table.SetHeader(columns)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for _, record := range records {
		row := make([]string, 0, len(columns))

		for _, col := range columns {
			row = append(row, f.fieldValue(col, record.Values[col]))
		}

		table.Append(row)
	}

	table.Render()

	return b.String()
}

// fieldValue formats one cell according to its column class, adding a
// plus sign on positive variance amounts.
func (f *Formatter) fieldValue(col string, value interface{}) string {
	switch {
	case isPercentageColumn(col):
		return formatValue(value, true)
	case isFinancialColumn(col):
		rendered := formatValue(value, false)

		if isVarianceColumn(col) {
			if num, ok := toFloat(value); ok && num > 0 {
				rendered = "+" + rendered
			}
		}

		return rendered
	default:
		return plainValue(value)
	}
}

// formatValue renders a financial or percentage value. Strings are cleaned
// of existing formatting before parsing; unparsable input passes through.
func formatValue(value interface{}, percentage bool) string {
	if value == nil {
		return "N/A"
	}

	num, ok := toFloat(value)
	if !ok {
		s, isString := value.(string)
		if !isString {
			return fmt.Sprintf("%v", value)
		}

		clean := strings.TrimSpace(strings.NewReplacer(",", "", "€", "", "%", "").Replace(s))
		lower := strings.ToLower(clean)

		if clean == "" || lower == "null" || lower == "none" || lower == "n/a" {
			return "N/A"
		}

		parsed, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return s
		}

		num = parsed
	}

	if percentage {
		return fmt.Sprintf("%.1f%%", num)
	}

	abs := math.Abs(num)

	switch {
	case abs >= 1_000_000:
		return fmt.Sprintf("€%.2fM", num/1_000_000)
	case abs >= 1_000:
		return "€" + thousands(num)
	default:
		return fmt.Sprintf("€%.2f", num)
	}
}

// plainValue renders non-financial cells
func plainValue(value interface{}) string {
	if value == nil {
		return "N/A"
	}

	if num, ok := toFloat(value); ok {
		return thousands(num)
	}

	return fmt.Sprintf("%v", value)
}

// thousands renders a number with comma-separated groups and two decimals
func thousands(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign = "-"
		s = s[1:]
	}

	dot := strings.Index(s, ".")
	intPart, frac := s[:dot], s[dot:]

	var b strings.Builder

	for i := 0; i < len(intPart); i++ {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}

		b.WriteByte(intPart[i])
	}

	return sign + b.String() + frac
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}

	return 0, false
}

func anyColumn(columns []string, match func(string) bool) bool {
	for _, col := range columns {
		if match(col) {
			return true
		}
	}

	return false
}

func containsAny(s string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(s, keyword) {
			return true
		}
	}

	return false
}

func isPercentageColumn(col string) bool {
	lower := strings.ToLower(col)

	return containsAny(lower, percentageKeywords) ||
		strings.HasSuffix(lower, "%") ||
		strings.HasSuffix(lower, "(%)")
}

func isFinancialColumn(col string) bool {
	if isPercentageColumn(col) {
		return false
	}

	return containsAny(strings.ToLower(col), financialKeywords)
}

func isVarianceColumn(col string) bool {
	return containsAny(strings.ToLower(col), varianceKeywords)
}

func isTimeColumn(col string) bool {
	return containsAny(strings.ToLower(col), timeKeywords)
}

func isComparisonColumn(col string) bool {
	lower := strings.ToLower(col)

	return containsAny(lower, []string{"bu", "business", "unit", "variance", "budget"})
}

// comparisonEntityColumn finds the column naming the compared entities.
// Budget columns contain "bu" but never name an entity.
func comparisonEntityColumn(columns []string) string {
	for _, col := range columns {
		lower := strings.ToLower(col)

		if strings.Contains(lower, "business") || strings.Contains(lower, "unit") {
			return col
		}

		if strings.Contains(lower, "bu") && !strings.Contains(lower, "budget") {
			return col
		}
	}

	return columns[0]
}

// comparisonSortColumn picks the metric entities are ranked by: the first
// variance column, then the first revenue column, then the first data column.
func comparisonSortColumn(columns []string, entityCol string) string {
	for _, col := range columns {
		if col != entityCol && isVarianceColumn(col) {
			return col
		}
	}

	for _, col := range columns {
		lower := strings.ToLower(col)

		if col != entityCol && containsAny(lower, []string{"revenue", "revenu", "ca"}) {
			return col
		}
	}

	for _, col := range columns {
		if col != entityCol {
			return col
		}
	}

	return entityCol
}

func sortKey(record powerbi.Record, col string) float64 {
	if num, ok := toFloat(record.Values[col]); ok {
		return num
	}

	return 0
}
