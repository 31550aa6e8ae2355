package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dWassimeb/Talk4Finance/internal/catalog"
	"github.com/dWassimeb/Talk4Finance/internal/errors"
)

var tablesCmd = &cobra.Command{
	Use:   "tables [table]",
	Short: "Show the dataset's tables, or one table's documentation",
	Long: `Show the embedded dataset documentation without touching the PowerBI API.

With no argument, prints the dataset overview: tables grouped by kind and
the relationships between them. With a table name, prints that table's
columns and relationships. Use MEASURES to list the predefined measures.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTables,
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}

func runTables(cmd *cobra.Command, args []string) error {
	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if len(args) == 0 {
		fmt.Fprint(out, cat.Overview())
		return nil
	}

	name := strings.TrimSpace(args[0])

	if strings.EqualFold(name, "MEASURES") {
		fmt.Fprint(out, cat.DescribeMeasures())
		return nil
	}

	described := cat.Describe(name)
	if described == "" {
		return errors.Newf(errors.ErrTypeNotFound,
			"table '%s' not found, available tables: %s",
			name, strings.Join(cat.Tables(), ", "))
	}

	fmt.Fprint(out, described)

	return nil
}
