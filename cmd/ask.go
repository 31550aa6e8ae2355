package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/dWassimeb/Talk4Finance/internal/agent"
	"github.com/dWassimeb/Talk4Finance/internal/errors"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Long: `Ask one natural language question about the finance dataset.

Examples:
  talk4finance ask "What was the total revenue in 2024?"
  talk4finance ask "Top 5 clients by gross margin for the Digital BU"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.TrimSpace(args[0])
	if len(question) < 2 {
		return errors.New(errors.ErrTypeValidation,
			"question must be at least 2 characters long")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newAgent(cfg)
	if err != nil {
		return err
	}

	answer, err := answerWithSpinner(cmd.Context(), a, question)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), answer)

	return nil
}

// answerWithSpinner runs one agent turn with a progress spinner on stderr,
// keeping stdout clean for the answer itself.
func answerWithSpinner(ctx context.Context, a *agent.Agent, question string) (string, error) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " Analyzing..."
	s.Start()
	defer s.Stop()

	return a.Answer(ctx, question)
}
