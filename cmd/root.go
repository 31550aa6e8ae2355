package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dWassimeb/Talk4Finance/internal/agent"
	"github.com/dWassimeb/Talk4Finance/internal/catalog"
	"github.com/dWassimeb/Talk4Finance/internal/config"
	"github.com/dWassimeb/Talk4Finance/internal/llm"
	"github.com/dWassimeb/Talk4Finance/internal/logging"
	"github.com/dWassimeb/Talk4Finance/internal/powerbi"
)

var (
	flagDataset       string
	flagLogLevel      string
	flagVerbose       bool
	flagDebug         bool
	flagMaxIterations int
)

var rootCmd = &cobra.Command{
	Use:   "talk4finance",
	Short: "Ask the finance PowerBI dataset questions in natural language",
	Long: `talk4finance answers natural language questions about the finance dataset.
A language model plans DAX queries over the dataset's predefined measures,
executes them through the PowerBI REST API and formats the results for
reading. Questions can be asked one at a time or in an interactive session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataset, "dataset", "", "PowerBI dataset id override")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().IntVar(&flagMaxIterations, "max-iterations", 0, "Maximum reasoning steps per question")
}

// loadConfig builds the effective configuration from file, environment and
// flags, then points the logger at it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithOverrides(map[string]interface{}{
		"dataset":        flagDataset,
		"log-level":      flagLogLevel,
		"verbose":        flagVerbose,
		"debug":          flagDebug,
		"max-iterations": flagMaxIterations,
	})
	if err != nil {
		return nil, err
	}

	if err := logging.InitializeLogger(cfg.Logging); err != nil {
		logging.SetupFallbackLogger()
	}

	return cfg, nil
}

// newAgent wires the full stack for one conversation
func newAgent(cfg *config.Config) (*agent.Agent, error) {
	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}

	tokens := powerbi.NewClientCredentialsSource(powerbi.CredentialConfig{
		AuthorityURL: cfg.PowerBI.AuthorityURL,
		TenantID:     cfg.PowerBI.TenantID,
		ClientID:     cfg.PowerBI.ClientID,
		ClientSecret: cfg.PowerBI.ClientSecret,
		Scope:        cfg.PowerBI.Scope,
		Skew:         cfg.TokenSkewDuration(),
	}, nil)

	engine := powerbi.NewClient(powerbi.ClientConfig{
		BaseURL:   cfg.PowerBI.APIBaseURL,
		DatasetID: cfg.PowerBI.DatasetID,
		Timeout:   cfg.QueryTimeoutDuration(),
	}, tokens, nil)

	completions := llm.NewClient(llm.Config{
		GatewayURL:      cfg.LLM.GatewayURL,
		SubscriptionKey: cfg.LLM.SubscriptionKey,
		Deployment:      cfg.LLM.Deployment,
		Temperature:     float64(cfg.LLM.Temperature),
		MaxTokens:       cfg.LLM.MaxTokens,
		Timeout:         cfg.LLMTimeoutDuration(),
	}, nil)

	return agent.New(completions, agent.NewDefaultRegistry(engine, cat), cat, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		MemorySize:    cfg.Agent.MemorySize,
	}), nil
}
