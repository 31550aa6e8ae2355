package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents the application configuration
type Config struct {
	PowerBI PowerBIConfig `json:"powerbi" envPrefix:"TALK4FINANCE_"`
	LLM     LLMConfig     `json:"llm"     envPrefix:"TALK4FINANCE_"`
	Agent   AgentConfig   `json:"agent"   envPrefix:"TALK4FINANCE_"`
	Logging LoggingConfig `json:"logging" envPrefix:"TALK4FINANCE_"`
	Debug   DebugConfig   `json:"debug"   envPrefix:"TALK4FINANCE_"`
}

// PowerBIConfig represents PowerBI REST API and authentication configuration
type PowerBIConfig struct {
	TenantID     string `json:"tenant_id"      env:"POWERBI_TENANT_ID"`
	ClientID     string `json:"client_id"      env:"POWERBI_CLIENT_ID"`
	ClientSecret string `json:"client_secret"  env:"POWERBI_CLIENT_SECRET"`
	DatasetID    string `json:"dataset_id"     env:"POWERBI_DATASET_ID"`
	APIBaseURL   string `json:"api_base_url"   env:"POWERBI_API_BASE_URL"   envDefault:"https://api.powerbi.com/v1.0/myorg"`
	AuthorityURL string `json:"authority_url"  env:"POWERBI_AUTHORITY_URL"  envDefault:"https://login.microsoftonline.com"`
	Scope        string `json:"scope"          env:"POWERBI_SCOPE"          envDefault:"https://analysis.windows.net/powerbi/api/.default"`
	QueryTimeout string `json:"query_timeout"  env:"POWERBI_QUERY_TIMEOUT"  envDefault:"60s"`
	TokenSkew    string `json:"token_skew"     env:"POWERBI_TOKEN_SKEW"     envDefault:"2m"`
}

// LLMConfig represents the chat-completion gateway configuration
type LLMConfig struct {
	GatewayURL      string  `json:"gateway_url"      env:"LLM_GATEWAY_URL"`
	SubscriptionKey string  `json:"subscription_key" env:"LLM_SUBSCRIPTION_KEY"`
	Deployment      string  `json:"deployment"       env:"LLM_DEPLOYMENT"    envDefault:"gpt-4o"`
	Temperature     float32 `json:"temperature"      env:"LLM_TEMPERATURE"   envDefault:"0"`
	MaxTokens       int     `json:"max_tokens"       env:"LLM_MAX_TOKENS"    envDefault:"2000"`
	RequestTimeout  string  `json:"request_timeout"  env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
}

// AgentConfig represents reasoning-loop configuration
type AgentConfig struct {
	MaxIterations int `json:"max_iterations" env:"AGENT_MAX_ITERATIONS" envDefault:"8"`
	MemorySize    int `json:"memory_size"    env:"AGENT_MEMORY_SIZE"    envDefault:"10"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"  env:"LOG_LEVEL"  envDefault:"info"`                                 // debug, info, warn, error
	Format string `json:"format" env:"LOG_FORMAT" envDefault:"text"`                                 // text, json
	Output string `json:"output" env:"LOG_OUTPUT" envDefault:"stderr"`                               // stdout, stderr, file
	File   string `json:"file"   env:"LOG_FILE"   envDefault:"~/.config/talk4finance/logs/app.log"` // log file path when output is file
}

// DebugConfig represents debug configuration
type DebugConfig struct {
	Enabled  bool `json:"enabled"   env:"DEBUG"           envDefault:"false"`
	Verbose  bool `json:"verbose"   env:"VERBOSE"         envDefault:"false"`
	TraceAPI bool `json:"trace_api" env:"DEBUG_TRACE_API" envDefault:"false"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigWithOverrides(nil)
}

// LoadConfigWithOverrides loads configuration with optional command-line flag overrides
func LoadConfigWithOverrides(flagOverrides map[string]interface{}) (*Config, error) {
	// Start with empty configuration (defaults will be set by env.Parse)
	config := &Config{}

	// Load from config file if it exists
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Apply environment variable overrides using env library (also sets defaults)
	if err := env.ParseWithOptions(config, env.Options{
		Prefix: "TALK4FINANCE_",
	}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Apply command-line flag overrides
	if flagOverrides != nil {
		if err := applyFlagOverrides(config, flagOverrides); err != nil {
			return nil, fmt.Errorf("failed to apply flag overrides: %w", err)
		}
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into a temporary struct to merge with defaults
	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge file config with defaults
	mergeConfigs(config, &fileConfig)

	return nil
}

// applyFlagOverrides applies command-line flag overrides to configuration
func applyFlagOverrides(config *Config, overrides map[string]interface{}) error {
	for key, value := range overrides {
		switch key {
		case "dataset":
			if str, ok := value.(string); ok && str != "" {
				config.PowerBI.DatasetID = str
			}
		case "log-level":
			if str, ok := value.(string); ok && str != "" {
				config.Logging.Level = str
			}
		case "verbose":
			if b, ok := value.(bool); ok {
				config.Debug.Verbose = b
			}
		case "debug":
			if b, ok := value.(bool); ok {
				config.Debug.Enabled = b
			}
		case "max-iterations":
			if n, ok := value.(int); ok && n > 0 {
				config.Agent.MaxIterations = n
			}
		}
	}

	return nil
}

// mergeConfigs merges source configuration into target configuration
func mergeConfigs(target, source *Config) {
	var mergeValues func(t, s reflect.Value)
	mergeValues = func(t, s reflect.Value) {
		if t.Kind() != s.Kind() {
			return
		}

		if t.Kind() == reflect.Struct {
			for i := 0; i < s.NumField(); i++ {
				mergeValues(t.Field(i), s.Field(i))
			}
		} else if s.Kind() == reflect.Bool {
			t.Set(s)
		} else if !s.IsZero() {
			t.Set(s)
		}
	}

	mergeValues(reflect.ValueOf(target).Elem(), reflect.ValueOf(source).Elem())
}

// validateConfig validates the configuration for common errors
func validateConfig(config *Config) error {
	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf(
			"invalid log level: %s (must be debug, info, warn, or error)",
			config.Logging.Level,
		)
	}

	// Validate log format
	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[strings.ToLower(config.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", config.Logging.Format)
	}

	// Validate log output
	validLogOutputs := map[string]bool{
		"stdout": true, "stderr": true, "file": true,
	}
	if !validLogOutputs[strings.ToLower(config.Logging.Output)] {
		return fmt.Errorf(
			"invalid log output: %s (must be stdout, stderr, or file)",
			config.Logging.Output,
		)
	}

	// Validate timeout durations
	if _, err := time.ParseDuration(config.PowerBI.QueryTimeout); err != nil {
		return fmt.Errorf("invalid PowerBI query timeout: %s", config.PowerBI.QueryTimeout)
	}

	if _, err := time.ParseDuration(config.PowerBI.TokenSkew); err != nil {
		return fmt.Errorf("invalid token expiry skew: %s", config.PowerBI.TokenSkew)
	}

	if _, err := time.ParseDuration(config.LLM.RequestTimeout); err != nil {
		return fmt.Errorf("invalid LLM request timeout: %s", config.LLM.RequestTimeout)
	}

	// Validate numeric values
	if config.Agent.MaxIterations <= 0 {
		return fmt.Errorf(
			"agent max iterations must be positive: %d",
			config.Agent.MaxIterations,
		)
	}

	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config) error {
	configPath := getConfigPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to JSON
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// getConfigPath returns the path to the configuration file
func getConfigPath() string {
	// Check for custom config path from environment
	if configPath := os.Getenv("TALK4FINANCE_CONFIG"); configPath != "" {
		return expandPath(configPath)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}

	return filepath.Join(homeDir, ".config", "talk4finance", "config.json")
}

// expandPath expands ~ to home directory in file paths
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return homeDir
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}

	return path
}

// ExpandAllPaths expands all paths in the configuration
func (c *Config) ExpandAllPaths() {
	c.Logging.File = expandPath(c.Logging.File)
}

// GetConfigDir returns the configuration directory
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".config/talk4finance"
	}

	return filepath.Join(homeDir, ".config", "talk4finance")
}

// GetLogDir returns the log directory
func GetLogDir() string {
	return filepath.Join(GetConfigDir(), "logs")
}

// EnsureDirectories creates necessary directories for the configuration
func (c *Config) EnsureDirectories() error {
	if c.Logging.Output != "file" {
		return nil
	}

	dir := filepath.Dir(c.Logging.File)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// QueryTimeoutDuration returns the parsed PowerBI query timeout
func (c *Config) QueryTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.PowerBI.QueryTimeout)
	if err != nil {
		return 60 * time.Second
	}

	return d
}

// TokenSkewDuration returns the parsed token expiry skew
func (c *Config) TokenSkewDuration() time.Duration {
	d, err := time.ParseDuration(c.PowerBI.TokenSkew)
	if err != nil {
		return 2 * time.Minute
	}

	return d
}

// LLMTimeoutDuration returns the parsed LLM request timeout
func (c *Config) LLMTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.LLM.RequestTimeout)
	if err != nil {
		return 120 * time.Second
	}

	return d
}
