// Package config loads the detector configuration from the environment, an
// optional .env file, sources.json profiles and command-line flags.
package config

import (
	"crypto/subtle"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/olegiv/accesslog-anomaly-go/internal/detector"
	internalerrors "github.com/olegiv/accesslog-anomaly-go/internal/errors"
	"github.com/olegiv/accesslog-anomaly-go/internal/retry"
	"github.com/olegiv/accesslog-anomaly-go/internal/source"
	"github.com/spf13/viper"
)

// CLIOptions holds command-line argument overrides. Nil pointers mean the
// flag was not given.
type CLIOptions struct {
	SourceType    string   // -source-type: file, elasticsearch
	SourcePath    string   // -source-path: file path or index name
	Source        string   // -source: profile id from sources.json
	SourcesConfig string   // -sources-config: path to sources.json
	ListSources   bool     // -list-sources: list profiles and exit
	Contamination *float64 // -contamination
	Seed          *uint64  // -seed
	Chart         *bool    // -chart
	ShowHelp      bool     // -help: show usage
	ShowVersion   bool     // -version: show version
}

// ParseCLI parses command-line arguments and returns CLIOptions
func ParseCLI() *CLIOptions {
	opts := &CLIOptions{}
	registerFlags(flag.CommandLine, opts)

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Access Log Anomaly Detector - unsupervised outlier detection for web access logs\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nExamples:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  %s -source-path /var/log/nginx/access.log\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "  %s -source-type elasticsearch -source-path logs_index -contamination 0.02\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "  %s -source production -chart=false\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "  %s -list-sources\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "\nNamed sources:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  Create sources.json with source profiles and select one with -source.\n")
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment variables can be set in .env file or exported directly.\n")
		_, _ = fmt.Fprintf(os.Stderr, "CLI arguments override environment variables.\n")
	}

	flag.Parse()

	return opts
}

// registerFlags defines the command-line flags on fs.
func registerFlags(fs *flag.FlagSet, opts *CLIOptions) {
	fs.StringVar(&opts.SourceType, "source-type", "", "Record source type: "+strings.Join(source.ValidTypes(), ", "))
	fs.StringVar(&opts.SourcePath, "source-path", "", "Access log path (file) or index name (elasticsearch)")
	fs.StringVar(&opts.Source, "source", "", "Source profile ID from sources.json")
	fs.StringVar(&opts.SourcesConfig, "sources-config", "", "Path to sources.json configuration file")
	fs.BoolVar(&opts.ListSources, "list-sources", false, "List source profiles from sources.json and exit")
	fs.Func("contamination", "Expected anomalous fraction in (0, 0.5] (overrides CONTAMINATION)", func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		opts.Contamination = &v
		return nil
	})
	fs.Func("seed", "Random seed of the scorer (overrides RANDOM_SEED)", func(s string) error {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		opts.Seed = &v
		return nil
	})
	fs.BoolFunc("chart", "Render the anomaly chart (overrides ENABLE_CHART; use -chart=false to disable)", func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		opts.Chart = &v
		return nil
	})
	fs.BoolVar(&opts.ShowHelp, "help", false, "Show usage information")
	fs.BoolVar(&opts.ShowVersion, "version", false, "Show version information")
}

// PrintUsage prints the command-line usage information
func PrintUsage() {
	flag.Usage()
}

// Config holds all application configuration
type Config struct {
	// Record source
	LogSourceType        string // canonical source.Type after validation
	AccessLogPath        string
	ElasticsearchURL     string
	ElasticsearchIndex   string
	ElasticsearchUser    string
	ElasticsearchPass    string
	ElasticsearchBatch   int
	ScrollKeepAlive      time.Duration
	SourceMaxRetries     int
	SourceRetryBaseDelay time.Duration

	// Named source profiles (loaded from sources.json)
	SourceID          string         // Selected profile id
	SourceName        string         // Profile display name
	SourcesConfig     *SourcesConfig // nil unless a profile was requested
	SourcesConfigPath string

	// Detection
	Scorer           string
	Contamination    float64
	RandomSeed       uint64
	ForestTrees      int
	ForestSampleSize int
	ParseWorkers     int

	// Output
	EnableChart bool
	ChartPath   string

	// Application
	LogLevel       string
	LogDir         string
	EnableDatabase bool
	DatabasePath   string
	RetentionDays  int

	// Telegram (optional)
	TelegramBotToken       string
	TelegramArchiveChannel int64
	TelegramAlertsChannel  int64

	// LLM triage (optional)
	LLMProvider      string // "none", "anthropic" or "ollama"
	AnthropicAPIKey  string
	ClaudeModel      string
	OllamaBaseURL    string
	OllamaModel      string
	AITimeoutSeconds int
	AIMaxTokens      int

	// Proxy
	HTTPProxy  string
	HTTPSProxy string
}

// Load loads configuration from .env file and environment variables
// Priority: .env file > OS environment variables
// For CLI overrides, use LoadWithCLI instead
func Load() (*Config, error) {
	return LoadWithCLI(nil)
}

// LoadWithCLI loads configuration with CLI argument overrides
// Priority: CLI args > sources.json profile > .env file > OS environment variables
func LoadWithCLI(cli *CLIOptions) (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// godotenv sets OS env vars from .env, which viper then reads
	_ = godotenv.Load()

	setDefaults()

	config := &Config{
		LogSourceType:        viper.GetString("LOG_SOURCE_TYPE"),
		AccessLogPath:        viper.GetString("ACCESS_LOG_PATH"),
		ElasticsearchURL:     viper.GetString("ELASTICSEARCH_URL"),
		ElasticsearchIndex:   viper.GetString("ELASTICSEARCH_INDEX"),
		ElasticsearchUser:    viper.GetString("ELASTICSEARCH_USERNAME"),
		ElasticsearchPass:    viper.GetString("ELASTICSEARCH_PASSWORD"),
		ElasticsearchBatch:   viper.GetInt("ELASTICSEARCH_BATCH_SIZE"),
		ScrollKeepAlive:      viper.GetDuration("ELASTICSEARCH_SCROLL_KEEPALIVE"),
		SourceMaxRetries:     viper.GetInt("SOURCE_MAX_RETRIES"),
		SourceRetryBaseDelay: viper.GetDuration("SOURCE_RETRY_BASE_DELAY"),

		Scorer:           viper.GetString("SCORER"),
		Contamination:    viper.GetFloat64("CONTAMINATION"),
		RandomSeed:       viper.GetUint64("RANDOM_SEED"),
		ForestTrees:      viper.GetInt("FOREST_TREES"),
		ForestSampleSize: viper.GetInt("FOREST_SAMPLE_SIZE"),
		ParseWorkers:     viper.GetInt("PARSE_WORKERS"),

		EnableChart: viper.GetBool("ENABLE_CHART"),
		ChartPath:   viper.GetString("CHART_PATH"),

		LogLevel:       viper.GetString("LOG_LEVEL"),
		LogDir:         viper.GetString("LOG_DIR"),
		EnableDatabase: viper.GetBool("ENABLE_DATABASE"),
		DatabasePath:   viper.GetString("DATABASE_PATH"),
		RetentionDays:  viper.GetInt("RETENTION_DAYS"),

		TelegramBotToken:       viper.GetString("TELEGRAM_BOT_TOKEN"),
		TelegramArchiveChannel: viper.GetInt64("TELEGRAM_CHANNEL_ID"),
		TelegramAlertsChannel:  viper.GetInt64("TELEGRAM_ALERTS_CHANNEL_ID"),

		LLMProvider:      viper.GetString("LLM_PROVIDER"),
		AnthropicAPIKey:  viper.GetString("ANTHROPIC_API_KEY"),
		ClaudeModel:      viper.GetString("CLAUDE_MODEL"),
		OllamaBaseURL:    viper.GetString("OLLAMA_BASE_URL"),
		OllamaModel:      viper.GetString("OLLAMA_MODEL"),
		AITimeoutSeconds: viper.GetInt("AI_TIMEOUT_SECONDS"),
		AIMaxTokens:      viper.GetInt("AI_MAX_TOKENS"),

		HTTPProxy:  viper.GetString("HTTP_PROXY"),
		HTTPSProxy: viper.GetString("HTTPS_PROXY"),
	}

	if err := config.applySourceProfile(cli); err != nil {
		return nil, err
	}
	config.applyCLI(cli)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// applySourceProfile applies the sources.json profile selected by -source,
// or the default profile when -sources-config is given without -source.
func (c *Config) applySourceProfile(cli *CLIOptions) error {
	if cli == nil || (cli.Source == "" && cli.SourcesConfig == "") {
		return nil
	}

	sourcesConfig, foundPath, err := LoadSourcesConfig(cli.SourcesConfig)
	if err != nil {
		return fmt.Errorf("failed to load sources config: %w", err)
	}
	if sourcesConfig == nil {
		return fmt.Errorf("sources.json is required when -source is given. " +
			"Create sources.json in one of: ./sources.json, ./configs/sources.json, " +
			"/opt/accesslog-anomaly/sources.json, or ~/.config/accesslog-anomaly/sources.json")
	}

	c.SourcesConfig = sourcesConfig
	c.SourcesConfigPath = foundPath

	id := cli.Source
	if id == "" {
		id = sourcesConfig.DefaultSource
	}
	if id == "" {
		return fmt.Errorf("no source specified. Use -source <id> or set default_source in sources.json. " +
			"Available sources: use -list-sources to see options")
	}

	profile, err := sourcesConfig.GetSource(id)
	if err != nil {
		return fmt.Errorf("failed to get source '%s': %w", id, err)
	}

	c.SourceID = id
	c.SourceName = profile.Name
	if c.SourceName == "" {
		c.SourceName = id
	}

	c.LogSourceType = profile.Type
	if profile.Path != "" {
		c.AccessLogPath = profile.Path
	}
	if profile.Index != "" {
		c.ElasticsearchIndex = profile.Index
	}
	if profile.Endpoint != "" {
		c.ElasticsearchURL = profile.Endpoint
	}

	return nil
}

// applyCLI applies flag overrides on top of environment and profile values.
func (c *Config) applyCLI(cli *CLIOptions) {
	if cli == nil {
		return
	}
	if cli.SourceType != "" {
		c.LogSourceType = cli.SourceType
	}
	if cli.SourcePath != "" {
		// The path is an index name for the search store
		if t, err := source.ParseType(c.LogSourceType); err == nil && t == source.TypeElasticsearch {
			c.ElasticsearchIndex = cli.SourcePath
		} else {
			c.AccessLogPath = cli.SourcePath
		}
	}
	if cli.Contamination != nil {
		c.Contamination = *cli.Contamination
	}
	if cli.Seed != nil {
		c.RandomSeed = *cli.Seed
	}
	if cli.Chart != nil {
		c.EnableChart = *cli.Chart
	}
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("LOG_SOURCE_TYPE", string(source.TypeFile))
	viper.SetDefault("ACCESS_LOG_PATH", "./access.log")
	viper.SetDefault("ELASTICSEARCH_URL", "http://localhost:9200")
	viper.SetDefault("ELASTICSEARCH_INDEX", "logs_index")
	viper.SetDefault("ELASTICSEARCH_BATCH_SIZE", 1000)
	viper.SetDefault("ELASTICSEARCH_SCROLL_KEEPALIVE", "1m")
	viper.SetDefault("SOURCE_MAX_RETRIES", 3)
	viper.SetDefault("SOURCE_RETRY_BASE_DELAY", "500ms")

	viper.SetDefault("SCORER", detector.NameIsolationForest)
	viper.SetDefault("CONTAMINATION", detector.DefaultContamination)
	viper.SetDefault("RANDOM_SEED", detector.DefaultSeed)
	viper.SetDefault("FOREST_TREES", detector.DefaultTrees)
	viper.SetDefault("FOREST_SAMPLE_SIZE", detector.DefaultSampleSize)
	viper.SetDefault("PARSE_WORKERS", 1)

	viper.SetDefault("ENABLE_CHART", true)
	viper.SetDefault("CHART_PATH", "./anomalies.png")

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_DIR", "./logs")
	viper.SetDefault("ENABLE_DATABASE", false)
	viper.SetDefault("DATABASE_PATH", "./data/runs.db")
	viper.SetDefault("RETENTION_DAYS", 90)

	viper.SetDefault("LLM_PROVIDER", "none")
	viper.SetDefault("CLAUDE_MODEL", "claude-sonnet-4-5-20250929")
	viper.SetDefault("OLLAMA_BASE_URL", "http://localhost:11434")
	viper.SetDefault("OLLAMA_MODEL", "llama3.3:latest")
	viper.SetDefault("AI_TIMEOUT_SECONDS", 120)
	viper.SetDefault("AI_MAX_TOKENS", 4000)
}

var telegramTokenRegex = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validate validates the configuration. Source type errors match
// internalerrors.ErrUnsupportedSourceType and scorer parameter errors match
// internalerrors.ErrInvalidParameter.
func (c *Config) Validate() error {
	if err := c.validateLogSource(); err != nil {
		return err
	}

	if err := c.validateDetection(); err != nil {
		return err
	}

	if c.EnableChart && c.ChartPath == "" {
		return fmt.Errorf("CHART_PATH is required when ENABLE_CHART=true")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if c.EnableDatabase {
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required when ENABLE_DATABASE=true")
		}
		if c.RetentionDays < 1 {
			return fmt.Errorf("RETENTION_DAYS must be at least 1")
		}
	}

	if err := c.validateTelegram(); err != nil {
		return err
	}

	return c.validateLLMProvider()
}

// validateLogSource validates the record source settings for LogSourceType
// and normalizes aliases to the canonical type.
func (c *Config) validateLogSource() error {
	t, err := source.ParseType(c.LogSourceType)
	if err != nil {
		return fmt.Errorf("LOG_SOURCE_TYPE: %w", err)
	}
	c.LogSourceType = string(t)

	switch t {
	case source.TypeFile:
		if c.AccessLogPath == "" {
			return fmt.Errorf("ACCESS_LOG_PATH is required when LOG_SOURCE_TYPE=file")
		}
	case source.TypeElasticsearch:
		if c.ElasticsearchIndex == "" {
			return fmt.Errorf("ELASTICSEARCH_INDEX is required when LOG_SOURCE_TYPE=elasticsearch")
		}
		if !isHTTPURL(c.ElasticsearchURL) {
			return fmt.Errorf("ELASTICSEARCH_URL must start with 'http://' or 'https://'")
		}
		if c.ElasticsearchBatch < 1 || c.ElasticsearchBatch > 10000 {
			return fmt.Errorf("ELASTICSEARCH_BATCH_SIZE must be between 1 and 10000")
		}
		if c.ScrollKeepAlive <= 0 {
			return fmt.Errorf("ELASTICSEARCH_SCROLL_KEEPALIVE must be positive")
		}
		if c.SourceMaxRetries < 1 || c.SourceMaxRetries > 10 {
			return fmt.Errorf("SOURCE_MAX_RETRIES must be between 1 and 10")
		}
		if c.SourceRetryBaseDelay <= 0 {
			return fmt.Errorf("SOURCE_RETRY_BASE_DELAY must be positive")
		}
	}

	return nil
}

// validateDetection validates scorer settings
func (c *Config) validateDetection() error {
	if c.Scorer != detector.NameIsolationForest && c.Scorer != detector.NameZScore {
		return fmt.Errorf("%w: SCORER must be '%s' or '%s' (got: %s)",
			internalerrors.ErrInvalidParameter, detector.NameIsolationForest, detector.NameZScore, c.Scorer)
	}
	if err := detector.ValidateContamination(c.Contamination); err != nil {
		return fmt.Errorf("CONTAMINATION: %w", err)
	}
	if c.ForestTrees < 1 || c.ForestTrees > 1000 {
		return fmt.Errorf("%w: FOREST_TREES must be between 1 and 1000", internalerrors.ErrInvalidParameter)
	}
	if c.ForestSampleSize < 2 {
		return fmt.Errorf("%w: FOREST_SAMPLE_SIZE must be at least 2", internalerrors.ErrInvalidParameter)
	}
	if c.ParseWorkers < 1 || c.ParseWorkers > 64 {
		return fmt.Errorf("%w: PARSE_WORKERS must be between 1 and 64", internalerrors.ErrInvalidParameter)
	}
	return nil
}

// validateTelegram validates the optional Telegram settings
func (c *Config) validateTelegram() error {
	if c.TelegramBotToken == "" {
		return nil
	}
	if !telegramTokenRegex.MatchString(c.TelegramBotToken) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN has invalid format (expected: 'number:token')")
	}
	if c.TelegramArchiveChannel == 0 {
		return fmt.Errorf("TELEGRAM_CHANNEL_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.TelegramArchiveChannel > -100 {
		return fmt.Errorf("TELEGRAM_CHANNEL_ID must be a supergroup/channel ID (starts with -100)")
	}
	if c.TelegramAlertsChannel != 0 && c.TelegramAlertsChannel > -100 {
		return fmt.Errorf("TELEGRAM_ALERTS_CHANNEL_ID must be a supergroup/channel ID (starts with -100)")
	}
	return nil
}

// constantTimePrefixMatch checks if s starts with prefix using constant-time comparison.
// Returns false if s is shorter than prefix.
func constantTimePrefixMatch(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s[:len(prefix)]), []byte(prefix)) == 1
}

// validateLLMProvider validates LLM provider configuration
func (c *Config) validateLLMProvider() error {
	switch c.LLMProvider {
	case "none":
		return nil
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
		}
		if !constantTimePrefixMatch(c.AnthropicAPIKey, "sk-ant-") {
			return fmt.Errorf("ANTHROPIC_API_KEY must start with 'sk-ant-'")
		}
		if c.ClaudeModel == "" {
			return fmt.Errorf("CLAUDE_MODEL is required when LLM_PROVIDER=anthropic")
		}
	case "ollama":
		if c.OllamaModel == "" {
			return fmt.Errorf("OLLAMA_MODEL is required when LLM_PROVIDER=ollama")
		}
		if !isHTTPURL(c.OllamaBaseURL) {
			return fmt.Errorf("OLLAMA_BASE_URL must start with 'http://' or 'https://'")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be 'none', 'anthropic' or 'ollama' (got: %s)", c.LLMProvider)
	}

	if c.AITimeoutSeconds < 30 || c.AITimeoutSeconds > 600 {
		return fmt.Errorf("AI_TIMEOUT_SECONDS must be between 30 and 600")
	}
	if c.AIMaxTokens < 1000 || c.AIMaxTokens > 16000 {
		return fmt.Errorf("AI_MAX_TOKENS must be between 1000 and 16000")
	}
	return nil
}

// SourceDescriptor returns the descriptor for source.Registry.New.
func (c *Config) SourceDescriptor() source.Descriptor {
	desc := source.Descriptor{Type: source.Type(c.LogSourceType)}
	if desc.Type == source.TypeElasticsearch {
		desc.Identifier = c.ElasticsearchIndex
		desc.Endpoint = c.ElasticsearchURL
		desc.Username = c.ElasticsearchUser
		desc.Password = c.ElasticsearchPass
		desc.BatchSize = c.ElasticsearchBatch
		desc.ScrollKeepAlive = c.ScrollKeepAlive
		desc.Retry = c.RetryPolicy()
		return desc
	}
	desc.Identifier = c.AccessLogPath
	return desc
}

// RetryPolicy returns the backoff policy for remote record sources.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.SourceMaxRetries,
		BaseDelay:   c.SourceRetryBaseDelay,
		MaxDelay:    retry.DefaultPolicy.MaxDelay,
	}
}

// DetectorOptions returns the scorer options.
func (c *Config) DetectorOptions() detector.Options {
	return detector.Options{
		Trees:      c.ForestTrees,
		SampleSize: c.ForestSampleSize,
		Seed:       c.RandomSeed,
	}
}

// SourceFilter returns the (type, name) pair runs of this source are stored under.
func (c *Config) SourceFilter() (sourceType, sourceName string) {
	if c.SourceID != "" {
		return c.LogSourceType, c.SourceID
	}
	return c.LogSourceType, c.SourceDescriptor().Identifier
}

// HasTelegram returns true if Telegram notifications are configured
func (c *Config) HasTelegram() bool {
	return c.TelegramBotToken != ""
}

// HasAlertsChannel returns true if alerts channel is configured
func (c *Config) HasAlertsChannel() bool {
	return c.TelegramAlertsChannel != 0
}

// HasLLM returns true if LLM triage is enabled
func (c *Config) HasLLM() bool {
	return c.LLMProvider != "" && c.LLMProvider != "none"
}

// GetProxyURL returns the appropriate proxy URL for HTTP/HTTPS requests
func (c *Config) GetProxyURL(isHTTPS bool) string {
	if isHTTPS && c.HTTPSProxy != "" {
		return c.HTTPSProxy
	}
	if c.HTTPProxy != "" {
		return c.HTTPProxy
	}
	return ""
}

// IsOllama returns true if the LLM provider is Ollama
func (c *Config) IsOllama() bool {
	return c.LLMProvider == "ollama"
}

// IsAnthropic returns true if the LLM provider is Anthropic
func (c *Config) IsAnthropic() bool {
	return c.LLMProvider == "anthropic"
}

// GetLLMModel returns the model name for the current LLM provider
func (c *Config) GetLLMModel() string {
	switch c.LLMProvider {
	case "ollama":
		return c.OllamaModel
	case "anthropic":
		return c.ClaudeModel
	default:
		return ""
	}
}

