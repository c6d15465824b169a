// Package config loads cqm settings from a YAML file, CQM_* environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/CitadelQuest/CitadelQuest-sub002/internal/completion"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/embedding"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/jobs"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/locator"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/logging"
	"github.com/CitadelQuest/CitadelQuest-sub002/internal/model"
)

const (
	// DefaultDir is the config directory under the user's home.
	DefaultDir  = ".cqm"
	fileName    = "cqm"
	envPrefix   = "CQM"
	defaultColl = "main"
)

// Config is the full cqm configuration.
type Config struct {
	Collections       map[string]string `mapstructure:"collections" validate:"required,min=1,dive,keys,required,endkeys,required"`
	DefaultCollection string            `mapstructure:"default_collection" validate:"required"`
	Log               logging.Config    `mapstructure:"log"`
	Completion        Completion        `mapstructure:"completion"`
	Embedding         Embedding         `mapstructure:"embedding"`
	Jobs              Jobs              `mapstructure:"jobs"`
	Library           Library           `mapstructure:"library"`
	Metrics           Metrics           `mapstructure:"metrics"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// Completion selects the capability that proposes memories.
type Completion struct {
	Provider     string `mapstructure:"provider" validate:"omitempty,oneof=heuristic openai ollama claude"`
	Model        string `mapstructure:"model"`
	BaseURL      string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKeyEnv    string `mapstructure:"api_key_env"`
	MaxTokens    int    `mapstructure:"max_tokens" validate:"min=0"`
	Instructions string `mapstructure:"instructions"`
}

// Embedding selects the optional pair prefilter.
type Embedding struct {
	Provider  string  `mapstructure:"provider" validate:"omitempty,oneof=none openai ollama"`
	Model     string  `mapstructure:"model"`
	BaseURL   string  `mapstructure:"base_url" validate:"omitempty,url"`
	APIKeyEnv string  `mapstructure:"api_key_env"`
	Threshold float64 `mapstructure:"threshold" validate:"gte=0,lte=1"`
}

// Jobs tunes the job pipeline.
type Jobs struct {
	MaxStepFailures      int           `mapstructure:"max_step_failures" validate:"min=1"`
	RelationshipMaxPairs int           `mapstructure:"relationship_max_pairs" validate:"min=1"`
	MergeBatchSize       int           `mapstructure:"merge_batch_size" validate:"min=1"`
	DefaultMaxDepth      int           `mapstructure:"default_max_depth" validate:"min=1,max=10"`
	ChunkSize            int           `mapstructure:"chunk_size" validate:"min=200"`
	PollInterval         time.Duration `mapstructure:"poll_interval" validate:"min=0"`
}

// Library tunes the library aggregator.
type Library struct {
	Concurrency   int           `mapstructure:"concurrency" validate:"min=1,max=64"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce" validate:"min=0"`
}

// Metrics configures the Prometheus endpoint. An empty addr disables it.
type Metrics struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("collections", map[string]string{defaultColl: filepath.Join(home, DefaultDir, "packs")})
	v.SetDefault("default_collection", defaultColl)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("completion.provider", completion.ProviderHeuristic)
	v.SetDefault("completion.model", "")
	v.SetDefault("completion.base_url", "")
	v.SetDefault("completion.api_key_env", "")
	v.SetDefault("completion.max_tokens", 0)
	v.SetDefault("completion.instructions", "")

	v.SetDefault("embedding.provider", "none")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key_env", "")
	v.SetDefault("embedding.threshold", jobs.DefaultThreshold)

	v.SetDefault("jobs.max_step_failures", jobs.DefaultMaxStepFailures)
	v.SetDefault("jobs.relationship_max_pairs", jobs.DefaultMaxPairs)
	v.SetDefault("jobs.merge_batch_size", jobs.DefaultBatchSize)
	v.SetDefault("jobs.default_max_depth", jobs.DefaultMaxDepth)
	v.SetDefault("jobs.chunk_size", 6000)
	v.SetDefault("jobs.poll_interval", "0s")

	v.SetDefault("library.concurrency", 4)
	v.SetDefault("library.watch_debounce", "500ms")

	v.SetDefault("metrics.addr", "")
}

// Load reads the config. An explicit path must exist; otherwise cqm.yaml
// is looked up in $HOME/.cqm and the working directory, and defaults apply
// when neither has one.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, DefaultDir))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := model.ValidateStruct("config", c); err != nil {
		return err
	}
	if _, ok := c.Collections[c.DefaultCollection]; !ok {
		return model.Validation("config", "default_collection %q is not a configured collection", c.DefaultCollection)
	}
	if c.Completion.Provider == completion.ProviderOpenAI && c.Completion.APIKeyEnv == "" {
		return model.Validation("config", "completion.api_key_env is required for provider openai")
	}
	return nil
}

// Resolver maps collections to their configured roots.
func (c *Config) Resolver() locator.DirResolver {
	return locator.DirResolver(c.Collections)
}

// CompletionConfig returns the capability settings.
func (c *Config) CompletionConfig() completion.Config {
	return completion.Config{
		Provider:  c.Completion.Provider,
		Model:     c.Completion.Model,
		BaseURL:   c.Completion.BaseURL,
		APIKeyEnv: c.Completion.APIKeyEnv,
		MaxTokens: c.Completion.MaxTokens,
	}
}

// EmbeddingConfig returns the embedder settings.
func (c *Config) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Provider:  c.Embedding.Provider,
		Model:     c.Embedding.Model,
		BaseURL:   c.Embedding.BaseURL,
		APIKeyEnv: c.Embedding.APIKeyEnv,
	}
}

// JobOptions returns pipeline options without the runtime collaborators.
func (c *Config) JobOptions() jobs.Options {
	threshold := c.Embedding.Threshold
	return jobs.Options{
		MaxStepFailures: c.Jobs.MaxStepFailures,
		MaxDepth:        c.Jobs.DefaultMaxDepth,
		MaxPairs:        c.Jobs.RelationshipMaxPairs,
		BatchSize:       c.Jobs.MergeBatchSize,
		Threshold:       &threshold,
		ChunkSize:       c.Jobs.ChunkSize,
	}
}
