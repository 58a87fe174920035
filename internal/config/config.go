// Package config loads and validates the engine's recognized options
// (spec §6) via viper, with in-code defaults and optional file/env
// overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kittclouds/topicengine/internal/errs"
)

// Config holds every recognized option. Field names mirror the spec's
// option names; mapstructure tags keep them stable across a config
// file rewrite.
type Config struct {
	ContextReserveTokens int `mapstructure:"contextReserveTokens"`
	VerbatimTailTurns    int `mapstructure:"verbatimTailTurns"`

	KeywordCacheTTL  time.Duration `mapstructure:"-"`
	ProposalCacheTTL time.Duration `mapstructure:"-"`
	KeywordCacheTtlMs  int `mapstructure:"keywordCacheTtlMs"`
	ProposalCacheTtlMs int `mapstructure:"proposalCacheTtlMs"`

	ProposalTopK     int     `mapstructure:"proposalTopK"`
	ProposalMinScore float64 `mapstructure:"proposalMinScore"`

	MaxKeywordLen     int `mapstructure:"maxKeywordLen"`
	MaxSubjectMembers int `mapstructure:"maxSubjectMembers"`

	LLMRetryMax        int `mapstructure:"llmRetryMax"`
	LLMRetryBackoffMs  int `mapstructure:"llmRetryBackoffMs"`

	MaxHistoryTokens int `mapstructure:"maxHistoryTokens"`

	StoreRoot string `mapstructure:"storeRoot"`

	// Provider wiring. Not named in spec §6's recognized-options list
	// (which covers engine behavior, not transport credentials) but
	// required to construct the concrete llmclient.ChatCompletionClient;
	// documented in DESIGN.md.
	ModelID    string `mapstructure:"modelId"`
	LLMBaseURL string `mapstructure:"llmBaseUrl"`
	LLMAPIKey  string `mapstructure:"llmApiKey"`
	ListenAddr string `mapstructure:"listenAddr"`
}

// Default returns the spec's documented defaults.
func Default() *Config {
	return &Config{
		ContextReserveTokens: 1024,
		VerbatimTailTurns:    6,
		KeywordCacheTtlMs:    5000,
		ProposalCacheTtlMs:   30000,
		ProposalTopK:         5,
		ProposalMinScore:     0.2,
		MaxKeywordLen:        50,
		MaxSubjectMembers:    12,
		LLMRetryMax:          2,
		LLMRetryBackoffMs:    200,
		MaxHistoryTokens:     8192,
		StoreRoot:            "./data",
		ModelID:              "default-model",
		LLMBaseURL:           "https://openrouter.ai/api/v1",
		ListenAddr:           ":8787",
	}
}

// Load reads configPath (if non-empty) and environment variables
// prefixed TOPICENGINE_ over the defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("topicengine")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap("config", errs.ConfigError, "reading config file", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.Wrap("config", errs.ConfigError, "unmarshalling config", err)
	}

	cfg.KeywordCacheTTL = time.Duration(cfg.KeywordCacheTtlMs) * time.Millisecond
	cfg.ProposalCacheTTL = time.Duration(cfg.ProposalCacheTtlMs) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("contextReserveTokens", cfg.ContextReserveTokens)
	v.SetDefault("verbatimTailTurns", cfg.VerbatimTailTurns)
	v.SetDefault("keywordCacheTtlMs", cfg.KeywordCacheTtlMs)
	v.SetDefault("proposalCacheTtlMs", cfg.ProposalCacheTtlMs)
	v.SetDefault("proposalTopK", cfg.ProposalTopK)
	v.SetDefault("proposalMinScore", cfg.ProposalMinScore)
	v.SetDefault("maxKeywordLen", cfg.MaxKeywordLen)
	v.SetDefault("maxSubjectMembers", cfg.MaxSubjectMembers)
	v.SetDefault("llmRetryMax", cfg.LLMRetryMax)
	v.SetDefault("llmRetryBackoffMs", cfg.LLMRetryBackoffMs)
	v.SetDefault("maxHistoryTokens", cfg.MaxHistoryTokens)
	v.SetDefault("storeRoot", cfg.StoreRoot)
	v.SetDefault("modelId", cfg.ModelID)
	v.SetDefault("llmBaseUrl", cfg.LLMBaseURL)
	v.SetDefault("llmApiKey", cfg.LLMAPIKey)
	v.SetDefault("listenAddr", cfg.ListenAddr)
}

// Validate rejects configurations that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.ContextReserveTokens <= 0 {
		return errs.New("config", errs.ConfigError, "contextReserveTokens must be positive")
	}
	if c.VerbatimTailTurns <= 0 {
		return errs.New("config", errs.ConfigError, "verbatimTailTurns must be positive")
	}
	if c.ProposalTopK <= 0 {
		return errs.New("config", errs.ConfigError, "proposalTopK must be positive")
	}
	if c.ProposalMinScore < 0 || c.ProposalMinScore > 1 {
		return errs.New("config", errs.ConfigError, "proposalMinScore must be within [0,1]")
	}
	if c.MaxKeywordLen <= 0 {
		return errs.New("config", errs.ConfigError, "maxKeywordLen must be positive")
	}
	if c.StoreRoot == "" {
		return errs.New("config", errs.ConfigError, "storeRoot must not be empty")
	}
	if c.LLMRetryMax < 0 {
		return errs.New("config", errs.ConfigError, "llmRetryMax must not be negative")
	}
	if c.ModelID == "" {
		return errs.New("config", errs.ConfigError, "modelId must not be empty")
	}
	if c.LLMBaseURL == "" {
		return errs.New("config", errs.ConfigError, "llmBaseUrl must not be empty")
	}
	if c.ListenAddr == "" {
		return errs.New("config", errs.ConfigError, "listenAddr must not be empty")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{storeRoot=%s, proposalTopK=%d, keywordCacheTtl=%s}",
		c.StoreRoot, c.ProposalTopK, c.KeywordCacheTTL)
}
