package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Session   SessionConfig   `json:"session"`
	Chain     ChainConfig     `json:"chain"`
	Autonomy  AutonomyConfig  `json:"autonomy"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace      string              `json:"workspace" env:"DOTLORE_AGENTS_DEFAULTS_WORKSPACE"`
	Provider       string              `json:"provider" env:"DOTLORE_AGENTS_DEFAULTS_PROVIDER"`
	Model          string              `json:"model" env:"DOTLORE_AGENTS_DEFAULTS_MODEL"`
	Temperature    float64             `json:"temperature" env:"DOTLORE_AGENTS_DEFAULTS_TEMPERATURE"`
	Actors         FlexibleStringSlice `json:"actors" env:"DOTLORE_AGENTS_DEFAULTS_ACTORS"`
	UserName       string              `json:"user_name" env:"DOTLORE_AGENTS_DEFAULTS_USER_NAME"`
	SystemPrompt   string              `json:"system_prompt" env:"DOTLORE_AGENTS_DEFAULTS_SYSTEM_PROMPT"`
	VocabularyFile string              `json:"vocabulary_file" env:"DOTLORE_AGENTS_DEFAULTS_VOCABULARY_FILE"`
	Database       string              `json:"database" env:"DOTLORE_AGENTS_DEFAULTS_DATABASE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"DOTLORE_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"DOTLORE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTLORE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"DOTLORE_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"DOTLORE_PROVIDERS_OPENAI_"`
}

// ProviderConfig holds one OpenAI-compatible endpoint. TokenFile is an
// alternative to APIKey for bearer tokens kept on disk.
type ProviderConfig struct {
	APIKey    string `json:"api_key" env:"API_KEY"`
	TokenFile string `json:"token_file,omitempty" env:"TOKEN_FILE"`
	APIBase   string `json:"api_base" env:"API_BASE"`
	Proxy     string `json:"proxy,omitempty" env:"PROXY"`
}

// MemoryConfig tunes recall. Sense thresholds and recall counts are per
// message source: the user, the actor itself, and autonomous system prompts.
type MemoryConfig struct {
	Remember        bool    `json:"remember" env:"DOTLORE_MEMORY_REMEMBER"`
	Recall          bool    `json:"recall" env:"DOTLORE_MEMORY_RECALL"`
	MinRelevance    float64 `json:"min_relevance" env:"DOTLORE_MEMORY_MIN_RELEVANCE"`
	RecentCapacity  int     `json:"recent_capacity" env:"DOTLORE_MEMORY_RECENT_CAPACITY"`
	ActiveMax       int     `json:"active_max" env:"DOTLORE_MEMORY_ACTIVE_MAX"`
	ExcerptLimit    int     `json:"excerpt_limit" env:"DOTLORE_MEMORY_EXCERPT_LIMIT"`
	ExcerptMargin   int     `json:"excerpt_margin" env:"DOTLORE_MEMORY_EXCERPT_MARGIN"`
	InjectExcerpts  bool    `json:"inject_excerpts" env:"DOTLORE_MEMORY_INJECT_EXCERPTS"`
	SenseUser       float64 `json:"sense_user" env:"DOTLORE_MEMORY_SENSE_USER"`
	SenseActor      float64 `json:"sense_actor" env:"DOTLORE_MEMORY_SENSE_ACTOR"`
	SenseSystem     float64 `json:"sense_system" env:"DOTLORE_MEMORY_SENSE_SYSTEM"`
	RecallUser      int     `json:"recall_user" env:"DOTLORE_MEMORY_RECALL_USER"`
	RecallActor     int     `json:"recall_actor" env:"DOTLORE_MEMORY_RECALL_ACTOR"`
	RecallSystem    int     `json:"recall_system" env:"DOTLORE_MEMORY_RECALL_SYSTEM"`
	HistoryCapacity int     `json:"history_capacity" env:"DOTLORE_MEMORY_HISTORY_CAPACITY"`
}

type SessionConfig struct {
	OverflowThreshold int `json:"overflow_threshold" env:"DOTLORE_SESSION_OVERFLOW_THRESHOLD"`
	NBatch            int `json:"n_batch" env:"DOTLORE_SESSION_N_BATCH"`
	NPredict          int `json:"n_predict" env:"DOTLORE_SESSION_N_PREDICT"`
	TokenBuffer       int `json:"token_buffer" env:"DOTLORE_SESSION_TOKEN_BUFFER"`
	InformHistory     int `json:"inform_history" env:"DOTLORE_SESSION_INFORM_HISTORY"`
}

type ChainConfig struct {
	Section         string `json:"section" env:"DOTLORE_CHAIN_SECTION"`
	FocusWindow     int    `json:"focus_window" env:"DOTLORE_CHAIN_FOCUS_WINDOW"`
	SignatureWindow int    `json:"signature_window" env:"DOTLORE_CHAIN_SIGNATURE_WINDOW"`
	Layers          int    `json:"layers" env:"DOTLORE_CHAIN_LAYERS"`
	// LearnReplies journals every actor reply into Section.
	LearnReplies bool `json:"learn_replies" env:"DOTLORE_CHAIN_LEARN_REPLIES"`
}

type AutonomyConfig struct {
	Enabled  bool `json:"enabled" env:"DOTLORE_AUTONOMY_ENABLED"`
	Interval int  `json:"interval" env:"DOTLORE_AUTONOMY_INTERVAL"` // seconds, min 5
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:    "~/.dotlore/workspace",
				Provider:     "openrouter",
				Model:        "openai/gpt-4o-mini",
				Temperature:  1.5,
				Actors:       FlexibleStringSlice{"Lore"},
				UserName:     "User",
				SystemPrompt: "You are %1, a curious companion who remembers what you are told.",
			},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
		},
		Memory: MemoryConfig{
			Remember:        true,
			Recall:          true,
			MinRelevance:    0.15,
			RecentCapacity:  77,
			ActiveMax:       5,
			ExcerptLimit:    6,
			ExcerptMargin:   64,
			SenseUser:       4,
			SenseActor:      4,
			SenseSystem:     2,
			RecallUser:      1,
			RecallActor:     1,
			RecallSystem:    1,
			HistoryCapacity: 20,
		},
		Session: SessionConfig{
			OverflowThreshold: 3800,
			NBatch:            64,
			NPredict:          256,
			TokenBuffer:       32,
			InformHistory:     20,
		},
		Chain: ChainConfig{
			Section:         "lore",
			FocusWindow:     16,
			SignatureWindow: 64,
			Layers:          3,
			LearnReplies:    true,
		},
		Autonomy: AutonomyConfig{
			Enabled:  true,
			Interval: 45,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// DatabasePath is the SQLite state file, defaulting into the workspace.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	db := c.Agents.Defaults.Database
	c.mu.RUnlock()
	if db != "" {
		return expandHome(db)
	}
	return filepath.Join(c.WorkspacePath(), "dotlore.db")
}

// VocabularyPath returns the user vocabulary override, or "" for the
// built-in one.
func (c *Config) VocabularyPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.VocabularyFile)
}

// ProviderSettings returns the endpoint settings for a provider name, and
// false for names without a config section.
func (c *Config) ProviderSettings(name string) (ProviderConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "openrouter":
		return c.Providers.OpenRouter, true
	case "openai":
		return c.Providers.OpenAI, true
	}
	return ProviderConfig{}, false
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
