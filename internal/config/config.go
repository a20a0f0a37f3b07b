package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 3000
	DefaultProvider              = "claude"
	DefaultModel                 = "claude-sonnet-4-5-20250929"
	DefaultAPIKeyEnv             = "ANTHROPIC_API_KEY"
	DefaultMaxTokens             = 512
	DefaultTemperature           = 0.8
	DefaultMaxRetries            = 2
	DefaultFallbackProvider      = "ollama"
	DefaultFallbackModel         = "llama3.1:8b"
	DefaultFallbackURL           = "http://localhost:11434"
	DefaultProbeTimeoutMs        = 2000
	DefaultMaxHistory            = 20
	DefaultSummarizeAfter        = 30
	DefaultConsolidateEvery      = 5
	DefaultConsolidationWindow   = 10
	DefaultMaxFactsPerActor      = 20
	DefaultPreserveRecent        = 5
	DefaultMinCompactBatch       = 10
	DefaultSweepSchedule         = "0 */10 * * * *"
	DefaultMaxCallsPerMinute     = 10
	DefaultCooldownSeconds       = 30
	DefaultIdleNudgeSeconds      = 120
	DefaultDangerHealthThreshold = 6
	DefaultDangerDistance        = 12
	DefaultIdleDistance          = 16
	DefaultProximityDistance     = 4
	DefaultSilenceTicks          = 600
	DefaultLiveTimeoutMs         = 20000
	DefaultAgentName             = "Josh"
	DefaultActorLabel            = "Player"
	DefaultWorkerCount           = 2
	DefaultQueueSize             = 64
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
)

type Config struct {
	Server          ServerConfig   `json:"server" yaml:"server"`
	LLM             LLMConfig      `json:"llm" yaml:"llm"`
	LLMAlternatives []LLMConfig    `json:"llmAlternatives,omitempty" yaml:"llmAlternatives,omitempty"`
	LLMFallback     FallbackConfig `json:"llmFallback" yaml:"llmFallback"`
	Memory          MemoryConfig   `json:"memory" yaml:"memory"`
	Behavior        BehaviorConfig `json:"behavior" yaml:"behavior"`
	Agent           AgentConfig    `json:"agent" yaml:"agent"`
	Workers         WorkerConfig   `json:"workers" yaml:"workers"`
	Log             LogConfig      `json:"log" yaml:"log"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LLMConfig describes one primary generation backend.
type LLMConfig struct {
	Provider    string  `json:"provider" yaml:"provider"` // "claude", "openai" or "gemini"
	Model       string  `json:"model" yaml:"model"`
	APIKey      string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APIKeyEnv   string  `json:"apiKeyEnv,omitempty" yaml:"apiKeyEnv,omitempty"`
	BaseURL     string  `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	MaxTokens   int     `json:"maxTokens" yaml:"maxTokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxRetries  int     `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// ResolveAPIKey returns the inline key, or the value of the named env var.
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

type FallbackConfig struct {
	Provider       string `json:"provider" yaml:"provider"`
	Model          string `json:"model" yaml:"model"`
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	ProbeTimeoutMs int    `json:"probeTimeoutMs,omitempty" yaml:"probeTimeoutMs,omitempty"`
}

type MemoryConfig struct {
	DBPath                 string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
	MaxConversationHistory int    `json:"maxConversationHistory" yaml:"maxConversationHistory"`
	SummarizeAfterTurns    int    `json:"summarizeAfterTurns" yaml:"summarizeAfterTurns"`
	ConsolidateEvery       int    `json:"consolidateEvery" yaml:"consolidateEvery"`
	ConsolidationWindow    int    `json:"consolidationWindow" yaml:"consolidationWindow"`
	MaxFactsPerActor       int    `json:"maxFactsPerActor" yaml:"maxFactsPerActor"`
	PreserveRecent         int    `json:"preserveRecent" yaml:"preserveRecent"`
	MinCompactBatch        int    `json:"minCompactBatch" yaml:"minCompactBatch"`
	SweepSchedule          string `json:"sweepSchedule,omitempty" yaml:"sweepSchedule,omitempty"`
}

type BehaviorConfig struct {
	MaxLLMCallsPerMinute       int     `json:"maxLlmCallsPerMinute" yaml:"maxLlmCallsPerMinute"`
	ProactiveCooldownSeconds   int     `json:"proactiveCooldownSeconds" yaml:"proactiveCooldownSeconds"`
	IdleNudgeAfterSeconds      int     `json:"idleNudgeAfterSeconds" yaml:"idleNudgeAfterSeconds"`
	DangerAlertHealthThreshold float64 `json:"dangerAlertHealthThreshold" yaml:"dangerAlertHealthThreshold"`
	DangerDistance             float64 `json:"dangerDistance" yaml:"dangerDistance"`
	IdleDistance               float64 `json:"idleDistance" yaml:"idleDistance"`
	ProximityDistance          float64 `json:"proximityDistance" yaml:"proximityDistance"`
	SilenceTicks               int     `json:"silenceTicks" yaml:"silenceTicks"`
	LiveTimeoutMs              int     `json:"liveTimeoutMs" yaml:"liveTimeoutMs"`
}

type AgentConfig struct {
	Name        string `json:"name" yaml:"name"`
	ActorLabel  string `json:"actorLabel" yaml:"actorLabel"`
	PersonaFile string `json:"personaFile,omitempty" yaml:"personaFile,omitempty"`
}

type WorkerConfig struct {
	Count     int `json:"count" yaml:"count"`
	QueueSize int `json:"queueSize" yaml:"queueSize"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		LLM: LLMConfig{
			Provider:    DefaultProvider,
			Model:       DefaultModel,
			APIKeyEnv:   DefaultAPIKeyEnv,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			MaxRetries:  DefaultMaxRetries,
		},
		LLMFallback: FallbackConfig{
			Provider:       DefaultFallbackProvider,
			Model:          DefaultFallbackModel,
			BaseURL:        DefaultFallbackURL,
			ProbeTimeoutMs: DefaultProbeTimeoutMs,
		},
		Memory: MemoryConfig{
			DBPath:                 filepath.Join(ConfigDir(), "npcbrain.db"),
			MaxConversationHistory: DefaultMaxHistory,
			SummarizeAfterTurns:    DefaultSummarizeAfter,
			ConsolidateEvery:       DefaultConsolidateEvery,
			ConsolidationWindow:    DefaultConsolidationWindow,
			MaxFactsPerActor:       DefaultMaxFactsPerActor,
			PreserveRecent:         DefaultPreserveRecent,
			MinCompactBatch:        DefaultMinCompactBatch,
			SweepSchedule:          DefaultSweepSchedule,
		},
		Behavior: BehaviorConfig{
			MaxLLMCallsPerMinute:       DefaultMaxCallsPerMinute,
			ProactiveCooldownSeconds:   DefaultCooldownSeconds,
			IdleNudgeAfterSeconds:      DefaultIdleNudgeSeconds,
			DangerAlertHealthThreshold: DefaultDangerHealthThreshold,
			DangerDistance:             DefaultDangerDistance,
			IdleDistance:               DefaultIdleDistance,
			ProximityDistance:          DefaultProximityDistance,
			SilenceTicks:               DefaultSilenceTicks,
			LiveTimeoutMs:              DefaultLiveTimeoutMs,
		},
		Agent: AgentConfig{
			Name:       DefaultAgentName,
			ActorLabel: DefaultActorLabel,
		},
		Workers: WorkerConfig{
			Count:     DefaultWorkerCount,
			QueueSize: DefaultQueueSize,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".npcbrain")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads path (ConfigPath when empty), applies environment
// overrides and fills zero values with defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if host := os.Getenv("NPCBRAIN_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("NPCBRAIN_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if dbPath := os.Getenv("NPCBRAIN_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if level := os.Getenv("NPCBRAIN_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if provider := os.Getenv("NPCBRAIN_LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if model := os.Getenv("NPCBRAIN_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if key := os.Getenv("NPCBRAIN_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if limit := os.Getenv("NPCBRAIN_MAX_CALLS_PER_MINUTE"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			cfg.Behavior.MaxLLMCallsPerMinute = parsed
		}
	}
	if url := os.Getenv("NPCBRAIN_OLLAMA_URL"); url != "" {
		cfg.LLMFallback.BaseURL = url
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	fillLLM(&cfg.LLM)
	for i := range cfg.LLMAlternatives {
		fillLLM(&cfg.LLMAlternatives[i])
	}
	if cfg.LLMFallback.Provider == "" {
		cfg.LLMFallback.Provider = def.LLMFallback.Provider
	}
	if cfg.LLMFallback.Model == "" {
		cfg.LLMFallback.Model = def.LLMFallback.Model
	}
	if cfg.LLMFallback.BaseURL == "" {
		cfg.LLMFallback.BaseURL = def.LLMFallback.BaseURL
	}
	if cfg.LLMFallback.ProbeTimeoutMs <= 0 {
		cfg.LLMFallback.ProbeTimeoutMs = def.LLMFallback.ProbeTimeoutMs
	}

	m := &cfg.Memory
	if m.DBPath == "" {
		m.DBPath = def.Memory.DBPath
	}
	fillInt(&m.MaxConversationHistory, DefaultMaxHistory)
	fillInt(&m.SummarizeAfterTurns, DefaultSummarizeAfter)
	fillInt(&m.ConsolidateEvery, DefaultConsolidateEvery)
	fillInt(&m.ConsolidationWindow, DefaultConsolidationWindow)
	fillInt(&m.MaxFactsPerActor, DefaultMaxFactsPerActor)
	fillInt(&m.PreserveRecent, DefaultPreserveRecent)
	fillInt(&m.MinCompactBatch, DefaultMinCompactBatch)
	if m.SweepSchedule == "" {
		m.SweepSchedule = DefaultSweepSchedule
	}

	b := &cfg.Behavior
	fillInt(&b.ProactiveCooldownSeconds, DefaultCooldownSeconds)
	fillInt(&b.IdleNudgeAfterSeconds, DefaultIdleNudgeSeconds)
	fillInt(&b.SilenceTicks, DefaultSilenceTicks)
	fillInt(&b.LiveTimeoutMs, DefaultLiveTimeoutMs)
	fillFloat(&b.DangerAlertHealthThreshold, DefaultDangerHealthThreshold)
	fillFloat(&b.DangerDistance, DefaultDangerDistance)
	fillFloat(&b.IdleDistance, DefaultIdleDistance)
	fillFloat(&b.ProximityDistance, DefaultProximityDistance)

	if cfg.Agent.Name == "" {
		cfg.Agent.Name = DefaultAgentName
	}
	if cfg.Agent.ActorLabel == "" {
		cfg.Agent.ActorLabel = DefaultActorLabel
	}
	fillInt(&cfg.Workers.Count, DefaultWorkerCount)
	fillInt(&cfg.Workers.QueueSize, DefaultQueueSize)
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func fillLLM(c *LLMConfig) {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func fillFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

// Validate rejects settings that cannot be served. Missing credentials are
// not checked here: the provider router skips backends without keys.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Memory.MaxFactsPerActor > DefaultMaxFactsPerActor {
		return fmt.Errorf("memory.maxFactsPerActor (%d) must not exceed %d", c.Memory.MaxFactsPerActor, DefaultMaxFactsPerActor)
	}
	if c.Memory.PreserveRecent < DefaultPreserveRecent {
		return fmt.Errorf("memory.preserveRecent (%d) must be at least %d", c.Memory.PreserveRecent, DefaultPreserveRecent)
	}
	if c.Memory.PreserveRecent >= c.Memory.SummarizeAfterTurns {
		return fmt.Errorf("memory.preserveRecent (%d) must be below memory.summarizeAfterTurns (%d)",
			c.Memory.PreserveRecent, c.Memory.SummarizeAfterTurns)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return nil
}

// Primaries returns the primary backend followed by the alternatives, in
// declared order.
func (c *Config) Primaries() []LLMConfig {
	out := make([]LLMConfig, 0, 1+len(c.LLMAlternatives))
	out = append(out, c.LLM)
	out = append(out, c.LLMAlternatives...)
	return out
}

func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
