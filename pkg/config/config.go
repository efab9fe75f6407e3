package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type ProviderConfig struct {
	APIKey            string  `json:"api_key" env:"API_KEY"`
	BaseURL           string  `json:"base_url,omitempty" env:"BASE_URL"`
	Model             string  `json:"model,omitempty" env:"MODEL"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" env:"RPS"`
}

type ProvidersConfig struct {
	Default   string         `json:"default" env:"PICOCELL_PROVIDER"`
	Anthropic ProviderConfig `json:"anthropic" envPrefix:"PICOCELL_ANTHROPIC_"`
	OpenAI    ProviderConfig `json:"openai" envPrefix:"PICOCELL_OPENAI_"`
}

// BidWeights are the auction score weights. They should sum to 1.
type BidWeights struct {
	Capability   float64 `json:"capability"`
	Availability float64 `json:"availability"`
	History      float64 `json:"history"`
	Tools        float64 `json:"tools"`
}

type ClusterConfig struct {
	MinNodes             int        `json:"min_nodes" env:"PICOCELL_CLUSTER_MIN_NODES"`
	MaxNodes             int        `json:"max_nodes" env:"PICOCELL_CLUSTER_MAX_NODES"`
	MaxDepth             int        `json:"max_depth" env:"PICOCELL_CLUSTER_MAX_DEPTH"`
	MitosisThreshold     float64    `json:"mitosis_threshold" env:"PICOCELL_CLUSTER_MITOSIS_THRESHOLD"`
	ApoptosisThreshold   float64    `json:"apoptosis_threshold" env:"PICOCELL_CLUSTER_APOPTOSIS_THRESHOLD"`
	ConsecutiveLossLimit int        `json:"consecutive_loss_limit" env:"PICOCELL_CLUSTER_CONSECUTIVE_LOSS_LIMIT"`
	IdleTimeoutSeconds   int        `json:"idle_timeout_seconds" env:"PICOCELL_CLUSTER_IDLE_TIMEOUT_SECONDS"`
	BidWeights           BidWeights `json:"bid_weights"`
	MinBids              int        `json:"min_bids" env:"PICOCELL_CLUSTER_MIN_BIDS"`
	FallbackStrategy     string     `json:"fallback_strategy" env:"PICOCELL_CLUSTER_FALLBACK_STRATEGY"`
	SweepCron            string     `json:"sweep_cron" env:"PICOCELL_CLUSTER_SWEEP_CRON"`
}

type RewardConfig struct {
	Alpha         float64 `json:"alpha" env:"PICOCELL_REWARD_ALPHA"`
	DecayRate     float64 `json:"decay_rate" env:"PICOCELL_REWARD_DECAY_RATE"`
	JudgeEnabled  bool    `json:"judge_enabled" env:"PICOCELL_REWARD_JUDGE_ENABLED"`
	JudgeInterval int     `json:"judge_interval" env:"PICOCELL_REWARD_JUDGE_INTERVAL"`
}

type ContextConfig struct {
	ContextWindow      int                `json:"context_window" env:"PICOCELL_CONTEXT_WINDOW"`
	OutputReserveRatio float64            `json:"output_reserve_ratio" env:"PICOCELL_CONTEXT_OUTPUT_RESERVE_RATIO"`
	SourceRatios       map[string]float64 `json:"source_ratios,omitempty"`
	AdaptiveAlpha      float64            `json:"adaptive_alpha" env:"PICOCELL_CONTEXT_ADAPTIVE_ALPHA"`
}

type MemoryConfig struct {
	L1TokenBudget  int     `json:"l1_token_budget" env:"PICOCELL_MEMORY_L1_TOKEN_BUDGET"`
	L2TokenBudget  int     `json:"l2_token_budget" env:"PICOCELL_MEMORY_L2_TOKEN_BUDGET"`
	BaseImportance float64 `json:"base_importance" env:"PICOCELL_MEMORY_BASE_IMPORTANCE"`
	PersistPath    string  `json:"persist_path,omitempty" env:"PICOCELL_MEMORY_PERSIST_PATH"`
}

type KnowledgeConfig struct {
	EmbeddingURL    string  `json:"embedding_url,omitempty" env:"PICOCELL_KNOWLEDGE_EMBEDDING_URL"`
	EmbeddingModel  string  `json:"embedding_model,omitempty" env:"PICOCELL_KNOWLEDGE_EMBEDDING_MODEL"`
	KeywordWeight   float64 `json:"keyword_weight" env:"PICOCELL_KNOWLEDGE_KEYWORD_WEIGHT"`
	VectorWeight    float64 `json:"vector_weight" env:"PICOCELL_KNOWLEDGE_VECTOR_WEIGHT"`
	CacheTTLSeconds int     `json:"cache_ttl_seconds" env:"PICOCELL_KNOWLEDGE_CACHE_TTL_SECONDS"`
}

type LoopConfig struct {
	ComplexityLLMThreshold   int     `json:"complexity_llm_threshold" env:"PICOCELL_LOOP_COMPLEXITY_LLM_THRESHOLD"`
	EvolutionRewardThreshold float64 `json:"evolution_reward_threshold" env:"PICOCELL_LOOP_EVOLUTION_REWARD_THRESHOLD"`
	EvolutionWindow          int     `json:"evolution_window" env:"PICOCELL_LOOP_EVOLUTION_WINDOW"`
}

type AgentConfig struct {
	MaxSteps        int     `json:"max_steps" env:"PICOCELL_AGENT_MAX_STEPS"`
	RequireDoneTool bool    `json:"require_done_tool" env:"PICOCELL_AGENT_REQUIRE_DONE_TOOL"`
	MaxTokens       int     `json:"max_tokens" env:"PICOCELL_AGENT_MAX_TOKENS"`
	Temperature     float64 `json:"temperature" env:"PICOCELL_AGENT_TEMPERATURE"`
}

type MCPServerConfig struct {
	Name               string            `json:"name"`
	Enabled            bool              `json:"enabled"`
	Transport          string            `json:"transport,omitempty"` // command | streamable_http | sse
	Command            string            `json:"command,omitempty"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	WorkingDir         string            `json:"working_dir,omitempty"`
	URL                string            `json:"url,omitempty"`
	ToolPrefix         string            `json:"tool_prefix,omitempty"`
	StartupTimeoutMS   int               `json:"startup_timeout_ms,omitempty"`
	CallTimeoutMS      int               `json:"call_timeout_ms,omitempty"`
	TerminateTimeoutMS int               `json:"terminate_timeout_ms,omitempty"`
}

type MCPConfig struct {
	Enabled bool              `json:"enabled"`
	Servers []MCPServerConfig `json:"servers,omitempty"`
}

type ToolsConfig struct {
	TimeoutSeconds int       `json:"timeout_seconds" env:"PICOCELL_TOOLS_TIMEOUT_SECONDS"`
	MaxResultSize  int       `json:"max_result_size" env:"PICOCELL_TOOLS_MAX_RESULT_SIZE"`
	MCP            MCPConfig `json:"mcp"`
}

type GatewayConfig struct {
	Enabled bool   `json:"enabled" env:"PICOCELL_GATEWAY_ENABLED"`
	Host    string `json:"host" env:"PICOCELL_GATEWAY_HOST"`
	Port    int    `json:"port" env:"PICOCELL_GATEWAY_PORT"`
}

type NATSConfig struct {
	Enabled       bool   `json:"enabled" env:"PICOCELL_NATS_ENABLED"`
	URL           string `json:"url" env:"PICOCELL_NATS_URL"`
	SubjectPrefix string `json:"subject_prefix" env:"PICOCELL_NATS_SUBJECT_PREFIX"`
}

type LogConfig struct {
	Level string `json:"level" env:"PICOCELL_LOG_LEVEL"`
	File  string `json:"file,omitempty" env:"PICOCELL_LOG_FILE"`
}

type SkillsConfig struct {
	Dir string `json:"dir,omitempty" env:"PICOCELL_SKILLS_DIR"`
}

type Config struct {
	Providers ProvidersConfig `json:"providers"`
	Cluster   ClusterConfig   `json:"cluster"`
	Reward    RewardConfig    `json:"reward"`
	Context   ContextConfig   `json:"context"`
	Memory    MemoryConfig    `json:"memory"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Loop      LoopConfig      `json:"loop"`
	Agent     AgentConfig     `json:"agent"`
	Tools     ToolsConfig     `json:"tools"`
	Skills    SkillsConfig    `json:"skills"`
	Gateway   GatewayConfig   `json:"gateway"`
	NATS      NATSConfig      `json:"nats"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

// Load reads the config file at path, layering defaults, the JSON file, a
// .env file in the working directory (best effort), and PICOCELL_*
// environment variables, in that order. A missing config file is not an
// error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// normalize clamps out-of-range values back to usable defaults instead of
// failing startup over a typo.
func (c *Config) normalize() {
	if c.Cluster.MinNodes < 1 {
		c.Cluster.MinNodes = 1
	}
	if c.Cluster.MaxNodes < c.Cluster.MinNodes {
		c.Cluster.MaxNodes = c.Cluster.MinNodes
	}
	if c.Cluster.MaxDepth < 1 {
		c.Cluster.MaxDepth = 3
	}
	if c.Cluster.FallbackStrategy != FallbackNone {
		c.Cluster.FallbackStrategy = FallbackBestAvailable
	}
	if w := c.Cluster.BidWeights; w.Capability <= 0 && w.Availability <= 0 && w.History <= 0 && w.Tools <= 0 {
		c.Cluster.BidWeights = DefaultBidWeights()
	}
	if c.Reward.Alpha <= 0 || c.Reward.Alpha > 1 {
		c.Reward.Alpha = 0.3
	}
	if c.Reward.DecayRate <= 0 || c.Reward.DecayRate >= 1 {
		c.Reward.DecayRate = 0.01
	}
	if c.Context.OutputReserveRatio <= 0 || c.Context.OutputReserveRatio >= 1 {
		c.Context.OutputReserveRatio = 0.25
	}
	if c.Context.AdaptiveAlpha <= 0 || c.Context.AdaptiveAlpha > 1 {
		c.Context.AdaptiveAlpha = 0.3
	}
	if c.Knowledge.KeywordWeight <= 0 && c.Knowledge.VectorWeight <= 0 {
		c.Knowledge.KeywordWeight = 0.4
		c.Knowledge.VectorWeight = 0.6
	}
	if c.Agent.MaxSteps < 1 {
		c.Agent.MaxSteps = 10
	}
}

func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// ProviderFor returns the configured block for the named provider.
func (c *Config) ProviderFor(name string) (ProviderConfig, bool) {
	switch name {
	case "anthropic":
		return c.Providers.Anthropic, true
	case "openai":
		return c.Providers.OpenAI, true
	default:
		return ProviderConfig{}, false
	}
}
