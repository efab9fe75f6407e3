// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package config

// Fallback strategies for the cluster auction.
const (
	FallbackBestAvailable = "best_available"
	FallbackNone          = "none"
)

// DefaultBidWeights returns the auction weights used when none are
// configured. They sum to 1.
func DefaultBidWeights() BidWeights {
	return BidWeights{
		Capability:   0.4,
		Availability: 0.3,
		History:      0.2,
		Tools:        0.1,
	}
}

// Default returns the default configuration for PicoCell.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Cluster: ClusterConfig{
			MinNodes:             1,
			MaxNodes:             16,
			MaxDepth:             3,
			MitosisThreshold:     0.6,
			ApoptosisThreshold:   0.3,
			ConsecutiveLossLimit: 6,
			IdleTimeoutSeconds:   600,
			BidWeights:           DefaultBidWeights(),
			MinBids:              0,
			FallbackStrategy:     FallbackBestAvailable,
			SweepCron:            "*/5 * * * *",
		},
		Reward: RewardConfig{
			Alpha:         0.3,
			DecayRate:     0.01,
			JudgeEnabled:  false,
			JudgeInterval: 5,
		},
		Context: ContextConfig{
			ContextWindow:      8192,
			OutputReserveRatio: 0.25,
			AdaptiveAlpha:      0.3,
		},
		Memory: MemoryConfig{
			L1TokenBudget:  4000,
			L2TokenBudget:  8000,
			BaseImportance: 0.3,
		},
		Knowledge: KnowledgeConfig{
			KeywordWeight:   0.4,
			VectorWeight:    0.6,
			CacheTTLSeconds: 300,
		},
		Loop: LoopConfig{
			ComplexityLLMThreshold:   200,
			EvolutionRewardThreshold: 0.35,
			EvolutionWindow:          5,
		},
		Agent: AgentConfig{
			MaxSteps:        10,
			RequireDoneTool: false,
			MaxTokens:       8192,
			Temperature:     0,
		},
		Tools: ToolsConfig{
			TimeoutSeconds: 30,
			MaxResultSize:  64 * 1024,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18900,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "picocell.events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
