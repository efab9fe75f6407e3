// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sipeed/picocell/pkg/agent"
	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/gateway"
	"github.com/sipeed/picocell/pkg/knowledge"
	"github.com/sipeed/picocell/pkg/lifecycle"
	"github.com/sipeed/picocell/pkg/logger"
	"github.com/sipeed/picocell/pkg/loop"
	"github.com/sipeed/picocell/pkg/memory"
	"github.com/sipeed/picocell/pkg/providers"
	anthropic "github.com/sipeed/picocell/pkg/providers/anthropic"
	openai "github.com/sipeed/picocell/pkg/providers/openai"
	"github.com/sipeed/picocell/pkg/reward"
	"github.com/sipeed/picocell/pkg/skills"
	"github.com/sipeed/picocell/pkg/tokens"
	"github.com/sipeed/picocell/pkg/tools"
	"github.com/sipeed/picocell/pkg/vecstore"
)

// memoryAbsorbBoost is the importance lift a split-born child gives its
// parent's working set on handover.
const memoryAbsorbBoost = 0.1

// cell is one assembled runtime: everything a command needs to execute
// tasks or serve the cluster.
type cell struct {
	cfg       *config.Config
	paths     config.RuntimePaths
	bus       *events.Bus
	provider  providers.Provider
	tools     *tools.Registry
	cluster   *cluster.Manager
	lifecycle *lifecycle.Manager
	rewards   *reward.Bus
	skills    *skills.Catalog
	knowledge *knowledge.Base
	loop      *loop.Loop
	sweeper   *lifecycle.Sweeper
	gateway   *gateway.Server
	nats      *events.NATSBridge
	natsConn  *nats.Conn

	memMu    sync.Mutex
	memories map[string]*memory.Manager
}

// buildCell loads the config and wires the whole cluster together. The
// returned cell is ready to execute tasks; serve-only pieces (gateway,
// NATS, sweeper) start lazily in startServices.
func buildCell(ctx context.Context) (*cell, error) {
	paths := config.ResolveRuntimePaths()
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		if err := logger.EnableFile(config.ExpandHome(cfg.Log.File)); err != nil {
			logger.WarnCF("cell", "log file disabled", map[string]any{"error": err.Error()})
		}
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	c := &cell{
		cfg:      cfg,
		paths:    paths,
		bus:      events.NewBus(),
		provider: provider,
		cluster:  cluster.NewManager(cfg.Cluster),
		memories: make(map[string]*memory.Manager),
	}
	c.bus.Subscribe(events.TypeApoptosis, c.recycleMemory)

	c.tools = buildTools(ctx, cfg, paths.HomeDir)
	c.skills = buildSkills(cfg, paths.SkillsDir)
	c.knowledge = buildKnowledge(cfg, paths.DataDir)

	c.lifecycle = lifecycle.NewManager(c.cluster, cfg.Cluster)
	c.lifecycle.SetEvents(c.bus)

	c.rewards = reward.NewBus(cfg.Reward)
	c.rewards.SetEvents(c.bus)
	if cfg.Reward.JudgeEnabled {
		c.rewards.SetJudge(reward.NewLLMJudge(provider, providerModel(cfg)))
	}

	c.loop = loop.New(c.cluster, c.lifecycle, c.rewards, provider, cfg)
	c.loop.SetEvents(c.bus)
	c.loop.SetSkills(c.skills)
	c.loop.SetFactory(c.factory())

	c.seedNodes()
	return c, nil
}

// buildProvider wraps the configured adapter in the reliability layer.
// The adapters never see retries; the wrapper owns them.
func buildProvider(cfg *config.Config) (providers.Provider, error) {
	name := cfg.Providers.Default
	pc, ok := cfg.ProviderFor(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if pc.APIKey == "" {
		return nil, fmt.Errorf("provider %s: no api key configured", name)
	}

	var inner providers.Provider
	switch name {
	case "anthropic":
		if pc.BaseURL != "" {
			inner = anthropic.NewProviderWithBaseURL(pc.APIKey, pc.BaseURL)
		} else {
			inner = anthropic.NewProvider(pc.APIKey)
		}
	case "openai":
		inner = openai.NewProvider(pc.APIKey, pc.BaseURL)
	}

	return providers.NewReliable(name, inner,
		providers.DefaultRetryPolicy(),
		providers.DefaultBreakerConfig(),
		pc.RequestsPerSecond,
	), nil
}

func providerModel(cfg *config.Config) string {
	if pc, ok := cfg.ProviderFor(cfg.Providers.Default); ok {
		return pc.Model
	}
	return ""
}

// buildTools registers the builtins and whatever the MCP servers offer.
// An unreachable MCP server costs its tools, not the startup.
func buildTools(ctx context.Context, cfg *config.Config, homeDir string) *tools.Registry {
	reg := tools.NewRegistry()
	if cfg.Tools.TimeoutSeconds > 0 {
		reg.SetTimeout(time.Duration(cfg.Tools.TimeoutSeconds) * time.Second)
	}
	if cfg.Tools.MaxResultSize > 0 {
		reg.SetMaxResultSize(cfg.Tools.MaxResultSize)
	}
	reg.Register(tools.NewDoneTool())
	reg.Register(tools.NewCurrentTimeTool())

	if cfg.Tools.MCP.Enabled {
		mcpTools, err := tools.LoadMCPTools(ctx, cfg.Tools.MCP, homeDir)
		if err != nil {
			logger.WarnCF("cell", "mcp tools unavailable", map[string]any{"error": err.Error()})
		}
		for _, t := range mcpTools {
			reg.Register(t)
		}
	}
	return reg
}

func buildSkills(cfg *config.Config, defaultDir string) *skills.Catalog {
	catalog := skills.NewCatalog()
	dir := cfg.Skills.Dir
	if dir == "" {
		dir = defaultDir
	}
	n, err := catalog.LoadDir(config.ExpandHome(dir))
	if err != nil && !os.IsNotExist(err) {
		logger.WarnCF("cell", "skill catalog not loaded", map[string]any{
			"dir":   dir,
			"error": err.Error(),
		})
	}
	if n > 0 {
		logger.InfoCF("cell", "skills loaded", map[string]any{"count": n, "dir": dir})
	}
	return catalog
}

// buildKnowledge assembles the retrieval base: keyword always, hybrid
// keyword+vector when an embedding endpoint is configured.
func buildKnowledge(cfg *config.Config, dataDir string) *knowledge.Base {
	ttl := time.Duration(cfg.Knowledge.CacheTTLSeconds) * time.Second
	base := knowledge.NewBase(ttl)

	keyword := knowledge.NewKeywordRetriever()
	if cfg.Knowledge.EmbeddingURL == "" {
		base.Register("keyword", keyword, 1.0)
		return base
	}

	embedder := vecstore.NewHTTPEmbedder(cfg.Knowledge.EmbeddingURL, "", cfg.Knowledge.EmbeddingModel)
	store := vecstore.NewFileStore(filepath.Join(dataDir, "knowledge.gob"))
	vector := knowledge.NewVectorRetriever(store, embedder)
	hybrid := knowledge.NewHybridRetriever(keyword, vector,
		cfg.Knowledge.KeywordWeight, cfg.Knowledge.VectorWeight)
	base.Register("hybrid", hybrid, 1.0)
	return base
}

// factory builds the executor for every node the loop or lifecycle
// spawns. Each node owns its memory hierarchy and its own gatherer, so
// context scores adapt per node; the agent writes its run transcripts
// back into the same hierarchy the gatherer reads from.
func (c *cell) factory() lifecycle.AgentFactory {
	return func(node *cluster.Node) cluster.Executor {
		a := agent.New(node.ID, c.provider, c.tools, c.cfg.Agent)
		if model := providerModel(c.cfg); model != "" {
			a.SetModel(model)
		}
		a.SetEvents(c.bus.Child(node.ID))

		mgr := c.memoryFor(node)
		a.SetMemory(mgr)

		g := gather.NewOrchestrator(c.cfg.Context.AdaptiveAlpha)
		for source, ratio := range c.cfg.Context.SourceRatios {
			g.SetRatio(source, ratio)
		}
		g.Register(memory.NewContextProvider(mgr))
		g.Register(cluster.NewCapabilityProvider(node))
		g.Register(skills.NewContextProvider(c.skills))
		if c.knowledge != nil {
			g.Register(knowledge.NewContextProvider(c.knowledge))
		}
		if node.Origin() != nil {
			g.Register(lifecycle.NewContextProvider(node))
		}
		a.SetGatherer(g)

		budget := tokens.NewBudget(c.cfg.Context.ContextWindow, c.cfg.Context.OutputReserveRatio)
		a.SetContextBudget(budget.Available())
		return agent.NewNodeExecutor(a)
	}
}

// memoryFor returns the node's memory hierarchy, building it on first
// use. A split-born child starts with its parent's working set absorbed
// at a small importance boost, so it knows what the parent was doing.
func (c *cell) memoryFor(node *cluster.Node) *memory.Manager {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	if m, ok := c.memories[node.ID]; ok {
		return m
	}
	m := c.nodeMemory(node.ID)
	if parent, ok := c.memories[node.ParentID]; ok {
		m.Absorb(parent.WorkingSet(), memoryAbsorbBoost)
	}
	c.memories[node.ID] = m
	return m
}

// recycleMemory handles apoptosis: the retired node's working set folds
// into its merge target and the hierarchy is forgotten.
func (c *cell) recycleMemory(ev events.Event) {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	src, ok := c.memories[ev.NodeID]
	delete(c.memories, ev.NodeID)
	if !ok {
		return
	}
	if target, _ := ev.Data["merged_into"].(string); target != "" {
		if dst, ok := c.memories[target]; ok {
			dst.Absorb(src.WorkingSet(), 0)
		}
	}
}

// nodeMemory picks the long-term backend for one node: SQLite under the
// persist path when configured, in-memory keyword otherwise.
func (c *cell) nodeMemory(nodeID string) *memory.Manager {
	if dir := c.cfg.Memory.PersistPath; dir != "" {
		dir = config.ExpandHome(dir)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			store, err := memory.NewSQLiteStore(filepath.Join(dir, nodeID+".db"))
			if err == nil {
				return memory.NewManager(c.cfg.Memory, store)
			}
			logger.WarnCF("cell", "sqlite memory unavailable, using keyword store", map[string]any{
				"node_id": nodeID,
				"error":   err.Error(),
			})
		}
	}
	return memory.NewManager(c.cfg.Memory, memory.NewKeywordStore())
}

// seedNodes brings the cluster up to its configured minimum with
// generalist nodes.
func (c *cell) seedNodes() {
	factory := c.factory()
	for i := c.cluster.Size(); i < c.cfg.Cluster.MinNodes; i++ {
		node := cluster.NewNode(fmt.Sprintf("cell-%d", i), "", 0, nil)
		node.Touch()
		node.Agent = factory(node)
		if err := c.cluster.AddNode(node); err != nil {
			logger.WarnCF("cell", "seed node not added", map[string]any{"error": err.Error()})
			return
		}
	}
}

// startServices brings up the serve-mode pieces: maintenance sweeper,
// gateway, NATS bridge. Best effort except the gateway, whose bind
// failure is fatal for serve.
func (c *cell) startServices(ctx context.Context) error {
	sweeper, err := lifecycle.NewSweeper(c.lifecycle, c.rewards, c.cfg.Cluster.SweepCron)
	if err != nil {
		logger.WarnCF("cell", "sweeper disabled", map[string]any{"error": err.Error()})
	} else {
		c.sweeper = sweeper
		c.sweeper.Start(ctx)
	}

	if c.cfg.NATS.Enabled {
		conn, err := nats.Connect(c.cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			logger.WarnCF("cell", "nats bridge disabled", map[string]any{"error": err.Error()})
		} else if bridge, err := events.AttachNATS(c.bus, conn, c.cfg.NATS.SubjectPrefix); err != nil {
			logger.WarnCF("cell", "nats bridge disabled", map[string]any{"error": err.Error()})
			conn.Close()
		} else {
			c.nats = bridge
			c.natsConn = conn
		}
	}

	if c.cfg.Gateway.Enabled {
		c.gateway = gateway.NewServer(c.cfg.Gateway, c.bus, c.cluster)
		c.gateway.SetVersion(version)
		if err := c.gateway.Start(); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops the serve-mode pieces in reverse start order.
func (c *cell) shutdown(ctx context.Context) {
	if c.gateway != nil {
		if err := c.gateway.Stop(ctx); err != nil {
			logger.WarnCF("cell", "gateway stop", map[string]any{"error": err.Error()})
		}
	}
	if c.nats != nil {
		_ = c.nats.Close()
		c.natsConn.Close()
	}
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
}
