package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/logger"
)

const (
	defaultMCPStartupTimeout = 8 * time.Second
	defaultMCPCallTimeout    = 30 * time.Second
	defaultMCPTerminateWait  = time.Second
	maxMCPToolNameLength     = 64
)

var mcpNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// LoadMCPTools discovers tools from the configured MCP servers. Discovery
// is best effort: a failing server contributes an error to the joined
// result but does not block the others.
func LoadMCPTools(ctx context.Context, cfg config.MCPConfig, baseDir string) ([]Tool, error) {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return nil, nil
	}

	usedNames := make(map[string]int)
	var loaded []Tool
	var errs []error

	for _, server := range cfg.Servers {
		serverTools, err := loadMCPServer(ctx, server, baseDir, usedNames)
		loaded = append(loaded, serverTools...)
		if err != nil {
			logger.WarnCF("tools", "mcp server discovery failed", map[string]any{
				"server": server.Name,
				"error":  err.Error(),
			})
			errs = append(errs, err)
		}
	}

	return loaded, errors.Join(errs...)
}

func loadMCPServer(ctx context.Context, server config.MCPServerConfig, baseDir string, usedNames map[string]int) ([]Tool, error) {
	if !server.Enabled {
		return nil, nil
	}

	client := newMCPClient(server, baseDir)

	connectCtx, cancel := context.WithTimeout(ctx, msOrDefault(server.StartupTimeoutMS, defaultMCPStartupTimeout))
	defer cancel()

	remote, err := client.listTools(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", server.Name, err)
	}

	callTimeout := msOrDefault(server.CallTimeoutMS, defaultMCPCallTimeout)
	loaded := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		if rt == nil || strings.TrimSpace(rt.Name) == "" {
			continue
		}
		loaded = append(loaded, &MCPTool{
			localName:   localMCPToolName(server, rt.Name, usedNames),
			remoteName:  rt.Name,
			description: mcpToolDescription(server.Name, rt.Name, rt.Description),
			parameters:  normalizeMCPSchema(rt.InputSchema),
			callTimeout: callTimeout,
			client:      client,
		})
	}

	logger.InfoCF("tools", "mcp tools loaded", map[string]any{
		"server": server.Name,
		"count":  len(loaded),
	})
	return loaded, nil
}

// MCPTool proxies one remote tool. Each call opens a fresh session so a
// crashed server never wedges the registry.
type MCPTool struct {
	localName   string
	remoteName  string
	description string
	parameters  map[string]any
	callTimeout time.Duration
	client      *mcpClient
}

func (t *MCPTool) Name() string               { return t.localName }
func (t *MCPTool) Description() string        { return t.description }
func (t *MCPTool) Parameters() map[string]any { return t.parameters }

func (t *MCPTool) Execute(ctx context.Context, args map[string]any, ec ExecContext) (any, error) {
	callCtx := ctx
	if t.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}
	return t.client.callTool(callCtx, t.remoteName, args)
}

type mcpClient struct {
	cfg     config.MCPServerConfig
	baseDir string
	client  *mcp.Client
}

func newMCPClient(cfg config.MCPServerConfig, baseDir string) *mcpClient {
	implName := sanitizeMCPName(cfg.Name)
	if implName == "" {
		implName = "server"
	}
	return &mcpClient{
		cfg:     cfg,
		baseDir: baseDir,
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "picocell-" + implName,
			Version: "v0.1.0",
		}, nil),
	}
}

func (c *mcpClient) listTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var all []*mcp.Tool
	cursor := ""
	for {
		params := &mcp.ListToolsParams{}
		if cursor != "" {
			params.Cursor = cursor
		}
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			return all, nil
		}
		cursor = res.NextCursor
	}
}

func (c *mcpClient) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session, err := c.connect(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("call tool %q: %w", name, err)
	}
	return renderMCPResult(result)
}

func (c *mcpClient) connect(ctx context.Context) (*mcp.ClientSession, error) {
	transport, err := c.transport()
	if err != nil {
		return nil, err
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server %q: %w", c.cfg.Name, err)
	}
	return session, nil
}

func (c *mcpClient) transport() (mcp.Transport, error) {
	kind := strings.ToLower(strings.TrimSpace(c.cfg.Transport))
	if kind == "" {
		kind = "command"
	}

	switch kind {
	case "command":
		command := strings.TrimSpace(c.cfg.Command)
		if command == "" {
			return nil, fmt.Errorf("mcp server %q: command is required for command transport", c.cfg.Name)
		}
		cmd := exec.Command(command, c.cfg.Args...)
		if wd := c.workingDir(); wd != "" {
			cmd.Dir = wd
		}
		if len(c.cfg.Env) > 0 {
			cmd.Env = appendSortedEnv(os.Environ(), c.cfg.Env)
		}
		cmd.Stderr = os.Stderr
		tr := &mcp.CommandTransport{Command: cmd}
		tr.TerminateDuration = msOrDefault(c.cfg.TerminateTimeoutMS, defaultMCPTerminateWait)
		return tr, nil
	case "streamable_http":
		if c.cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: url is required for streamable_http transport", c.cfg.Name)
		}
		return &mcp.StreamableClientTransport{Endpoint: c.cfg.URL}, nil
	case "sse":
		if c.cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: url is required for sse transport", c.cfg.Name)
		}
		return &mcp.SSEClientTransport{Endpoint: c.cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", c.cfg.Name, c.cfg.Transport)
	}
}

func (c *mcpClient) workingDir() string {
	wd := config.ExpandHome(strings.TrimSpace(c.cfg.WorkingDir))
	if wd == "" {
		return ""
	}
	if filepath.IsAbs(wd) || c.baseDir == "" {
		return wd
	}
	return filepath.Join(c.baseDir, wd)
}

func renderMCPResult(result *mcp.CallToolResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("empty mcp response")
	}

	// Single text block and no structured payload: pass the text through.
	if len(result.Content) == 1 && result.StructuredContent == nil {
		if tc, ok := result.Content[0].(*mcp.TextContent); ok {
			if result.IsError {
				return "mcp tool error: " + tc.Text, nil
			}
			return tc.Text, nil
		}
	}

	out := map[string]any{"is_error": result.IsError}
	if len(result.Content) > 0 {
		out["content"] = result.Content
	}
	if result.StructuredContent != nil {
		out["structured_content"] = result.StructuredContent
	}
	if len(out) == 1 && !result.IsError {
		return "(empty mcp tool response)", nil
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal mcp response: %w", err)
	}
	return string(data), nil
}

// localMCPToolName builds a collision-free local name, prefixing with the
// server and truncating to the provider name limit.
func localMCPToolName(server config.MCPServerConfig, remoteName string, used map[string]int) string {
	prefix := strings.TrimSpace(server.ToolPrefix)
	if prefix == "" {
		base := sanitizeMCPName(server.Name)
		if base == "" {
			base = "server"
		}
		prefix = "mcp_" + base
	}

	base := sanitizeMCPName(prefix + "_" + remoteName)
	if base == "" {
		base = "mcp_tool"
	}
	if len(base) > maxMCPToolNameLength {
		base = base[:maxMCPToolNameLength]
	}

	if used[base] == 0 {
		used[base] = 1
		return base
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		candidate := base
		if len(candidate)+len(suffix) > maxMCPToolNameLength {
			candidate = candidate[:maxMCPToolNameLength-len(suffix)]
		}
		candidate += suffix
		if used[candidate] == 0 {
			used[candidate] = 1
			return candidate
		}
	}
}

func mcpToolDescription(serverName, remoteName, raw string) string {
	desc := strings.TrimSpace(raw)
	if desc == "" {
		desc = fmt.Sprintf("Call MCP tool %q.", remoteName)
	}
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return "[MCP] " + desc
	}
	return fmt.Sprintf("[MCP %s/%s] %s", serverName, remoteName, desc)
}

// normalizeMCPSchema coerces whatever the server sent into a plain object
// schema the providers accept.
func normalizeMCPSchema(schema any) map[string]any {
	fallback := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	if schema == nil {
		return fallback
	}

	out, ok := schema.(map[string]any)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil {
			return fallback
		}
		if err := json.Unmarshal(data, &out); err != nil || out == nil {
			return fallback
		}
	}

	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if out["type"] == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}
	return out
}

func sanitizeMCPName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
	name = mcpNameSanitizer.ReplaceAllString(name, "_")
	return strings.Trim(name, "_-")
}

func msOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func appendSortedEnv(base []string, extra map[string]string) []string {
	merged := append([]string{}, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+extra[k])
	}
	return merged
}
