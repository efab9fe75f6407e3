package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sipeed/picocell/pkg/config"
)

func TestSanitizeMCPName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"filesystem", "filesystem"},
		{"My Server", "My_Server"},
		{"  weird!@#name  ", "weird_name"},
		{"__trimmed__", "trimmed"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeMCPName(tt.in), "input %q", tt.in)
	}
}

func TestLocalMCPToolName(t *testing.T) {
	server := config.MCPServerConfig{Name: "files"}
	used := make(map[string]int)

	assert.Equal(t, "mcp_files_read", localMCPToolName(server, "read", used))
	// Same remote name again collides and gets a numeric suffix.
	assert.Equal(t, "mcp_files_read_2", localMCPToolName(server, "read", used))
	assert.Equal(t, "mcp_files_read_3", localMCPToolName(server, "read", used))
}

func TestLocalMCPToolName_Prefix(t *testing.T) {
	server := config.MCPServerConfig{Name: "files", ToolPrefix: "fs"}
	used := make(map[string]int)
	assert.Equal(t, "fs_read", localMCPToolName(server, "read", used))
}

func TestLocalMCPToolName_Truncates(t *testing.T) {
	server := config.MCPServerConfig{Name: "srv"}
	used := make(map[string]int)
	long := "this_is_a_very_long_remote_tool_name_that_exceeds_every_reasonable_limit"
	got := localMCPToolName(server, long, used)
	assert.LessOrEqual(t, len(got), maxMCPToolNameLength)
}

func TestNormalizeMCPSchema(t *testing.T) {
	// Nil becomes an empty object schema.
	got := normalizeMCPSchema(nil)
	assert.Equal(t, "object", got["type"])
	assert.NotNil(t, got["properties"])
}

func TestNormalizeMCPSchema_FillsMissingFields(t *testing.T) {
	got := normalizeMCPSchema(map[string]any{
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
	})
	assert.Equal(t, "object", got["type"])

	props, ok := got["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "path")
}

func TestMCPToolDescription(t *testing.T) {
	assert.Equal(t, "[MCP files/read] Read a file.", mcpToolDescription("files", "read", "Read a file."))
	assert.Equal(t, `[MCP files/read] Call MCP tool "read".`, mcpToolDescription("files", "read", ""))
	assert.Equal(t, "[MCP] Read a file.", mcpToolDescription("", "read", "Read a file."))
}

func TestMsOrDefault(t *testing.T) {
	assert.Equal(t, 8*time.Second, msOrDefault(0, 8*time.Second))
	assert.Equal(t, 250*time.Millisecond, msOrDefault(250, 8*time.Second))
}
