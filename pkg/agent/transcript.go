package agent

import "github.com/sipeed/picocell/pkg/providers"

// filterTranscript applies ephemeral-tool compression: for each tool
// registered with SetEphemeral, only the most recent n of its result
// messages survive, and assistant messages left with neither content nor
// tool calls are dropped with them.
func (a *Agent) filterTranscript(transcript []providers.Message, callTool map[string]string) []providers.Message {
	if len(a.ephemeral) == 0 {
		return transcript
	}

	counts := make(map[string]int)
	for _, m := range transcript {
		if m.Role == providers.RoleTool {
			counts[callTool[m.ToolCallID]]++
		}
	}

	drop := make(map[string]bool)
	seen := make(map[string]int)
	for _, m := range transcript {
		if m.Role != providers.RoleTool {
			continue
		}
		name := callTool[m.ToolCallID]
		keep, ok := a.ephemeral[name]
		if !ok {
			continue
		}
		seen[name]++
		if counts[name]-seen[name] >= keep {
			drop[m.ToolCallID] = true
		}
	}
	if len(drop) == 0 {
		return transcript
	}

	out := make([]providers.Message, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case providers.RoleTool:
			if drop[m.ToolCallID] {
				continue
			}
		case providers.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				kept := make([]providers.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if !drop[tc.ID] {
						kept = append(kept, tc)
					}
				}
				if len(kept) == 0 && m.Content == "" {
					continue
				}
				m.ToolCalls = kept
			}
		}
		out = append(out, m)
	}
	return out
}
