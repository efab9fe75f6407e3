package skills

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/picocell/pkg/gather"
	"github.com/sipeed/picocell/pkg/tokens"
)

// ContextProvider surfaces the skill matching the current query so the
// executing agent knows the playbook it was instantiated from.
type ContextProvider struct {
	catalog *Catalog
}

func NewContextProvider(catalog *Catalog) *ContextProvider {
	return &ContextProvider{catalog: catalog}
}

func (p *ContextProvider) Source() string { return "skill" }

func (p *ContextProvider) Provide(_ context.Context, query string, budget int) ([]gather.Fragment, error) {
	skill, ok := p.catalog.Match(query)
	if !ok {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Skill %s: %s.", skill.Name, skill.Description)
	if len(skill.Tools) > 0 {
		fmt.Fprintf(&sb, " Tools: %s.", strings.Join(skill.Tools, ", "))
	}
	content := sb.String()

	// Append the playbook only when the budget can carry it.
	if skill.Prompt != "" {
		withPrompt := content + "\n\n" + skill.Prompt
		if tokens.Estimate(withPrompt) <= budget {
			content = withPrompt
		}
	}

	t := tokens.Estimate(content)
	if t > budget {
		return nil, nil
	}
	return []gather.Fragment{{
		Source:    "skill",
		Content:   content,
		Tokens:    t,
		Relevance: 0.7,
		Metadata:  map[string]any{"skill": skill.Name},
	}}, nil
}
