// Package skills keeps the catalog of unloaded skills: specifications
// that can be instantiated as cluster nodes when a task matches their
// trigger keywords.
package skills

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sipeed/picocell/pkg/logger"
)

type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Triggers    []string `json:"triggers"`
	Tools       []string `json:"tools,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
}

// Scores returns the initial capability profile for a node instantiated
// from this skill: confident in the skill itself, slightly less in each
// trigger keyword.
func (s Skill) Scores() map[string]float64 {
	scores := map[string]float64{s.Name: 0.7}
	for _, trigger := range s.Triggers {
		if _, ok := scores[trigger]; !ok {
			scores[trigger] = 0.6
		}
	}
	return scores
}

type Catalog struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

func NewCatalog() *Catalog {
	return &Catalog{skills: make(map[string]Skill)}
}

func (c *Catalog) Add(s Skill) {
	if s.Name == "" {
		logger.WarnCF("skills", "skipping unnamed skill", map[string]any{"description": s.Description})
		return
	}
	c.mu.Lock()
	c.skills[s.Name] = s
	c.mu.Unlock()
}

func (c *Catalog) Get(name string) (Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[name]
	return s, ok
}

// List returns all skills sorted by name.
func (c *Catalog) List() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.skills)
}

// Match finds the skill whose triggers hit the text most often. Ties
// resolve to the alphabetically first name so matching is stable.
func (c *Catalog) Match(text string) (Skill, bool) {
	lower := strings.ToLower(text)

	var best Skill
	bestHits := 0
	for _, s := range c.List() {
		hits := 0
		for _, trigger := range s.Triggers {
			if trigger != "" && strings.Contains(lower, strings.ToLower(trigger)) {
				hits++
			}
		}
		if hits > bestHits {
			best = s
			bestHits = hits
		}
	}
	return best, bestHits > 0
}

// LoadDir walks a directory tree and adds every markdown skill file it
// can parse. Returns how many were added; unparseable files are logged
// and skipped.
func (c *Catalog) LoadDir(dir string) (int, error) {
	added := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			logger.DebugCF("skills", "skill file unreadable", map[string]any{"path": path, "error": readErr.Error()})
			return nil
		}
		skill := parseSkillFile(path, string(content))
		c.Add(skill)
		added++
		logger.InfoCF("skills", "skill loaded", map[string]any{"skill": skill.Name, "triggers": len(skill.Triggers)})
		return nil
	})
	if err != nil {
		return added, err
	}
	return added, nil
}

// parseSkillFile reads `key: value` header lines up to the first
// heading. The name falls back to the filename, the description to the
// first heading, and the prompt is everything from that heading on.
func parseSkillFile(path, content string) Skill {
	skill := Skill{Name: strings.TrimSuffix(filepath.Base(path), ".md")}

	lines := strings.Split(content, "\n")
	body := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if skill.Description == "" {
				skill.Description = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			}
			body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
			break
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "name":
			if value != "" {
				skill.Name = value
			}
		case "description", "desc", "summary":
			skill.Description = value
		case "triggers", "keywords":
			skill.Triggers = splitList(value)
		case "tools":
			skill.Tools = splitList(value)
		}
	}
	skill.Prompt = body
	return skill
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
