package vecstore

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// ChunkText splits a document into chunks for embedding. Markdown "## "
// headers are hard boundaries; oversized sections sub-split on blank
// lines. IDs are content-addressed so re-ingesting unchanged text is a
// no-op for the store.
func ChunkText(source, text string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = 800
	}

	now := time.Now()
	var chunks []Chunk
	for _, section := range headerSections(text) {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		if len(section) <= maxChars {
			chunks = append(chunks, newChunk(source, section, now))
			continue
		}
		for _, part := range paragraphParts(section, maxChars) {
			chunks = append(chunks, newChunk(source, part, now))
		}
	}
	return chunks
}

func headerSections(text string) []string {
	var sections []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "## ") && current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	return sections
}

func paragraphParts(section string, maxChars int) []string {
	var parts []string
	var current strings.Builder
	for _, p := range strings.Split(section, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxChars {
			parts = append(parts, current.String())
			current.Reset()
		}
		// A single paragraph over the limit goes out whole.
		if current.Len() == 0 && len(p) > maxChars {
			parts = append(parts, p)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func newChunk(source, text string, now time.Time) Chunk {
	return Chunk{
		ID:        ChunkID(source, text),
		Text:      text,
		Source:    source,
		UpdatedAt: now,
	}
}

// ChunkID derives a stable 12-hex-char ID from source and content.
func ChunkID(source, text string) string {
	h := sha256.Sum256([]byte(source + ":" + text))
	return fmt.Sprintf("%x", h[:6])
}
