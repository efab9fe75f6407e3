// Package logger provides leveled, component-tagged logging for the whole
// process. Entries go to the console as single lines and, when enabled, to a
// JSON-lines file. Secrets matching known key patterns are redacted before
// anything is written.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	mu       sync.RWMutex
	level    = INFO
	file     *os.File
	redactOn = true
)

// secretPattern matches api keys and bearer tokens that must never reach logs.
var secretPattern = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{8,}|Bearer\s+[a-zA-Z0-9._-]{8,}|api[_-]?key["':=\s]+[a-zA-Z0-9_-]{8,})`)

// Entry is the JSON shape written to the log file.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// ParseLevel maps a config string to a Level. Unknown strings mean INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// EnableFile starts mirroring entries to a JSON-lines file.
func EnableFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if file != nil {
		file.Close()
	}
	file = f
	return nil
}

// DisableFile stops file mirroring and closes the sink.
func DisableFile() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
}

// SetRedaction toggles secret scrubbing. Tests may disable it to assert on
// raw messages; production keeps it on.
func SetRedaction(on bool) {
	mu.Lock()
	defer mu.Unlock()
	redactOn = on
}

func redact(s string) string {
	return secretPattern.ReplaceAllString(s, "[redacted]")
}

func redactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func write(l Level, component, message string, fields map[string]any) {
	mu.RLock()
	min := level
	sink := file
	scrub := redactOn
	mu.RUnlock()

	if l < min {
		return
	}
	if scrub {
		message = redact(message)
		if fields != nil {
			fields = redactFields(fields)
		}
	}

	entry := Entry{
		Level:     levelNames[l],
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if sink != nil {
		if data, err := json.Marshal(entry); err == nil {
			sink.Write(append(data, '\n'))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", entry.Timestamp, entry.Level)
	if component != "" {
		fmt.Fprintf(&b, " %s:", component)
	}
	b.WriteByte(' ')
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteString(" " + formatFields(fields))
	}
	log.Println(b.String())

	if l == FATAL {
		os.Exit(1)
	}
}

// formatFields renders fields as {k=v, ...} with sorted keys so console
// output is stable.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func Debug(message string)             { write(DEBUG, "", message, nil) }
func DebugC(component, message string) { write(DEBUG, component, message, nil) }
func Info(message string)              { write(INFO, "", message, nil) }
func InfoC(component, message string)  { write(INFO, component, message, nil) }
func Warn(message string)              { write(WARN, "", message, nil) }
func WarnC(component, message string)  { write(WARN, component, message, nil) }
func Error(message string)             { write(ERROR, "", message, nil) }
func ErrorC(component, message string) { write(ERROR, component, message, nil) }
func Fatal(message string)             { write(FATAL, "", message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	write(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	write(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	write(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	write(ERROR, component, message, fields)
}
