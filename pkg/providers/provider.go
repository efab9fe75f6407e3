package providers

import "context"

// Request carries everything one model call needs. A zero MaxTokens lets the
// adapter pick its default; Temperature below zero means "adapter default".
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Provider is the narrow interface the core sees. All adapters must behave
// identically from the caller's view: retries and circuit breaking are the
// wrapper's concern, never the caller's.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	DefaultModel() string
}

// Registry binds provider adapters by name so configuration can pick one at
// runtime without the core importing any SDK.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
