package surface

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// KindChat and KindStudio are the surface variants shipped in-tree.
const (
	KindChat   = "chat"
	KindStudio = "studio"
)

// Builder constructs an agent bound to one companion caller.
type Builder func(caller Caller, logger *slog.Logger) Agent

// Factory maps surface kinds to agent builders. New kinds register at
// startup; lookups after that are concurrent with task runs.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewFactory returns a factory with the built-in surface kinds registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[string]Builder)}
	f.builders[KindChat] = func(caller Caller, logger *slog.Logger) Agent {
		return newChatAgent(caller, logger)
	}
	f.builders[KindStudio] = func(caller Caller, logger *slog.Logger) Agent {
		return newStudioAgent(caller, logger)
	}
	return f
}

// Register adds a builder for kind. Registering a duplicate kind is an error.
func (f *Factory) Register(kind string, b Builder) error {
	if kind == "" {
		return fmt.Errorf("surface kind must not be empty")
	}
	if b == nil {
		return fmt.Errorf("builder for %q must not be nil", kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.builders[kind]; ok {
		return fmt.Errorf("surface kind %q already registered", kind)
	}
	f.builders[kind] = b
	return nil
}

// New builds an agent for kind, or errors when the kind is unknown.
func (f *Factory) New(kind string, caller Caller, logger *slog.Logger) (Agent, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown surface kind %q", kind)
	}
	return b(caller, logger), nil
}

// Kinds lists registered surface kinds in sorted order.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.builders))
	for k := range f.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
