package scoring

import (
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
)

//go:embed configs/*.yaml
var configsFS embed.FS

// Registry holds compiled scorers by name.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]*Scorer
}

// NewRegistry returns a registry preloaded with the built-in scorers.
func NewRegistry() (*Registry, error) {
	r := &Registry{scorers: make(map[string]*Scorer)}
	entries, err := configsFS.ReadDir("configs")
	if err != nil {
		return nil, fmt.Errorf("reading built-in scorer configs: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		data, err := configsFS.ReadFile("configs/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		cfg, err := ParseConfig(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles cfg and adds it, replacing any scorer with the same name.
func (r *Registry) Register(cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.scorers[s.Name()] = s
	r.mu.Unlock()
	return nil
}

// Get returns the scorer called name.
func (r *Registry) Get(name string) (*Scorer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[name]
	return s, ok
}

// Names lists registered scorer names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scorers))
	for n := range r.scorers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
