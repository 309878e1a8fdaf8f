package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// Library holds the active workflow definitions.
type Library struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	onChange []func()
}

// NewLibrary creates a library with the given definitions.
func NewLibrary(defs ...*Definition) (*Library, error) {
	l := &Library{defs: make(map[string]*Definition)}
	if err := l.Replace(defs); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadDir parses every .yaml, .yml and .json file in dir. Any invalid
// document fails the whole load.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, domain.Errorf(domain.ErrInvalidWorkflow, "%s: %s", name, domain.MessageOf(err))
		}
		def.source = path
		defs = append(defs, def)
	}
	return defs, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDir replaces the library contents with the definitions in dir. On
// error the current definitions stay active.
func (l *Library) LoadDir(dir string) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	return l.Replace(defs)
}

// Replace swaps in a new definition set and notifies listeners.
func (l *Library) Replace(defs []*Definition) error {
	next := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if _, dup := next[d.Name]; dup {
			return domain.Errorf(domain.ErrInvalidWorkflow, "workflow %s defined twice", d.Name)
		}
		next[d.Name] = d
	}

	l.mu.Lock()
	l.defs = next
	listeners := append([]func(){}, l.onChange...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnChange registers a callback run after every successful replace.
func (l *Library) OnChange(fn func()) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Get returns a definition by name.
func (l *Library) Get(name string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (l *Library) List() []*Definition {
	l.mu.RLock()
	out := make([]*Definition, 0, len(l.defs))
	for _, d := range l.defs {
		out = append(out, d)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
