// Package catalog maps action names to capability descriptors.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind tells the dispatcher how an action is executed.
type Kind string

const (
	// KindRemote actions are handed to a registered agent over HTTP.
	KindRemote Kind = "remote"
	// KindLocal actions run on an in-process executor.
	KindLocal Kind = "local"
)

// Schema is the declared input shape of an action. Properties maps a field
// name to its JSON type: string, number, integer, boolean, object or array.
type Schema struct {
	Required   []string          `yaml:"required" json:"required,omitempty"`
	Properties map[string]string `yaml:"properties" json:"properties,omitempty"`
}

// Descriptor describes one action.
type Descriptor struct {
	Action  string        `yaml:"action" json:"action"`
	Kind    Kind          `yaml:"kind" json:"kind"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Schema  *Schema       `yaml:"schema" json:"schema,omitempty"`
}

// Catalog is an immutable action table.
type Catalog struct {
	entries        map[string]Descriptor
	defaultTimeout time.Duration
}

type document struct {
	Actions []Descriptor `yaml:"actions"`
}

var validTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true, "object": true, "array": true,
}

// New builds a catalog. Entries without a timeout get defaultTimeout.
func New(defaultTimeout time.Duration, entries ...Descriptor) (*Catalog, error) {
	if defaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive")
	}
	c := &Catalog{entries: make(map[string]Descriptor, len(entries)), defaultTimeout: defaultTimeout}
	for _, d := range entries {
		d.Action = strings.TrimSpace(d.Action)
		if d.Action == "" {
			return nil, fmt.Errorf("catalog entry without action name")
		}
		if _, dup := c.entries[d.Action]; dup {
			return nil, fmt.Errorf("duplicate catalog entry %s", d.Action)
		}
		switch d.Kind {
		case "":
			d.Kind = KindRemote
		case KindRemote, KindLocal:
		default:
			return nil, fmt.Errorf("action %s: unknown kind %q", d.Action, d.Kind)
		}
		if d.Timeout < 0 {
			return nil, fmt.Errorf("action %s: negative timeout", d.Action)
		}
		if d.Timeout == 0 {
			d.Timeout = defaultTimeout
		}
		if d.Schema != nil {
			for field, typ := range d.Schema.Properties {
				if !validTypes[typ] {
					return nil, fmt.Errorf("action %s: field %s has unknown type %q", d.Action, field, typ)
				}
			}
		}
		c.entries[d.Action] = d
	}
	return c, nil
}

// Parse reads a YAML catalog document:
//
//	actions:
//	  - action: order_manager.process_order
//	    kind: remote
//	    timeout: 2m
//	    schema:
//	      required: [order_id]
//	      properties: {order_id: string}
func Parse(data []byte, defaultTimeout time.Duration) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(defaultTimeout, doc.Actions...)
}

// Load reads a catalog file. An empty path yields an empty catalog.
func Load(path string, defaultTimeout time.Duration) (*Catalog, error) {
	if path == "" {
		return New(defaultTimeout)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, defaultTimeout)
}

// With returns a copy of the catalog with extra entries. Existing entries
// win, so a catalog file can override built-in defaults.
func (c *Catalog) With(entries ...Descriptor) (*Catalog, error) {
	merged := make([]Descriptor, 0, len(c.entries)+len(entries))
	for _, d := range c.entries {
		merged = append(merged, d)
	}
	for _, d := range entries {
		if _, ok := c.entries[d.Action]; !ok {
			merged = append(merged, d)
		}
	}
	return New(c.defaultTimeout, merged...)
}

// Lookup returns the descriptor for an action. Unknown actions are remote
// with the default timeout and no schema.
func (c *Catalog) Lookup(action string) Descriptor {
	if d, ok := c.entries[action]; ok {
		return d
	}
	return Descriptor{Action: action, Kind: KindRemote, Timeout: c.defaultTimeout}
}

// Known reports whether the action has an explicit entry.
func (c *Catalog) Known(action string) bool {
	_, ok := c.entries[action]
	return ok
}

// Entries lists explicit entries sorted by action.
func (c *Catalog) Entries() []Descriptor {
	out := make([]Descriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// DefaultTimeout is the timeout given to actions without an entry.
func (c *Catalog) DefaultTimeout() time.Duration {
	return c.defaultTimeout
}
