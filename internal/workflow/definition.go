// Package workflow loads workflow definitions and executes them as
// dependency graphs of dispatched tasks.
package workflow

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/eventbus"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Definition is a validated workflow document. It is immutable once parsed.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description,omitempty"`
	Trigger     *Trigger      `yaml:"trigger" json:"trigger,omitempty"`
	Output      string        `yaml:"output" json:"output,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Steps       []Step        `yaml:"steps" json:"steps"`

	order  []string
	steps  map[string]*Step
	source string
}

// Trigger starts runs without an explicit API call.
type Trigger struct {
	Event    string `yaml:"event" json:"event,omitempty"`
	Schedule string `yaml:"schedule" json:"schedule,omitempty"`
}

// Step is one node of the graph.
type Step struct {
	Name      string   `yaml:"name" json:"name"`
	Action    string   `yaml:"agent_action" json:"agent_action"`
	Input     any      `yaml:"input" json:"input,omitempty"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	OnError   *OnError `yaml:"on_error" json:"on_error,omitempty"`
}

// OnError is dispatched when a step fails. With Continue set, dependents of
// the failed step still run.
type OnError struct {
	Action   string `yaml:"action" json:"action"`
	Input    any    `yaml:"input" json:"input,omitempty"`
	Continue bool   `yaml:"continue" json:"continue,omitempty"`
}

// Parse decodes and validates a YAML or JSON workflow document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if err == io.EOF {
			return nil, domain.Errorf(domain.ErrInvalidWorkflow, "empty workflow document")
		}
		return nil, domain.Wrap(domain.ErrInvalidWorkflow, err, "decode workflow")
	}
	for i := range def.Steps {
		def.Steps[i].Input = normalize(def.Steps[i].Input)
		if def.Steps[i].OnError != nil {
			def.Steps[i].OnError.Input = normalize(def.Steps[i].OnError.Input)
		}
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) invalid(format string, args ...any) error {
	return domain.Errorf(domain.ErrInvalidWorkflow, "workflow %s: %s", d.Name, fmt.Sprintf(format, args...))
}

func (d *Definition) validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return domain.Errorf(domain.ErrInvalidWorkflow, "workflow name is required")
	}
	if !namePattern.MatchString(d.Name) {
		return domain.Errorf(domain.ErrInvalidWorkflow, "invalid workflow name %q", d.Name)
	}
	if len(d.Steps) == 0 {
		return d.invalid("at least one step is required")
	}
	if d.Timeout < 0 {
		return d.invalid("timeout must not be negative")
	}

	d.steps = make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Action = strings.TrimSpace(s.Action)
		if !segmentPattern.MatchString(s.Name) {
			return d.invalid("invalid step name %q", s.Name)
		}
		if _, dup := d.steps[s.Name]; dup {
			return d.invalid("duplicate step %s", s.Name)
		}
		if s.Action == "" {
			return d.invalid("step %s has no agent_action", s.Name)
		}
		if err := validateTemplate(s.Input, false); err != nil {
			return d.invalid("step %s input: %v", s.Name, err)
		}
		if s.OnError != nil {
			s.OnError.Action = strings.TrimSpace(s.OnError.Action)
			if s.OnError.Action == "" {
				return d.invalid("step %s on_error has no action", s.Name)
			}
			if err := validateTemplate(s.OnError.Input, true); err != nil {
				return d.invalid("step %s on_error input: %v", s.Name, err)
			}
		}
		d.steps[s.Name] = s
	}

	for _, s := range d.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return d.invalid("step %s depends on itself", s.Name)
			}
			if _, ok := d.steps[dep]; !ok {
				return d.invalid("step %s depends on unknown step %s", s.Name, dep)
			}
			if seen[dep] {
				return d.invalid("step %s lists dependency %s twice", s.Name, dep)
			}
			seen[dep] = true
		}
	}

	order, err := d.topologicalOrder()
	if err != nil {
		return err
	}
	d.order = order

	if d.Output != "" {
		if _, ok := d.steps[d.Output]; !ok {
			return d.invalid("output step %s does not exist", d.Output)
		}
	} else if sinks := d.sinks(); len(sinks) == 1 {
		d.Output = sinks[0]
	}

	if d.Trigger != nil {
		d.Trigger.Event = strings.TrimSpace(d.Trigger.Event)
		d.Trigger.Schedule = strings.TrimSpace(d.Trigger.Schedule)
		if d.Trigger.Event != "" {
			if err := eventbus.ValidatePattern(d.Trigger.Event); err != nil {
				return d.invalid("trigger event: %v", err)
			}
		}
		if d.Trigger.Schedule != "" {
			if _, err := scheduleParser.Parse(d.Trigger.Schedule); err != nil {
				return d.invalid("trigger schedule: %v", err)
			}
		}
		if d.Trigger.Event == "" && d.Trigger.Schedule == "" {
			d.Trigger = nil
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm over the steps, keeping document
// order among steps that become ready together.
func (d *Definition) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, s := range d.Steps {
		inDegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var queue []string
	for _, s := range d.Steps {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(d.Steps) {
		var stuck []string
		for _, s := range d.Steps {
			if inDegree[s.Name] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		return nil, d.invalid("dependency cycle between steps %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

func (d *Definition) sinks() []string {
	hasDependents := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			hasDependents[dep] = true
		}
	}
	var out []string
	for _, s := range d.Steps {
		if !hasDependents[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}

// Step returns a step by name.
func (d *Definition) Step(name string) (*Step, bool) {
	s, ok := d.steps[name]
	return s, ok
}

// Order lists step names so that every step follows its dependencies.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

// Source is the file the definition was loaded from, if any.
func (d *Definition) Source() string {
	return d.source
}

// normalize turns YAML-decoded values into JSON-encodable ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
