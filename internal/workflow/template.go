package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

var (
	exprPattern    = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// TriggerContext is what a run was started with.
type TriggerContext struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type,omitempty"`
	Data json.RawMessage `json:"data"`
}

// ErrorContext describes a failed step to its on_error input.
type ErrorContext struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Step    string           `json:"step"`
}

// Scope is the object graph templates may reference.
type Scope struct {
	Trigger TriggerContext
	Outputs map[string]json.RawMessage
	Error   *ErrorContext
}

func (s Scope) document() ([]byte, error) {
	trigger := s.Trigger
	if len(trigger.Data) == 0 {
		trigger.Data = json.RawMessage(`{}`)
	}
	steps := make(map[string]map[string]json.RawMessage, len(s.Outputs))
	for name, out := range s.Outputs {
		if len(out) == 0 {
			out = json.RawMessage(`null`)
		}
		steps[name] = map[string]json.RawMessage{"output": out}
	}
	doc := map[string]any{"trigger": trigger, "steps": steps}
	if s.Error != nil {
		doc["error"] = s.Error
	}
	return json.Marshal(doc)
}

// parseExpr checks a reference and returns its lookup path.
func parseExpr(expr string, allowError bool) (string, error) {
	parts := strings.Split(strings.TrimSpace(expr), ".")
	for _, p := range parts {
		if !segmentPattern.MatchString(p) {
			return "", fmt.Errorf("invalid reference %q", expr)
		}
	}
	switch parts[0] {
	case "trigger":
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return "", fmt.Errorf("reference %q must have the form steps.<step>.output", expr)
		}
	case "error":
		if !allowError {
			return "", fmt.Errorf("reference %q is only available in on_error input", expr)
		}
		if len(parts) != 2 || (parts[1] != "kind" && parts[1] != "message" && parts[1] != "step") {
			return "", fmt.Errorf("reference %q must be error.kind, error.message or error.step", expr)
		}
	default:
		return "", fmt.Errorf("unknown reference root %q", parts[0])
	}
	return strings.Join(parts, "."), nil
}

// validateTemplate checks the syntax of every reference in a template.
func validateTemplate(tmpl any, allowError bool) error {
	return walkStrings(tmpl, func(s string) error {
		for _, m := range exprPattern.FindAllStringSubmatch(s, -1) {
			if _, err := parseExpr(m[1], allowError); err != nil {
				return err
			}
		}
		if strings.Contains(exprPattern.ReplaceAllString(s, ""), "{{") {
			return fmt.Errorf("unterminated reference in %q", s)
		}
		return nil
	})
}

func walkStrings(v any, fn func(string) error) error {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		for _, val := range t {
			if err := walkStrings(val, fn); err != nil {
				return err
			}
		}
	case []any:
		for _, val := range t {
			if err := walkStrings(val, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Render resolves every reference in tmpl against the scope and returns the
// JSON input. A nil template renders as an empty object.
func Render(tmpl any, scope Scope) (json.RawMessage, error) {
	if tmpl == nil {
		return json.RawMessage(`{}`), nil
	}
	doc, err := scope.document()
	if err != nil {
		return nil, fmt.Errorf("build template scope: %w", err)
	}
	r := &renderer{doc: doc, allowError: scope.Error != nil}
	out, err := r.value(tmpl)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTemplateResolution, err, "encode rendered input")
	}
	return data, nil
}

type renderer struct {
	doc        []byte
	allowError bool
}

func (r *renderer) value(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.str(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := r.value(val)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rendered, err := r.value(val)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *renderer) lookup(expr string) (gjson.Result, error) {
	path, err := parseExpr(expr, r.allowError)
	if err != nil {
		return gjson.Result{}, domain.Errorf(domain.ErrTemplateResolution, "%v", err)
	}
	res := gjson.GetBytes(r.doc, path)
	if !res.Exists() {
		parts := strings.Split(path, ".")
		if parts[0] == "steps" && !gjson.GetBytes(r.doc, "steps."+parts[1]).Exists() {
			return res, domain.Errorf(domain.ErrTemplateResolution, "step %s has no output", parts[1])
		}
		return res, domain.Errorf(domain.ErrTemplateResolution, "reference %s not found", path)
	}
	return res, nil
}

func (r *renderer) str(s string) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]] {
		res, err := r.lookup(s[matches[0][2]:matches[0][3]])
		if err != nil {
			return nil, err
		}
		return json.RawMessage(res.Raw), nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		res, err := r.lookup(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		if res.Type == gjson.String {
			b.WriteString(res.String())
		} else {
			b.WriteString(compact(res.Raw))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func compact(raw string) string {
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(raw)); err != nil {
		return raw
	}
	return out.String()
}
