// Package policy runs OPA admission checks before a task is created.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/Godjoberto04/dropshipping-crew-ai/internal/catalog"
	"github.com/Godjoberto04/dropshipping-crew-ai/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// module must define the set data.dispatch_policy.deny.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.dispatch_policy.deny"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads a policy file, falling back to DefaultPolicy when path is
// empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the sorted deny reasons for a dispatch.
func (e *Engine) Evaluate(ctx context.Context, action string, input json.RawMessage, schema *catalog.Schema) ([]string, error) {
	doc := map[string]interface{}{"action": action}

	var decoded interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return []string{"input must be valid JSON"}, nil
		}
	}
	doc["input"] = decoded

	if schema != nil {
		required := make([]interface{}, len(schema.Required))
		for i, f := range schema.Required {
			required[i] = f
		}
		props := make(map[string]interface{}, len(schema.Properties))
		for k, v := range schema.Properties {
			props[k] = v
		}
		doc["schema"] = map[string]interface{}{"required": required, "properties": props}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("policy deny must be a set of strings, got %T", results[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(set))
	for _, v := range set {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Admit converts deny reasons into a ValidationError.
func (e *Engine) Admit(ctx context.Context, action string, input json.RawMessage, schema *catalog.Schema) error {
	reasons, err := e.Evaluate(ctx, action, input, schema)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		return domain.Errorf(domain.ErrValidation, "%s rejected: %s", action, strings.Join(reasons, "; "))
	}
	return nil
}

// DefaultPolicy checks the input against the action's declared schema.
const DefaultPolicy = `
package dispatch_policy

deny contains "input must be a JSON object" if {
	input.schema
	not is_object(input.input)
}

deny contains msg if {
	some field in input.schema.required
	not has_field(field)
	msg := sprintf("input.%s is required", [field])
}

deny contains msg if {
	some field, want in input.schema.properties
	has_field(field)
	not type_matches(input.input[field], want)
	msg := sprintf("input.%s must be %s", [field, want])
}

has_field(field) if {
	is_object(input.input)
	_ = input.input[field]
}

type_matches(v, "string") if is_string(v)

type_matches(v, "number") if is_number(v)

type_matches(v, "integer") if {
	is_number(v)
	v == round(v)
}

type_matches(v, "boolean") if is_boolean(v)

type_matches(v, "object") if is_object(v)

type_matches(v, "array") if is_array(v)
`
