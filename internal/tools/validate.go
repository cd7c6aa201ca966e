package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// argValidator checks call arguments against one tool's parameter schema.
type argValidator struct {
	resolved *jsonschema.Resolved
}

// compileSchema resolves raw into a validator. A nil or empty schema accepts
// anything.
func compileSchema(raw map[string]any) (*argValidator, error) {
	if len(raw) == 0 {
		return &argValidator{}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &argValidator{resolved: resolved}, nil
}

func (v *argValidator) validate(args map[string]any) error {
	if v == nil || v.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Normalize through JSON so numbers and nested values have the shapes the
	// validator expects.
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-encodable: %w", err)
	}
	var instance map[string]any
	if err := json.Unmarshal(b, &instance); err != nil {
		return err
	}
	return v.resolved.Validate(instance)
}
