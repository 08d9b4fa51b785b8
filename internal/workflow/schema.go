package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// analyzeOutputSchema validates the ANALYZE phase's structured
// JSON-mode LLM output: the repurposed use of jsonschema-go the
// teacher otherwise reaches for to describe MCP tool parameters.
var analyzeOutputSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"intent", "framework", "plan"},
	Properties: map[string]*jsonschema.Schema{
		"intent":    {Type: "string"},
		"framework": {Type: "string"},
		"plan": {
			Type: "array",
			Items: &jsonschema.Schema{
				Type:     "object",
				Required: []string{"title", "key"},
				Properties: map[string]*jsonschema.Schema{
					"title": {Type: "string"},
					"key":   {Type: "string", Enum: []any{"ANALYZE", "RESOLVE_DEPS", "GENERATE", "VALIDATE_BUILD", "DEPLOY"}},
				},
			},
		},
	},
}

// resolvePackagesOutputSchema validates RESOLVE_PACKAGES' structured
// output: a flat list of npm package names.
var resolvePackagesOutputSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"packages"},
	Properties: map[string]*jsonschema.Schema{
		"packages": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
	},
}

// recoverOutputSchema validates RECOVER's adjusted plan/packages
// proposal.
var recoverOutputSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"adjustedPackages": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"retryPrompt":      {Type: "string"},
	},
}

// validateJSON resolves schema once per call and validates raw
// against it, returning a ValidationError-flavored message on
// mismatch (see internal/workflow errors.go).
func validateJSON(schema *jsonschema.Schema, raw []byte) (map[string]any, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: resolve schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	out, _ := instance.(map[string]any)
	return out, nil
}
