package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func stringProps(names ...string) map[string]any {
	props := make(map[string]any, len(names))
	for _, n := range names {
		props[n] = map[string]any{"type": "string"}
	}
	return props
}

func object(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// SchemaMap describes ProjectMetadata as JSON Schema. Every field is
// required and null is never a valid value.
func SchemaMap() map[string]any {
	basic := stringProps("name", "code", "department", "executingOrganization",
		"manager", "startDate", "endDate", "description", "type")
	for _, n := range []string{"totalBudget", "supportingBudget", "selfFundedBudget"} {
		basic[n] = map[string]any{"type": "number"}
	}

	milestone := stringProps("phase", "startDate", "endDate")
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	milestone["tasks"] = stringArray
	milestone["deliverables"] = stringArray

	budget := stringProps("category", "subCategory", "description")
	budget["amount"] = map[string]any{"type": "number"}
	budget["fundingSource"] = map[string]any{
		"type": "string",
		"enum": []string{FundingSupported, FundingSelfFunded},
	}

	member := stringProps("name", "title", "role", "workload", "unit")

	return object(map[string]any{
		"basicInfo":  object(basic),
		"milestones": map[string]any{"type": "array", "items": object(milestone)},
		"budgets":    map[string]any{"type": "array", "items": object(budget)},
		"team":       map[string]any{"type": "array", "items": object(member)},
	})
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(SchemaMap())
		if err != nil {
			schemaErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Validate checks a decoded JSON value against the metadata schema.
func Validate(v any) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

// ValidateMetadata round-trips m through JSON and validates the result.
func ValidateMetadata(m ProjectMetadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return Validate(v)
}
