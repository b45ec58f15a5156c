package tools

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompileSchema compiles a JSON Schema document (raw JSON text) into the
// validator a Spec carries as InputSchema. The schema is registered under a
// synthetic resource URL so declarations stay self-contained.
func CompileSchema(src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("tools: parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline://schema.json", doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource: %w", err)
	}
	sch, err := c.Compile("inline://schema.json")
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema: %w", err)
	}
	return sch, nil
}

// MustCompileSchema is CompileSchema for statically known schemas.
func MustCompileSchema(src string) *jsonschema.Schema {
	sch, err := CompileSchema(src)
	if err != nil {
		panic(err)
	}
	return sch
}
