package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	invschema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaFor reflects a Go struct into a JSON Schema document (invopop's
// reflector) and compiles it into a validator (santhosh-tekuri's
// compiler), pairing the two libraries for generate-then-validate.
func schemaFor(name string, v any) *jsonschema.Schema {
	reflector := &invschema.Reflector{DoNotReference: true}
	doc := reflector.Reflect(v)
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %s: %v", name, err))
	}

	url := "mem://" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("tools: add schema resource for %s: %v", name, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema for %s: %v", name, err))
	}
	return schema
}
