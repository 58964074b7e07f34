package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return c.Compile("config.schema.json")
})

// ValidateDocument checks raw config.yaml bytes against the embedded schema.
// Unknown keys, wrong types and out-of-range values are rejected before the
// document is decoded into Config.
func ValidateDocument(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so numbers arrive as json.Number.
	js, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config.yaml: %w", err)
	}
	return nil
}
