package expose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"binstatus-bridge/internal/timecodec"
	"binstatus-bridge/internal/zcl"
)

// Validator checks logical values against the JSON Schema of their command.
// Compiled schemas are cached by command name.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator creates a new Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Parse validates raw JSON against schema's document and decodes it into a
// LogicalValue.
func (v *Validator) Parse(schema zcl.CommandSchema, raw []byte) (timecodec.LogicalValue, error) {
	compiled, err := v.compile(schema)
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiled.Validate(inst); err != nil {
		return nil, fmt.Errorf("%s: %w", schema.ExposeKey(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	value := make(timecodec.LogicalValue, len(schema.Fields))
	for _, f := range schema.Fields {
		data, ok := fields[f.Name]
		if !ok {
			continue
		}
		var ts timecodec.Timestamp
		if err := json.Unmarshal(data, &ts); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", schema.ExposeKey(), f.Name, err)
		}
		value[f.Name] = ts
	}
	return value, nil
}

func (v *Validator) compile(schema zcl.CommandSchema) (*jsonschema.Schema, error) {
	key := schema.Name

	v.mu.RLock()
	if s, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return s, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[key]; ok {
		return s, nil
	}

	// Round-trip through JSON so the compiler sees plain JSON values.
	raw, err := json.Marshal(Document(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	url := key + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}
