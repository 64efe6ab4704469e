package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect input rejections.
var ErrValidation = errors.New("validation failed")

// Validator holds compiled input schemas keyed by model key. Models without
// a schema file accept any JSON input.
type Validator struct {
	inputSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir and compiles one
// input schema per model key (file name minus extension, lowercased).
func NewValidator(schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	inputSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.ToLower(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://renderloom.dev/schemas/" + key + ".input"
		inputSchemas[key], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", key, err)
		}
	}

	return &Validator{inputSchemas: inputSchemas}, nil
}

// ValidateInput performs hard reject: returns an error wrapping ErrValidation
// when the input does not match the model's schema. Unknown model keys pass,
// the catalog decides which models exist.
func (v *Validator) ValidateInput(modelKey string, input json.RawMessage) error {
	schema, ok := v.inputSchemas[strings.ToLower(modelKey)]
	if !ok {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
