package pricing

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const fluxSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"seed": {"type": "integer"}
	}
}`

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "flux-dev.json"), []byte(fluxSchema), 0o644); err != nil {
		t.Fatal(err)
	}
	v, err := NewValidator(dir)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidateInput(t *testing.T) {
	v := newTestValidator(t)

	if err := v.ValidateInput("flux-dev", json.RawMessage(`{"prompt":"a cat","seed":42}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	// Model keys are case insensitive like the catalog.
	if err := v.ValidateInput("FLUX-Dev", json.RawMessage(`{"prompt":"a cat"}`)); err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
}

func TestValidateInput_Rejections(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name  string
		input string
	}{
		{"missing prompt", `{"seed":1}`},
		{"wrong type", `{"prompt":123}`},
		{"empty input", ``},
		{"not json", `{"prompt":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateInput("flux-dev", json.RawMessage(tc.input))
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateInput_ModelWithoutSchemaPasses(t *testing.T) {
	v := newTestValidator(t)
	if err := v.ValidateInput("kling-v2", json.RawMessage(`{"anything":"goes"}`)); err != nil {
		t.Fatalf("schemaless model rejected: %v", err)
	}
}
