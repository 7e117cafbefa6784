package schema_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/artpar/levelgate/domain/schema"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return v
}

func decodeSchema(t *testing.T, raw string) schema.Schema {
	t.Helper()
	var s schema.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal schema %q: %v", raw, err)
	}
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		value  string
		valid  bool
	}{
		{"empty schema accepts anything", `{}`, `{"a":1}`, true},
		{"string ok", `{"type":"string"}`, `"hello"`, true},
		{"string wrong type", `{"type":"string"}`, `42`, false},
		{"integer accepts whole number", `{"type":"integer"}`, `42`, true},
		{"integer rejects fraction", `{"type":"integer"}`, `4.2`, false},
		{"null type", `{"type":"null"}`, `null`, true},
		{"enum member", `{"enum":["a","b"]}`, `"b"`, true},
		{"enum non-member", `{"enum":["a","b"]}`, `"c"`, false},
		{"const match", `{"const":{"x":1}}`, `{"x":1}`, true},
		{"const mismatch", `{"const":{"x":1}}`, `{"x":2}`, false},
		{"required present", `{"type":"object","required":["id"]}`, `{"id":"k1"}`, true},
		{"required missing", `{"type":"object","required":["id"]}`, `{}`, false},
		{"nested property", `{"type":"object","properties":{"n":{"type":"number","minimum":0}}}`, `{"n":-1}`, false},
		{"additionalProperties false", `{"type":"object","properties":{"a":{}},"additionalProperties":false}`, `{"a":1,"b":2}`, false},
		{"items", `{"type":"array","items":{"type":"string"}}`, `["a","b"]`, true},
		{"items violation", `{"type":"array","items":{"type":"string"}}`, `["a",1]`, false},
		{"minLength", `{"type":"string","minLength":3}`, `"ab"`, false},
		{"pattern", `{"type":"string","pattern":"^k"}`, `"key-1"`, true},
		{"pattern fail", `{"type":"string","pattern":"^k"}`, `"x"`, false},
		{"oneOf single match", `{"oneOf":[{"type":"string"},{"type":"number"}]}`, `"s"`, true},
		{"oneOf no match", `{"oneOf":[{"type":"string"},{"type":"number"}]}`, `true`, false},
		{"anyOf", `{"anyOf":[{"type":"string"},{"minimum":10}]}`, `12`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := schema.Validate(decodeSchema(t, tt.schema), decode(t, tt.value))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if result.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v (violations: %+v)", result.Valid, tt.valid, result.Violations)
			}
		})
	}
}

func TestValidateMalformedSchema(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		value  string
	}{
		{"type not a string", `{"type":42}`, `"x"`},
		{"enum not an array", `{"enum":"a"}`, `"x"`},
		{"bad pattern", `{"type":"string","pattern":"["}`, `"x"`},
		{"oneOf empty", `{"oneOf":[]}`, `"x"`},
		{"minLength negative", `{"type":"string","minLength":-1}`, `"x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Validate(decodeSchema(t, tt.schema), decode(t, tt.value))
			if !errors.Is(err, schema.ErrMalformedSchema) {
				t.Errorf("expected ErrMalformedSchema, got %v", err)
			}
		})
	}
}

func TestValidateReportsViolationPaths(t *testing.T) {
	s := decodeSchema(t, `{"type":"object","properties":{"user":{"type":"object","required":["name"]}}}`)
	result, err := schema.Validate(s, decode(t, `{"user":{}}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if got := result.Violations[0].Path; got != "user/name" {
		t.Errorf("violation path = %q, want %q", got, "user/name")
	}
}
