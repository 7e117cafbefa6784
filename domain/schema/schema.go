// Package schema provides structural validation of decoded JSON values
// against declarative schemas. Validation is pure and deterministic: a
// malformed schema is reported as ErrMalformedSchema, never a panic.
package schema

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Schema is a decoded JSON Schema document (the subset this package
// evaluates). An empty or nil schema accepts every value.
type Schema map[string]any

// ErrMalformedSchema reports a schema the validator cannot evaluate.
var ErrMalformedSchema = errors.New("schema: malformed schema")

// Violation describes one failed constraint.
type Violation struct {
	Path    string // JSON-pointer-ish location in the value, "" = root
	Rule    string // constraint that failed: "type", "required", ...
	Message string
}

// Result is the outcome of validating one value.
type Result struct {
	Valid      bool
	Violations []Violation
}

// AddViolation records a failed constraint and marks the result invalid.
func (r *Result) AddViolation(path, rule, message string) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{Path: path, Rule: rule, Message: message})
}

// Validate checks value against s. The value must be decoded JSON
// (map[string]any, []any, string, float64, bool, nil).
func Validate(s Schema, value any) (Result, error) {
	result := Result{Valid: true}
	if err := validate(s, value, "", &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func validate(s Schema, value any, path string, result *Result) error {
	if len(s) == 0 {
		return nil
	}

	if c, ok := s["const"]; ok {
		if !deepEqual(c, value) {
			result.AddViolation(path, "const", fmt.Sprintf("value must equal %v", c))
		}
	}

	if raw, ok := s["enum"]; ok {
		options, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("%w: enum must be an array", ErrMalformedSchema)
		}
		found := false
		for _, opt := range options {
			if deepEqual(opt, value) {
				found = true
				break
			}
		}
		if !found {
			result.AddViolation(path, "enum", "value is not one of the allowed values")
		}
	}

	if raw, ok := s["type"]; ok {
		name, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: type must be a string", ErrMalformedSchema)
		}
		if !typeMatches(name, value) {
			result.AddViolation(path, "type", fmt.Sprintf("expected %s", name))
			return nil // no point checking further constraints on the wrong type
		}
	}

	if err := validateUnions(s, value, path, result); err != nil {
		return err
	}

	switch v := value.(type) {
	case string:
		return validateString(s, v, path, result)
	case float64:
		return validateNumber(s, v, path, result)
	case map[string]any:
		return validateObject(s, v, path, result)
	case []any:
		return validateArray(s, v, path, result)
	}
	return nil
}

func validateUnions(s Schema, value any, path string, result *Result) error {
	for _, keyword := range []string{"oneOf", "anyOf"} {
		raw, ok := s[keyword]
		if !ok {
			continue
		}
		branches, ok := raw.([]any)
		if !ok || len(branches) == 0 {
			return fmt.Errorf("%w: %s must be a non-empty array", ErrMalformedSchema, keyword)
		}
		matches := 0
		for _, b := range branches {
			sub, ok := b.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: %s branch must be an object", ErrMalformedSchema, keyword)
			}
			branchResult := Result{Valid: true}
			if err := validate(Schema(sub), value, path, &branchResult); err != nil {
				return err
			}
			if branchResult.Valid {
				matches++
			}
		}
		switch {
		case matches == 0:
			result.AddViolation(path, keyword, "value matches no branch")
		case keyword == "oneOf" && matches > 1:
			result.AddViolation(path, keyword, fmt.Sprintf("value matches %d branches, want exactly 1", matches))
		}
	}
	return nil
}

func validateString(s Schema, v string, path string, result *Result) error {
	if raw, ok := s["minLength"]; ok {
		n, err := intConstraint(raw, "minLength")
		if err != nil {
			return err
		}
		if len(v) < n {
			result.AddViolation(path, "minLength", fmt.Sprintf("length %d < %d", len(v), n))
		}
	}
	if raw, ok := s["maxLength"]; ok {
		n, err := intConstraint(raw, "maxLength")
		if err != nil {
			return err
		}
		if len(v) > n {
			result.AddViolation(path, "maxLength", fmt.Sprintf("length %d > %d", len(v), n))
		}
	}
	if raw, ok := s["pattern"]; ok {
		pattern, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: pattern must be a string", ErrMalformedSchema)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: bad pattern %q: %v", ErrMalformedSchema, pattern, err)
		}
		if !re.MatchString(v) {
			result.AddViolation(path, "pattern", fmt.Sprintf("value does not match %q", pattern))
		}
	}
	return nil
}

func validateNumber(s Schema, v float64, path string, result *Result) error {
	if raw, ok := s["minimum"]; ok {
		min, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("%w: minimum must be a number", ErrMalformedSchema)
		}
		if v < min {
			result.AddViolation(path, "minimum", fmt.Sprintf("%v < %v", v, min))
		}
	}
	if raw, ok := s["maximum"]; ok {
		max, ok := raw.(float64)
		if !ok {
			return fmt.Errorf("%w: maximum must be a number", ErrMalformedSchema)
		}
		if v > max {
			result.AddViolation(path, "maximum", fmt.Sprintf("%v > %v", v, max))
		}
	}
	return nil
}

func validateObject(s Schema, v map[string]any, path string, result *Result) error {
	var props map[string]any
	if raw, ok := s["properties"]; ok {
		props, ok = raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: properties must be an object", ErrMalformedSchema)
		}
	}

	if raw, ok := s["required"]; ok {
		names, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("%w: required must be an array", ErrMalformedSchema)
		}
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				return fmt.Errorf("%w: required entries must be strings", ErrMalformedSchema)
			}
			if _, present := v[name]; !present {
				result.AddViolation(join(path, name), "required", "property is required")
			}
		}
	}

	for name, raw := range props {
		sub, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: property %q must be an object", ErrMalformedSchema, name)
		}
		child, present := v[name]
		if !present {
			continue
		}
		if err := validate(Schema(sub), child, join(path, name), result); err != nil {
			return err
		}
	}

	if raw, ok := s["additionalProperties"]; ok {
		allowed, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("%w: additionalProperties must be a boolean", ErrMalformedSchema)
		}
		if !allowed {
			for name := range v {
				if _, declared := props[name]; !declared {
					result.AddViolation(join(path, name), "additionalProperties", "property is not declared")
				}
			}
		}
	}
	return nil
}

func validateArray(s Schema, v []any, path string, result *Result) error {
	raw, ok := s["items"]
	if !ok {
		return nil
	}
	sub, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: items must be an object", ErrMalformedSchema)
	}
	for i, item := range v {
		if err := validate(Schema(sub), item, fmt.Sprintf("%s/%d", path, i), result); err != nil {
			return err
		}
	}
	return nil
}

func typeMatches(name string, value any) bool {
	switch name {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	}
	return false
}

func intConstraint(raw any, keyword string) (int, error) {
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) || f < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrMalformedSchema, keyword)
	}
	return int(f), nil
}

// deepEqual compares decoded JSON values structurally.
func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bc, present := bv[k]
			if !present || !deepEqual(v, bc) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return strings.Join([]string{path, name}, "/")
}
