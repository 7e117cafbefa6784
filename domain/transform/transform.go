// Package transform converts matched requests into argument tuples and
// invocation results back into wire payloads. A method either supplies a
// custom transform (resolved by locator at load time) or gets the default
// convention.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/schema"
)

// RequestFunc is a custom request transform. It sees the full normalized
// request and the bound method, and must return a tuple matching the
// method's declared arity.
type RequestFunc func(req *manifest.Request, m *manifest.MethodDef) ([]any, error)

// ResponseFunc is a custom response transform. It receives the invocation
// value (nil on error) and the invocation error, and returns the wire
// status and body.
type ResponseFunc func(m *manifest.MethodDef, value any, callErr error) (status int, body []byte, err error)

// ArgumentError reports a tuple that failed the method's declared
// argument schemas. Invocation never happens after one.
type ArgumentError struct {
	Method     string
	Reason     string
	Violations []schema.Violation
}

func (e *ArgumentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transform: method %q: %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("transform: method %q: %d argument violations", e.Method, len(e.Violations))
}

// Error reports a failed custom transform or an unmarshalable payload.
type Error struct {
	Stage string // "request" or "response"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transform: %s transform failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MethodError carries a structured error value from a registered method.
// The value is matched against the method's declared error schemas to
// pick the wire status and body.
type MethodError struct {
	Value any
}

func (e *MethodError) Error() string {
	if m, ok := e.Value.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("method error: %v", e.Value)
}

// ToArgs builds the argument tuple for a matched method and validates it
// against the declared schemas. custom is the method's resolved request
// transform, nil for the default convention.
func ToArgs(m *manifest.MethodDef, req *manifest.Request, custom RequestFunc) ([]any, error) {
	var args []any
	if custom != nil {
		out, err := custom(req, m)
		if err != nil {
			return nil, &Error{Stage: "request", Err: err}
		}
		args = out
	} else {
		out, err := defaultArgs(m, req)
		if err != nil {
			return nil, err
		}
		args = out
	}
	if err := ValidateArgs(m, args); err != nil {
		return nil, err
	}
	return args, nil
}

// defaultArgs is the convention transform: the key suffix (when present)
// is the first argument, then the parsed JSON body, then the decoded
// range query when the declared arity still expects one more argument.
// A body that is a JSON array is spread across the remaining positions
// when that makes the arity work out, otherwise it is passed as a
// single argument.
func defaultArgs(m *manifest.MethodDef, req *manifest.Request) ([]any, error) {
	var args []any
	if key := req.Key(); key != "" {
		args = append(args, key)
	}

	if len(req.Body) > 0 {
		var body any
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, &ArgumentError{Method: m.Name, Reason: fmt.Sprintf("invalid JSON body: %v", err)}
		}
		if arr, ok := body.([]any); ok && m.Args != nil && len(args)+len(arr) == len(m.Args) {
			args = append(args, arr...)
		} else {
			args = append(args, body)
		}
	}

	if m.Args != nil && len(args) == len(m.Args)-1 && !req.Query.IsZero() {
		args = append(args, req.Query.Map())
	}
	return args, nil
}

// ValidateArgs checks a tuple against the method's declared argument
// schemas. Methods that declare no args accept any tuple; a declared
// args list fixes the arity.
func ValidateArgs(m *manifest.MethodDef, args []any) error {
	if m.Args == nil {
		return nil
	}
	if len(args) != len(m.Args) {
		return &ArgumentError{Method: m.Name,
			Reason: fmt.Sprintf("got %d arguments, want %d", len(args), len(m.Args))}
	}

	var violations []schema.Violation
	for i, s := range m.Args {
		result, err := schema.Validate(s, args[i])
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		for _, v := range result.Violations {
			v.Path = fmt.Sprintf("args/%d/%s", i, v.Path)
			violations = append(violations, v)
		}
	}
	if len(violations) > 0 {
		return &ArgumentError{Method: m.Name, Violations: violations}
	}
	return nil
}

// ValueBody serializes a single-valued result. When strict is set the
// value must validate against the method's declared return schema;
// strict is off by default so return-shape drift does not break clients.
func ValueBody(m *manifest.MethodDef, value any, strict bool) ([]byte, error) {
	if strict && m != nil && m.Return != nil {
		result, err := schema.Validate(m.Return, value)
		if err != nil {
			return nil, &Error{Stage: "response", Err: err}
		}
		if !result.Valid {
			return nil, &Error{Stage: "response",
				Err: fmt.Errorf("return value violates declared schema (%d violations)", len(result.Violations))}
		}
	}
	body, err := json.Marshal(value)
	if err != nil {
		return nil, &Error{Stage: "response", Err: err}
	}
	return body, nil
}

// ErrorValue derives the JSON value representing an invocation error.
func ErrorValue(err error) any {
	if me, ok := err.(*MethodError); ok {
		return me.Value
	}
	return map[string]any{"message": err.Error()}
}

// MatchError finds the first declared error schema the value validates
// against, in declaration order, and returns its status code (500 when
// the schema declares none). ok is false when no declared schema matches.
func MatchError(m *manifest.MethodDef, value any) (code int, ok bool) {
	if m == nil {
		return 0, false
	}
	for _, es := range m.Errors {
		result, err := schema.Validate(es.Schema, value)
		if err != nil || !result.Valid {
			continue
		}
		if es.Code != 0 {
			return es.Code, true
		}
		return 500, true
	}
	return 0, false
}
