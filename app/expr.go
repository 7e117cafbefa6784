package app

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/transform"
)

// programCache holds compiled expression programs keyed by source text.
// Compilation happens at manifest load; request handling only runs
// already-compiled programs.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: map[string]*vm.Program{}}
}

func (c *programCache) compile(src string) (*vm.Program, error) {
	c.mu.RLock()
	program, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(src, expr.Env(map[string]any{}))
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	c.mu.Lock()
	c.programs[src] = program
	c.mu.Unlock()
	return program, nil
}

// requestEnv exposes the normalized request to expressions.
func requestEnv(req *manifest.Request) map[string]any {
	env := map[string]any{
		"method":  req.Method,
		"path":    req.Path,
		"suffix":  req.Suffix,
		"key":     req.Key(),
		"headers": req.Headers,
		"query":   flattenQuery(req),
	}
	if len(req.Body) > 0 {
		var body any
		if err := json.Unmarshal(req.Body, &body); err == nil {
			env["body"] = body
		}
	}
	return env
}

func flattenQuery(req *manifest.Request) map[string]string {
	q := map[string]string{}
	for k, vs := range req.RawQuery {
		if len(vs) > 0 {
			q[k] = vs[0]
		}
	}
	return q
}

// compilePredicate builds an endpoint test from an expression. The
// program runs per request but is compiled exactly once, at load.
func (r *Registry) compilePredicate(src string) (manifest.Predicate, error) {
	program, err := r.programs.compile(src)
	if err != nil {
		return nil, err
	}
	return manifest.PredicateFunc(func(req *manifest.Request) bool {
		out, err := expr.Run(program, requestEnv(req))
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}), nil
}

// exprRequestTransform builds a request transform from an expression.
// The expression result becomes the argument tuple: an array is the
// tuple itself, any other value a one-argument tuple.
func (r *Registry) exprRequestTransform(src string) (transform.RequestFunc, error) {
	program, err := r.programs.compile(src)
	if err != nil {
		return nil, err
	}
	return func(req *manifest.Request, m *manifest.MethodDef) ([]any, error) {
		out, err := expr.Run(program, requestEnv(req))
		if err != nil {
			return nil, err
		}
		if tuple, ok := out.([]any); ok {
			return tuple, nil
		}
		return []any{out}, nil
	}, nil
}

// exprResponseTransform builds a response transform from an expression.
// The expression sees {"value", "error"} and its result becomes the
// response body; the status comes from the declared error schemas on
// failure, 200 otherwise.
func (r *Registry) exprResponseTransform(src string) (transform.ResponseFunc, error) {
	program, err := r.programs.compile(src)
	if err != nil {
		return nil, err
	}
	return func(m *manifest.MethodDef, value any, callErr error) (int, []byte, error) {
		env := map[string]any{"value": value, "error": nil}
		status := 200
		if callErr != nil {
			errValue := transform.ErrorValue(callErr)
			env["error"] = errValue
			status = 500
			if code, ok := transform.MatchError(m, errValue); ok {
				status = code
			}
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return 0, nil, &transform.Error{Stage: "response", Err: err}
		}
		body, err := json.Marshal(out)
		if err != nil {
			return 0, nil, &transform.Error{Stage: "response", Err: err}
		}
		return status, body, nil
	}, nil
}
