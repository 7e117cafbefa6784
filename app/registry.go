// Package app provides application services that orchestrate domain logic:
// the per-request dispatcher, the stream adapter, and the registry that
// binds manifest locators to process-registered capabilities.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/transform"
	"github.com/artpar/levelgate/ports"
)

// Handler is a user-registered method implementation. It receives the
// sublevel store the method was invoked against and the validated
// argument tuple, and completes exactly once with a value or an error.
// Return a *transform.MethodError to surface a structured error matched
// against the method's declared error schemas.
type Handler func(ctx context.Context, store ports.Store, args []any) (any, error)

// Registry maps locator identifiers to predicates, transforms, and
// method handlers. All registration happens before the manifest is
// loaded; the registry is read-only afterwards, so lookups take no lock.
//
// This is the replacement for manifest-supplied function source text:
// manifests reference capabilities by locator ("registered:<id>" for
// Go registrations, "expr:<expression>" for expressions compiled once
// at load time) and nothing is ever compiled per request.
type Registry struct {
	predicates         map[string]manifest.PredicateFunc
	requestTransforms  map[string]transform.RequestFunc
	responseTransforms map[string]transform.ResponseFunc
	handlers           map[string]Handler

	programs *programCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		predicates:         map[string]manifest.PredicateFunc{},
		requestTransforms:  map[string]transform.RequestFunc{},
		responseTransforms: map[string]transform.ResponseFunc{},
		handlers:           map[string]Handler{},
		programs:           newProgramCache(),
	}
}

// RegisterPredicate makes an endpoint test available as "registered:<id>".
func (r *Registry) RegisterPredicate(id string, fn func(*manifest.Request) bool) {
	r.predicates[id] = fn
}

// RegisterRequestTransform makes a request transform available as
// "registered:<id>".
func (r *Registry) RegisterRequestTransform(id string, fn transform.RequestFunc) {
	r.requestTransforms[id] = fn
}

// RegisterResponseTransform makes a response transform available as
// "registered:<id>".
func (r *Registry) RegisterResponseTransform(id string, fn transform.ResponseFunc) {
	r.responseTransforms[id] = fn
}

// RegisterHandler binds the implementation of an async/sync method.
// The qualified name is the sublevel path joined with the method name,
// e.g. "db/items/checkout", or just "checkout" for a root method.
func (r *Registry) RegisterHandler(qualified string, fn Handler) {
	r.handlers[qualified] = fn
}

// Handler looks up the implementation for a method at a sublevel path.
func (r *Registry) Handler(path []string, name string) (Handler, bool) {
	h, ok := r.handlers[qualifiedName(path, name)]
	return h, ok
}

func qualifiedName(path []string, name string) string {
	if len(path) == 0 {
		return name
	}
	return strings.Join(path, "/") + "/" + name
}

const (
	locatorRegistered = "registered:"
	locatorExpr       = "expr:"
)

// Predicate implements manifest.Resolver.
func (r *Registry) Predicate(locator string) (manifest.Predicate, error) {
	switch {
	case strings.HasPrefix(locator, locatorRegistered):
		id := strings.TrimPrefix(locator, locatorRegistered)
		fn, ok := r.predicates[id]
		if !ok {
			return nil, fmt.Errorf("no predicate registered as %q", id)
		}
		return fn, nil
	case strings.HasPrefix(locator, locatorExpr):
		return r.compilePredicate(strings.TrimPrefix(locator, locatorExpr))
	}
	return nil, fmt.Errorf("unknown locator scheme in %q", locator)
}

// CheckTransform implements manifest.Resolver. Expression locators are
// compiled here so a bad expression fails the load, not a request.
func (r *Registry) CheckTransform(locator string) error {
	switch {
	case strings.HasPrefix(locator, locatorRegistered):
		id := strings.TrimPrefix(locator, locatorRegistered)
		if _, ok := r.requestTransforms[id]; ok {
			return nil
		}
		if _, ok := r.responseTransforms[id]; ok {
			return nil
		}
		return fmt.Errorf("no transform registered as %q", id)
	case strings.HasPrefix(locator, locatorExpr):
		_, err := r.programs.compile(strings.TrimPrefix(locator, locatorExpr))
		return err
	}
	return fmt.Errorf("unknown locator scheme in %q", locator)
}

// RequestTransform resolves a method's request transform locator.
// An empty locator selects the default convention (nil transform).
func (r *Registry) RequestTransform(locator string) (transform.RequestFunc, error) {
	switch {
	case locator == "":
		return nil, nil
	case strings.HasPrefix(locator, locatorRegistered):
		id := strings.TrimPrefix(locator, locatorRegistered)
		fn, ok := r.requestTransforms[id]
		if !ok {
			return nil, fmt.Errorf("no request transform registered as %q", id)
		}
		return fn, nil
	case strings.HasPrefix(locator, locatorExpr):
		return r.exprRequestTransform(strings.TrimPrefix(locator, locatorExpr))
	}
	return nil, fmt.Errorf("unknown locator scheme in %q", locator)
}

// ResponseTransform resolves a method's response transform locator.
func (r *Registry) ResponseTransform(locator string) (transform.ResponseFunc, error) {
	switch {
	case locator == "":
		return nil, nil
	case strings.HasPrefix(locator, locatorRegistered):
		id := strings.TrimPrefix(locator, locatorRegistered)
		fn, ok := r.responseTransforms[id]
		if !ok {
			return nil, fmt.Errorf("no response transform registered as %q", id)
		}
		return fn, nil
	case strings.HasPrefix(locator, locatorExpr):
		return r.exprResponseTransform(strings.TrimPrefix(locator, locatorExpr))
	}
	return nil, fmt.Errorf("unknown locator scheme in %q", locator)
}
