package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRouteNotFound reports a request no endpoint or fallback route claims.
var ErrRouteNotFound = errors.New("manifest: no route matches request")

// LoadError reports a structural problem in a manifest document.
// Load-time errors are fatal: the dispatcher must not start on them.
type LoadError struct {
	Path   []string // sublevel path of the offending node
	Method string   // offending method name, "" for node-level problems
	Reason string
}

func (e *LoadError) Error() string {
	loc := "/" + strings.Join(e.Path, "/")
	if e.Method != "" {
		return fmt.Sprintf("manifest: %s method %q: %s", loc, e.Method, e.Reason)
	}
	return fmt.Sprintf("manifest: %s: %s", loc, e.Reason)
}

// EndpointConflictError reports a method endpoint that would shadow a
// reserved default route shape exactly. Detected at load, never deferred
// to request time.
type EndpointConflictError struct {
	Path   []string
	Method string
	Reason string
}

func (e *EndpointConflictError) Error() string {
	return fmt.Sprintf("manifest: /%s method %q: endpoint conflict: %s",
		strings.Join(e.Path, "/"), e.Method, e.Reason)
}
