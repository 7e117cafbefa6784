// Package manifest provides the typed in-memory model of a loaded service
// manifest (sublevel tree, method definitions, endpoint specs) and pure
// matching of normalized requests against it.
//
// A Manifest is built once by Load and never mutated afterwards, so it is
// shared across requests without locking.
package manifest

import (
	"net/url"

	"github.com/artpar/levelgate/domain/query"
	"github.com/artpar/levelgate/domain/schema"
)

// Kind classifies how a method is invoked.
type Kind string

const (
	KindAsync Kind = "async" // user-registered handler, single completion
	KindSync  Kind = "sync"  // user-registered handler, single completion
	KindStore Kind = "store" // direct call into a store primitive
)

// StoreOp names the store primitive a KindStore method binds to.
type StoreOp string

const (
	OpGet        StoreOp = "get"
	OpPut        StoreOp = "put"
	OpDel        StoreOp = "del"
	OpReadStream StoreOp = "readStream"
	OpKeyStream  StoreOp = "keyStream"
	OpLiveStream StoreOp = "liveStream"
	OpCreate     StoreOp = "create"
	OpCreateKey  StoreOp = "createKey"
)

// Streams reports whether the op produces a stream outcome instead of a
// single value.
func (op StoreOp) Streams() bool {
	switch op {
	case OpReadStream, OpKeyStream, OpLiveStream:
		return true
	}
	return false
}

// Request is the transport-normalized request descriptor predicates and
// transforms operate on. Matching fills Suffix with the path segments left
// over after the deepest sublevel prefix has been consumed.
type Request struct {
	Method   string            // upper-cased verb
	Path     []string          // decoded path segments
	Suffix   []string          // path remainder after the matched sublevel
	Query    query.Range       // decoded range query
	RawQuery url.Values        // full query parameters, for predicates
	Headers  map[string]string // lower-cased header names
	Body     []byte
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.Headers[lower(name)]
}

// Key returns the request's key suffix joined into a single store key,
// or "" when the path carries no key.
func (r *Request) Key() string {
	switch len(r.Suffix) {
	case 0:
		return ""
	case 1:
		return r.Suffix[0]
	default:
		k := r.Suffix[0]
		for _, seg := range r.Suffix[1:] {
			k += "/" + seg
		}
		return k
	}
}

// Predicate decides whether a method's endpoint claims a request.
// Implementations must be pure and side-effect free.
type Predicate interface {
	Test(req *Request) bool
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(req *Request) bool

// Test implements Predicate.
func (f PredicateFunc) Test(req *Request) bool { return f(req) }

// DefaultMatch is the built-in endpoint test: the verb matches and the
// path suffix is exactly the method name.
type DefaultMatch struct {
	Verb string
	Name string
}

// Test implements Predicate.
func (m DefaultMatch) Test(req *Request) bool {
	return req.Method == m.Verb && len(req.Suffix) == 1 && req.Suffix[0] == m.Name
}

// EndpointSpec binds a method to the HTTP surface.
type EndpointSpec struct {
	Method string    // resolved verb, POST when the manifest omits it
	Test   Predicate // never nil after Load
}

// ErrorSchema declares one member of a method's error union.
type ErrorSchema struct {
	Schema schema.Schema
	Name   string
	Code   int // HTTP status used when a returned error matches; 0 = unset
}

// MethodDef is one declared method. Args has fixed arity; variadic
// methods are not representable.
type MethodDef struct {
	Name              string
	Kind              Kind
	Op                StoreOp // set only for KindStore
	Args              []schema.Schema
	Return            schema.Schema
	Errors            []ErrorSchema
	Endpoint          *EndpointSpec // set by Load for every method, default POST mount when omitted
	RequestTransform  string        // transform locator, "" = default convention
	ResponseTransform string
}

// Sublevel is one node of the namespace tree.
type Sublevel struct {
	Name     string
	Path     []string             // full segment path from the root
	Methods  []*MethodDef         // manifest declaration order
	Children map[string]*Sublevel

	byName map[string]*MethodDef
}

// Method looks a method up by name.
func (s *Sublevel) Method(name string) (*MethodDef, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// Manifest is the root of a loaded manifest document.
type Manifest struct {
	Root *Sublevel
}

// Sublevel resolves an exact sublevel path, root for an empty path.
func (m *Manifest) Sublevel(path []string) (*Sublevel, bool) {
	node := m.Root
	for _, seg := range path {
		child, ok := node.Children[seg]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// Walk visits every sublevel depth-first, root first.
func (m *Manifest) Walk(fn func(*Sublevel)) {
	var walk func(*Sublevel)
	walk = func(s *Sublevel) {
		fn(s)
		for _, child := range s.Children {
			walk(child)
		}
	}
	walk(m.Root)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
