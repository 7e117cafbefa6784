package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/artpar/levelgate/domain/schema"
)

// Resolver resolves predicate and transform locators referenced by a
// manifest. Resolution happens entirely at load time; the dispatcher
// never compiles or looks up caller-supplied code per request.
type Resolver interface {
	// Predicate resolves an endpoint test locator.
	Predicate(locator string) (Predicate, error)

	// CheckTransform verifies a transform locator resolves. The actual
	// transform is fetched by the dispatcher at construction.
	CheckTransform(locator string) error
}

// Verbs a manifest endpoint may bind to. SUBSCRIBE carries live streams;
// PATCH is allowed for custom methods only (it has no convention fallback).
var allowedVerbs = map[string]bool{
	"GET":       true,
	"PUT":       true,
	"POST":      true,
	"DELETE":    true,
	"PATCH":     true,
	"SUBSCRIBE": true,
}

var storeOps = map[StoreOp]bool{
	OpGet:        true,
	OpPut:        true,
	OpDel:        true,
	OpReadStream: true,
	OpKeyStream:  true,
	OpLiveStream: true,
	OpCreate:     true,
	OpCreateKey:  true,
}

// Load parses and checks a manifest document. All structural problems are
// reported as *LoadError or *EndpointConflictError; both are fatal to
// startup. res may be nil when the manifest uses no locators.
func Load(doc []byte, res Resolver) (*Manifest, error) {
	root, err := loadNode(doc, nil, res)
	if err != nil {
		return nil, err
	}
	return &Manifest{Root: root}, nil
}

type nodeDoc struct {
	Methods   json.RawMessage `json:"methods"`
	Sublevels json.RawMessage `json:"sublevels"`
}

type methodDoc struct {
	Type              string          `json:"type"`
	Op                string          `json:"op"`
	Args              []schema.Schema `json:"args"`
	Return            schema.Schema   `json:"return"`
	Errors            []errorDoc      `json:"errors"`
	Endpoint          *endpointDoc    `json:"endpoint"`
	RequestTransform  string          `json:"requestTransform"`
	ResponseTransform string          `json:"responseTransform"`
}

type errorDoc struct {
	Schema schema.Schema `json:"schema"`
	Name   string        `json:"name"`
	Code   int           `json:"code"`
}

type endpointDoc struct {
	Method string `json:"method"`
	Test   string `json:"test"`
}

func loadNode(raw []byte, path []string, res Resolver) (*Sublevel, error) {
	var doc nodeDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	name := ""
	if len(path) > 0 {
		name = path[len(path)-1]
	}
	node := &Sublevel{
		Name:     name,
		Path:     path,
		Children: map[string]*Sublevel{},
		byName:   map[string]*MethodDef{},
	}

	if err := loadChildren(node, doc.Sublevels, res); err != nil {
		return nil, err
	}
	if err := loadMethods(node, doc.Methods, res); err != nil {
		return nil, err
	}
	return node, nil
}

func loadChildren(node *Sublevel, raw json.RawMessage, res Resolver) error {
	if len(raw) == 0 {
		return nil
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(raw, &children); err != nil {
		return &LoadError{Path: node.Path, Reason: fmt.Sprintf("invalid sublevels: %v", err)}
	}
	for name, childRaw := range children {
		if name == "" {
			return &LoadError{Path: node.Path, Reason: "sublevel name must not be empty"}
		}
		childPath := append(append([]string{}, node.Path...), name)
		child, err := loadNode(childRaw, childPath, res)
		if err != nil {
			return err
		}
		node.Children[name] = child
	}
	return nil
}

func loadMethods(node *Sublevel, raw json.RawMessage, res Resolver) error {
	if len(raw) == 0 {
		return nil
	}

	// Declaration order is the matcher's tie-break, so method names are
	// pulled from the document in document order, not map order.
	names, err := orderedKeys(raw)
	if err != nil {
		return &LoadError{Path: node.Path, Reason: fmt.Sprintf("invalid methods: %v", err)}
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &docs); err != nil {
		return &LoadError{Path: node.Path, Reason: fmt.Sprintf("invalid methods: %v", err)}
	}

	seen := map[string]bool{}
	for _, methodName := range names {
		if methodName == "" {
			return &LoadError{Path: node.Path, Reason: "method name must not be empty"}
		}
		if seen[methodName] {
			return &LoadError{Path: node.Path, Method: methodName, Reason: "duplicate method name"}
		}
		seen[methodName] = true

		m, err := loadMethod(node, methodName, docs[methodName], res)
		if err != nil {
			return err
		}
		node.Methods = append(node.Methods, m)
		node.byName[methodName] = m
	}
	return nil
}

func loadMethod(node *Sublevel, name string, raw json.RawMessage, res Resolver) (*MethodDef, error) {
	var doc methodDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("invalid method: %v", err)}
	}

	m := &MethodDef{
		Name:              name,
		Kind:              Kind(doc.Type),
		Op:                StoreOp(doc.Op),
		Args:              doc.Args,
		Return:            doc.Return,
		RequestTransform:  doc.RequestTransform,
		ResponseTransform: doc.ResponseTransform,
	}

	switch m.Kind {
	case KindAsync, KindSync:
		if m.Op != "" {
			return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("op %q is only valid for store methods", m.Op)}
		}
	case KindStore:
		if !storeOps[m.Op] {
			return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("unknown store op %q", doc.Op)}
		}
	default:
		return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("unknown method type %q", doc.Type)}
	}

	for i, e := range doc.Errors {
		if len(e.Schema) == 0 {
			return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("errors[%d]: schema is required", i)}
		}
		m.Errors = append(m.Errors, ErrorSchema{Schema: e.Schema, Name: e.Name, Code: e.Code})
	}

	ep, err := loadEndpoint(node, name, doc.Endpoint, res)
	if err != nil {
		return nil, err
	}
	m.Endpoint = ep

	// A method mounted on the HTTP surface with the same name as a child
	// sublevel would shadow every route under that subtree.
	if m.Endpoint != nil {
		if _, clash := node.Children[name]; clash {
			return nil, &EndpointConflictError{Path: node.Path, Method: name,
				Reason: fmt.Sprintf("method name shadows sublevel %q", name)}
		}
	}

	for _, locator := range []string{m.RequestTransform, m.ResponseTransform} {
		if locator == "" {
			continue
		}
		if res == nil {
			return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("transform %q: no resolver configured", locator)}
		}
		if err := res.CheckTransform(locator); err != nil {
			return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("transform %q: %v", locator, err)}
		}
	}

	return m, nil
}

// loadEndpoint resolves a method's endpoint spec. Methods without an
// explicit endpoint get the default POST mount, matching the convention
// that every manifest method is reachable over HTTP.
func loadEndpoint(node *Sublevel, name string, doc *endpointDoc, res Resolver) (*EndpointSpec, error) {
	verb := "POST"
	locator := ""
	if doc != nil {
		if doc.Method != "" {
			verb = doc.Method
		}
		locator = doc.Test
	}
	if !allowedVerbs[verb] {
		return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("endpoint verb %q is not allowed", verb)}
	}

	ep := &EndpointSpec{Method: verb}
	if locator == "" {
		ep.Test = DefaultMatch{Verb: verb, Name: name}
		return ep, nil
	}
	if res == nil {
		return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("endpoint test %q: no resolver configured", locator)}
	}
	pred, err := res.Predicate(locator)
	if err != nil {
		return nil, &LoadError{Path: node.Path, Method: name, Reason: fmt.Sprintf("endpoint test %q: %v", locator, err)}
	}
	ep.Test = pred
	return ep, nil
}

// orderedKeys returns the top-level keys of a JSON object in document
// order. encoding/json map decoding loses order, and declaration order
// is semantically significant for methods.
func orderedKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected an object key")
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, err
	}
	return keys, nil
}
