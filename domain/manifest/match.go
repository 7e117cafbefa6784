package manifest

// FallbackOp identifies a built-in REST convention route, used when no
// method endpoint claims a request.
type FallbackOp int

const (
	FallbackNone FallbackOp = iota
	FallbackGet
	FallbackPut
	FallbackDel
	FallbackCreate
	FallbackReadStream
	FallbackLiveStream
	FallbackDelRange
)

func (op FallbackOp) String() string {
	switch op {
	case FallbackGet:
		return "get"
	case FallbackPut:
		return "put"
	case FallbackDel:
		return "del"
	case FallbackCreate:
		return "create"
	case FallbackReadStream:
		return "readStream"
	case FallbackLiveStream:
		return "liveStream"
	case FallbackDelRange:
		return "delRange"
	}
	return "none"
}

// MatchResult identifies the handler a request routes to: either a method
// whose endpoint claimed it, or a convention fallback route.
type MatchResult struct {
	Sublevel *Sublevel
	Method   *MethodDef // non-nil when a method endpoint matched
	Fallback FallbackOp // set when Method is nil
	Key      string     // key suffix for fallback key routes
}

// Match routes a normalized request. Method endpoints are tested first,
// in declaration order, and shadow the convention fallback for the same
// path and verb. Returns ErrRouteNotFound when nothing claims the request.
//
// Match fills req.Suffix as a side effect of sublevel resolution so
// predicates can inspect the path remainder.
func (m *Manifest) Match(req *Request) (MatchResult, error) {
	node, suffix := m.resolve(req.Path)
	req.Suffix = suffix

	// Declaration order is authoritative: the earliest declared method
	// whose endpoint claims the request wins, every run.
	for _, method := range node.Methods {
		if method.Endpoint == nil {
			continue
		}
		if req.Method != method.Endpoint.Method {
			continue
		}
		if method.Endpoint.Test.Test(req) {
			return MatchResult{Sublevel: node, Method: method}, nil
		}
	}

	if fb := fallbackFor(req); fb != FallbackNone {
		return MatchResult{Sublevel: node, Fallback: fb, Key: req.Key()}, nil
	}
	return MatchResult{}, ErrRouteNotFound
}

// resolve walks the sublevel tree along path, returning the deepest
// matching node and the unconsumed suffix.
func (m *Manifest) resolve(path []string) (*Sublevel, []string) {
	node := m.Root
	i := 0
	for i < len(path) {
		child, ok := node.Children[path[i]]
		if !ok {
			break
		}
		node = child
		i++
	}
	return node, path[i:]
}

// fallbackFor is the convention table keyed on (verb, key present).
// Range routes additionally read the query, but an empty query is a
// valid unbounded range, so query presence never disambiguates.
func fallbackFor(req *Request) FallbackOp {
	hasKey := len(req.Suffix) > 0
	switch req.Method {
	case "PUT":
		if hasKey {
			return FallbackPut
		}
	case "POST":
		if !hasKey {
			return FallbackCreate
		}
	case "DELETE":
		if hasKey {
			return FallbackDel
		}
		return FallbackDelRange
	case "GET":
		if hasKey {
			return FallbackGet
		}
		return FallbackReadStream
	case "SUBSCRIBE":
		if !hasKey {
			return FallbackLiveStream
		}
	}
	return FallbackNone
}
