package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/levelgate/adapters/idgen"
	"github.com/artpar/levelgate/adapters/memory"
	"github.com/artpar/levelgate/app"
	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/transform"
	"github.com/artpar/levelgate/ports"
)

// captureSink records a single JSON response.
type captureSink struct {
	status      int
	contentType string
	body        strings.Builder
}

func (s *captureSink) WriteHead(status int, contentType string) {
	s.status = status
	s.contentType = contentType
}

func (s *captureSink) Write(p []byte) error {
	s.body.WriteString(string(p))
	return nil
}

func (s *captureSink) Flush() {}

// dispatchObserver records metric observations per dispatch.
type dispatchObserver struct {
	ports.NopMetrics
	verbs   []string
	labels  []string
	results []string
}

func (o *dispatchObserver) ObserveDispatch(verb, route, result string, elapsed time.Duration) {
	o.verbs = append(o.verbs, verb)
	o.labels = append(o.labels, route)
	o.results = append(o.results, result)
}

const dispatcherManifest = `{
	"sublevels": {
		"users": {
			"methods": {
				"get": {"type": "store", "op": "get"},
				"put": {"type": "store", "op": "put"},
				"del": {"type": "store", "op": "del"},
				"score": {
					"type": "sync",
					"args": [{"type": "string"}, {"type": "number", "minimum": 0}],
					"return": {"type": "object", "required": ["score"]}
				}
			},
			"sublevels": {
				"archive": {
					"methods": {
						"get": {"type": "store", "op": "get"}
					}
				}
			}
		},
		"posts": {
			"methods": {
				"create": {"type": "store", "op": "create"}
			}
		}
	}
}`

type fixture struct {
	dispatcher *app.Dispatcher
	provider   *memory.Provider
	registry   *app.Registry
	calls      atomic.Int32
}

func newFixture(t *testing.T, opts app.Options) *fixture {
	t.Helper()

	f := &fixture{
		provider: memory.NewProvider(memory.Options{IDs: idgen.NewSequential("p")}),
		registry: app.NewRegistry(),
	}
	t.Cleanup(func() { f.provider.Close() })

	f.registry.RegisterHandler("users/score", func(ctx context.Context, store ports.Store, args []any) (any, error) {
		f.calls.Add(1)
		key, _ := args[0].(string)
		if key == "broken" {
			// Deliberately violates the declared return schema.
			return map[string]any{"points": 1}, nil
		}
		return map[string]any{"score": 42}, nil
	})

	man, err := manifest.Load([]byte(dispatcherManifest), f.registry)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.dispatcher, err = app.New(man, f.provider, f.registry, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func request(verb string, path []string, body string) *manifest.Request {
	return &manifest.Request{
		Method: verb,
		Path:   path,
		Body:   []byte(body),
	}
}

func TestNewFailsWithoutHandler(t *testing.T) {
	man, err := manifest.Load([]byte(`{
		"sublevels": {
			"users": {
				"methods": {
					"tally": {"type": "sync"}
				}
			}
		}
	}`), app.NewRegistry())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	provider := memory.NewProvider(memory.Options{})
	defer provider.Close()
	_, err = app.New(man, provider, app.NewRegistry(), app.Options{Logger: zerolog.Nop()})
	if err == nil || !strings.Contains(err.Error(), "users/tally") {
		t.Fatalf("New = %v, want missing-handler error naming users/tally", err)
	}
}

func TestNewFailsWhenStoreLacksCreate(t *testing.T) {
	man, err := manifest.Load([]byte(`{
		"sublevels": {
			"posts": {
				"methods": {
					"create": {"type": "store", "op": "create"}
				}
			}
		}
	}`), app.NewRegistry())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// No id generator: neither create nor createKey available.
	provider := memory.NewProvider(memory.Options{})
	defer provider.Close()
	_, err = app.New(man, provider, app.NewRegistry(), app.Options{Logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("New accepted a create method on a store without key minting")
	}
}

func TestNewRejectsResponseTransformOnStreamOp(t *testing.T) {
	reg := app.NewRegistry()
	reg.RegisterResponseTransform("wrap", func(m *manifest.MethodDef, value any, callErr error) (int, []byte, error) {
		return 200, []byte(`{}`), nil
	})
	man, err := manifest.Load([]byte(`{
		"sublevels": {
			"users": {
				"methods": {
					"scan": {"type": "store", "op": "readStream", "responseTransform": "registered:wrap"}
				}
			}
		}
	}`), reg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	provider := memory.NewProvider(memory.Options{})
	defer provider.Close()
	_, err = app.New(man, provider, reg, app.Options{Logger: zerolog.Nop()})
	if err == nil || !strings.Contains(err.Error(), "readStream") {
		t.Fatalf("New = %v, want bind error naming the stream op", err)
	}
}

func TestDispatchPutThenGetRoundTrip(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	doc := `{"name":"Alice","nested":{"深":"值"}}`
	sink := &captureSink{}
	f.dispatcher.Dispatch(ctx, request("PUT", []string{"users", "alice"}, doc), sink)
	if sink.status != 200 {
		t.Fatalf("PUT status = %d body %s", sink.status, sink.body.String())
	}

	sink = &captureSink{}
	f.dispatcher.Dispatch(ctx, request("GET", []string{"users", "alice"}, ""), sink)
	if sink.status != 200 {
		t.Fatalf("GET status = %d", sink.status)
	}
	if sink.body.String() != doc {
		t.Errorf("GET body = %s, want byte-identical %s", sink.body.String(), doc)
	}
}

func TestDispatchNestedSublevel(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	sink := &captureSink{}
	f.dispatcher.Dispatch(ctx, request("PUT", []string{"users", "archive", "old"}, `{"v":1}`), sink)
	if sink.status != 200 {
		t.Fatalf("nested PUT status = %d", sink.status)
	}

	// The parent sublevel must not see the nested key.
	sink = &captureSink{}
	f.dispatcher.Dispatch(ctx, request("GET", []string{"users", "old"}, ""), sink)
	if sink.status != 404 {
		t.Errorf("parent GET status = %d, want 404", sink.status)
	}

	sink = &captureSink{}
	f.dispatcher.Dispatch(ctx, request("GET", []string{"users", "archive", "old"}, ""), sink)
	if sink.status != 200 {
		t.Errorf("nested GET status = %d", sink.status)
	}
}

func TestDispatchDeleteMissingKeyIs404(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})

	sink := &captureSink{}
	f.dispatcher.Dispatch(context.Background(), request("DELETE", []string{"users", "ghost"}, ""), sink)
	if sink.status != 404 {
		t.Errorf("status = %d, want 404", sink.status)
	}
}

func TestDispatchDeleteRange(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	for _, k := range []string{"a", "b", "m"} {
		sink := &captureSink{}
		f.dispatcher.Dispatch(ctx, request("PUT", []string{"users", k}, `1`), sink)
		if sink.status != 200 {
			t.Fatalf("PUT %s status = %d", k, sink.status)
		}
	}

	req := request("DELETE", []string{"users"}, "")
	req.Query.LT = "c"
	sink := &captureSink{}
	f.dispatcher.Dispatch(ctx, req, sink)
	if sink.status != 200 || !strings.Contains(sink.body.String(), `"deleted":2`) {
		t.Fatalf("delete range = %d %s", sink.status, sink.body.String())
	}

	sink = &captureSink{}
	f.dispatcher.Dispatch(ctx, request("GET", []string{"users", "m"}, ""), sink)
	if sink.status != 200 {
		t.Errorf("key outside range deleted, status = %d", sink.status)
	}
}

func TestCallValidatesBeforeInvoking(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	tests := []struct {
		name string
		args []any
	}{
		{"wrong arity", []any{"alice"}},
		{"wrong type", []any{"alice", "ten"}},
		{"schema violation", []any{"alice", float64(-3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := f.dispatcher.Call(ctx, []string{"users"}, "score", tt.args)
			var argErr *transform.ArgumentError
			if !errors.As(outcome.Err, &argErr) {
				t.Fatalf("Err = %v, want ArgumentError", outcome.Err)
			}
		})
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("handler ran %d times on invalid args", n)
	}

	outcome := f.dispatcher.Call(ctx, []string{"users"}, "score", []any{"alice", float64(10)})
	if outcome.Err != nil {
		t.Fatalf("valid call failed: %v", outcome.Err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
}

func TestCallUnknownTargets(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	outcome := f.dispatcher.Call(ctx, []string{"nope"}, "get", []any{"k"})
	if !errors.Is(outcome.Err, manifest.ErrRouteNotFound) {
		t.Errorf("unknown sublevel Err = %v, want ErrRouteNotFound", outcome.Err)
	}
	outcome = f.dispatcher.Call(ctx, []string{"users"}, "nope", nil)
	if !errors.Is(outcome.Err, manifest.ErrRouteNotFound) {
		t.Errorf("unknown method Err = %v, want ErrRouteNotFound", outcome.Err)
	}
}

func TestCallStoreMethodFromArgs(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	outcome := f.dispatcher.Call(ctx, []string{"users"}, "put", []any{"bob", map[string]any{"n": float64(1)}})
	if outcome.Err != nil {
		t.Fatalf("put: %v", outcome.Err)
	}

	outcome = f.dispatcher.Call(ctx, []string{"users"}, "get", []any{"bob"})
	if outcome.Err != nil {
		t.Fatalf("get: %v", outcome.Err)
	}
	raw, ok := outcome.Value.(json.RawMessage)
	if !ok {
		t.Fatalf("value type = %T, want json.RawMessage", outcome.Value)
	}
	if string(raw) != `{"n":1}` {
		t.Errorf("value = %s", raw)
	}

	outcome = f.dispatcher.Call(ctx, []string{"users"}, "get", []any{7})
	var tErr *transform.Error
	if !errors.As(outcome.Err, &tErr) {
		t.Errorf("non-string key Err = %v, want transform.Error", outcome.Err)
	}
}

func TestStrictReturnsRejectsBadShape(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop(), StrictReturns: true})

	sink := &captureSink{}
	f.dispatcher.CallAndRespond(context.Background(), []string{"users"}, "score", []any{"broken", float64(1)}, sink)
	if sink.status != 500 {
		t.Errorf("status = %d, want 500 for return schema violation", sink.status)
	}

	sink = &captureSink{}
	f.dispatcher.CallAndRespond(context.Background(), []string{"users"}, "score", []any{"alice", float64(1)}, sink)
	if sink.status != 200 {
		t.Errorf("status = %d, want 200 for conforming return", sink.status)
	}
}

func TestLaxReturnsFailOpen(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})

	sink := &captureSink{}
	f.dispatcher.CallAndRespond(context.Background(), []string{"users"}, "score", []any{"broken", float64(1)}, sink)
	if sink.status != 200 {
		t.Errorf("status = %d, want 200 without strict returns", sink.status)
	}
}

func TestDispatchMetricsLabels(t *testing.T) {
	obs := &dispatchObserver{}
	f := newFixture(t, app.Options{Logger: zerolog.Nop(), Metrics: obs})
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, request("PUT", []string{"users", "a"}, `1`), &captureSink{})
	f.dispatcher.Dispatch(ctx, request("GET", []string{"users", "ghost"}, ""), &captureSink{})

	if len(obs.results) != 2 {
		t.Fatalf("observations = %d, want 2", len(obs.results))
	}
	if obs.results[0] != "ok" || obs.results[1] != "error" {
		t.Errorf("results = %v, want [ok error]", obs.results)
	}
	if obs.labels[0] != "fallback:put" {
		t.Errorf("label = %s, want fallback:put", obs.labels[0])
	}
}

func TestSwapRebindsRoutes(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	next, err := manifest.Load([]byte(`{
		"sublevels": {
			"things": {
				"methods": {
					"get": {"type": "store", "op": "get"}
				}
			}
		}
	}`), f.registry)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.dispatcher.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	sink := &captureSink{}
	f.dispatcher.Dispatch(ctx, request("PUT", []string{"things", "t1"}, `{"v":1}`), sink)
	if sink.status != 200 {
		t.Errorf("PUT after swap status = %d", sink.status)
	}

	outcome := f.dispatcher.Call(ctx, []string{"users"}, "score", []any{"x", float64(1)})
	if !errors.Is(outcome.Err, manifest.ErrRouteNotFound) {
		t.Errorf("old route Err = %v, want ErrRouteNotFound after swap", outcome.Err)
	}
}

func TestSwapRejectsUnboundManifest(t *testing.T) {
	f := newFixture(t, app.Options{Logger: zerolog.Nop()})

	next, err := manifest.Load([]byte(`{
		"sublevels": {
			"things": {
				"methods": {
					"tally": {"type": "sync"}
				}
			}
		}
	}`), f.registry)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.dispatcher.Swap(next); err == nil {
		t.Fatal("Swap accepted a manifest with an unbound handler")
	}

	// The previous manifest keeps serving.
	outcome := f.dispatcher.Call(context.Background(), []string{"users"}, "score", []any{"x", float64(1)})
	if outcome.Err != nil {
		t.Errorf("old manifest broken after rejected swap: %v", outcome.Err)
	}
}

func TestDispatchRecoversPanickingHandler(t *testing.T) {
	reg := app.NewRegistry()
	reg.RegisterHandler("jobs/boom", func(ctx context.Context, store ports.Store, args []any) (any, error) {
		panic("handler exploded")
	})
	man, err := manifest.Load([]byte(`{
		"sublevels": {
			"jobs": {
				"methods": {
					"boom": {"type": "sync", "endpoint": {"method": "POST"}}
				}
			}
		}
	}`), reg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	provider := memory.NewProvider(memory.Options{})
	defer provider.Close()
	d, err := app.New(man, provider, reg, app.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &captureSink{}
	d.Dispatch(context.Background(), request("POST", []string{"jobs", "boom"}, ""), sink)
	if sink.status != 500 {
		t.Errorf("status = %d, want 500 from recovered panic", sink.status)
	}
}
