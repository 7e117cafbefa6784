package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/query"
	"github.com/artpar/levelgate/domain/schema"
	"github.com/artpar/levelgate/domain/transform"
	"github.com/artpar/levelgate/ports"
)

// errNotSupported reports a create/createKey invocation against a
// provider that supports neither extension.
var errNotSupported = errors.New("dispatch: store does not support create or createKey")

// Outcome is the result of one method invocation: exactly one of Value,
// Err, Scan, or Live is meaningful.
type Outcome struct {
	Value    any
	Err      error
	Scan     ports.Iterator
	KeysOnly bool
	Live     ports.Subscription
}

// reqState tracks a request through the dispatch state machine. Every
// state has an error edge to stateFailed.
type reqState int

const (
	stateMatched reqState = iota
	stateTransforming
	stateInvoking
	stateResponding
	stateDone
	stateFailed
)

func (s reqState) String() string {
	switch s {
	case stateMatched:
		return "matched"
	case stateTransforming:
		return "transforming"
	case stateInvoking:
		return "invoking"
	case stateResponding:
		return "responding"
	case stateDone:
		return "done"
	}
	return "failed"
}

// Options configures a Dispatcher.
type Options struct {
	// StrictReturns validates method return values against their
	// declared schemas. Off by default so return-shape drift degrades
	// gracefully instead of breaking clients.
	StrictReturns bool

	Metrics ports.Metrics
	Logger  zerolog.Logger
}

// snapshot is one immutable manifest binding: the manifest plus every
// resolved transform and handler. Swapped atomically on hot reload;
// in-flight requests keep the snapshot they started with.
type snapshot struct {
	man      *manifest.Manifest
	reqT     map[*manifest.MethodDef]transform.RequestFunc
	respT    map[*manifest.MethodDef]transform.ResponseFunc
	handlers map[*manifest.MethodDef]Handler
}

// Dispatcher routes requests to bound methods and drives their responses.
// One state-machine instance runs per in-flight request; the dispatcher
// itself holds only immutable or atomically-swapped state.
type Dispatcher struct {
	snap     atomic.Pointer[snapshot]
	provider ports.StoreProvider
	reg      *Registry
	caps     ports.Capabilities
	strict   bool
	metrics  ports.Metrics
	log      zerolog.Logger
}

// New builds a dispatcher over a loaded manifest. Binding is eager:
// a method without a registered handler, an unresolvable transform, or
// a store op the provider cannot serve fails construction.
func New(man *manifest.Manifest, provider ports.StoreProvider, reg *Registry, opts Options) (*Dispatcher, error) {
	if opts.Metrics == nil {
		opts.Metrics = ports.NopMetrics{}
	}
	d := &Dispatcher{
		provider: provider,
		reg:      reg,
		caps:     provider.Capabilities(),
		strict:   opts.StrictReturns,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	if err := d.Swap(man); err != nil {
		return nil, err
	}
	return d, nil
}

// Swap atomically installs a new manifest. Requests already in flight
// finish against the snapshot they started with.
func (d *Dispatcher) Swap(man *manifest.Manifest) error {
	snap := &snapshot{
		man:      man,
		reqT:     map[*manifest.MethodDef]transform.RequestFunc{},
		respT:    map[*manifest.MethodDef]transform.ResponseFunc{},
		handlers: map[*manifest.MethodDef]Handler{},
	}

	var bindErr error
	man.Walk(func(s *manifest.Sublevel) {
		for _, m := range s.Methods {
			if bindErr != nil {
				return
			}
			switch m.Kind {
			case manifest.KindAsync, manifest.KindSync:
				h, ok := d.reg.Handler(s.Path, m.Name)
				if !ok {
					bindErr = fmt.Errorf("dispatch: no handler registered for %q", qualifiedName(s.Path, m.Name))
					return
				}
				snap.handlers[m] = h
			case manifest.KindStore:
				if m.Op == manifest.OpCreateKey && !d.caps.CreateKey {
					bindErr = fmt.Errorf("dispatch: method %q needs createKey, store does not support it", m.Name)
					return
				}
				if m.Op == manifest.OpCreate && !d.caps.Create && !d.caps.CreateKey {
					bindErr = fmt.Errorf("dispatch: method %q needs create, store supports neither create nor createKey", m.Name)
					return
				}
				// Stream responses are written element by element as
				// they arrive; there is no buffered value a response
				// transform could rewrite. Fail the bind rather than
				// install a transform that would never run.
				if m.Op.Streams() && m.ResponseTransform != "" {
					bindErr = fmt.Errorf("dispatch: method %q: response transform %q cannot apply to stream op %q", m.Name, m.ResponseTransform, m.Op)
					return
				}
			}

			reqT, err := d.reg.RequestTransform(m.RequestTransform)
			if err != nil {
				bindErr = fmt.Errorf("dispatch: method %q: %w", m.Name, err)
				return
			}
			if reqT != nil {
				snap.reqT[m] = reqT
			}
			respT, err := d.reg.ResponseTransform(m.ResponseTransform)
			if err != nil {
				bindErr = fmt.Errorf("dispatch: method %q: %w", m.Name, err)
				return
			}
			if respT != nil {
				snap.respT[m] = respT
			}
		}
	})
	if bindErr != nil {
		return bindErr
	}

	d.snap.Store(snap)
	return nil
}

// Manifest returns the currently installed manifest.
func (d *Dispatcher) Manifest() *manifest.Manifest {
	return d.snap.Load().man
}

// Dispatch routes one normalized request and writes its response to the
// sink. Per-request failures never escape: every error becomes a wire
// response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *manifest.Request, sink Sink) {
	start := time.Now()
	snap := d.snap.Load()
	state := stateMatched
	label := "none"

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("verb", req.Method).Msg("dispatch panic recovered")
			writeJSON(sink, 500, []byte(`{"message":"internal error"}`))
			state = stateFailed
		}
		d.metrics.ObserveDispatch(req.Method, label, stateStatus(state), time.Since(start))
	}()

	result, err := snap.man.Match(req)
	if err != nil {
		state = stateFailed
		status, body := d.errorResponse(nil, err)
		writeJSON(sink, status, body)
		d.logRequest(req, label, state, status)
		return
	}
	label = routeLabel(result)

	outcome := d.run(ctx, snap, req, result, &state)

	state = stateResponding
	status := d.respond(ctx, snap, result.Method, outcome, sink)
	if outcome.Err != nil {
		state = stateFailed
	} else {
		state = stateDone
	}
	d.logRequest(req, label, state, status)
}

// Call invokes a method through the procedure-call protocol: sublevel
// path, method name, argument tuple. No HTTP metadata is involved, and
// no request transform runs; the tuple is validated and invoked as given.
func (d *Dispatcher) Call(ctx context.Context, path []string, method string, args []any) Outcome {
	snap := d.snap.Load()

	sub, ok := snap.man.Sublevel(path)
	if !ok {
		return Outcome{Err: fmt.Errorf("sublevel %v: %w", path, manifest.ErrRouteNotFound)}
	}
	m, ok := sub.Method(method)
	if !ok {
		return Outcome{Err: fmt.Errorf("method %q: %w", method, manifest.ErrRouteNotFound)}
	}

	if err := transform.ValidateArgs(m, args); err != nil {
		return Outcome{Err: err}
	}

	store := d.provider.Sublevel(sub.Path)
	if m.Kind == manifest.KindStore {
		call, err := storeCallFromArgs(m.Op, args)
		if err != nil {
			return Outcome{Err: err}
		}
		return d.storeOp(ctx, store, m.Op, call)
	}

	value, err := snap.handlers[m](ctx, store, args)
	return Outcome{Value: value, Err: err}
}

// CallAndRespond runs Call and drives the outcome to the sink using the
// method's response transform, exactly like the HTTP surface does.
func (d *Dispatcher) CallAndRespond(ctx context.Context, path []string, method string, args []any, sink Sink) {
	start := time.Now()
	snap := d.snap.Load()
	label := "rpc:" + qualifiedName(path, method)

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("method", method).Msg("call panic recovered")
			writeJSON(sink, 500, []byte(`{"message":"internal error"}`))
		}
	}()

	outcome := d.Call(ctx, path, method, args)

	var m *manifest.MethodDef
	if sub, ok := snap.man.Sublevel(path); ok {
		m, _ = sub.Method(method)
	}
	status := d.respond(ctx, snap, m, outcome, sink)
	result := "ok"
	if status >= 400 {
		result = "error"
	}
	d.metrics.ObserveDispatch("CALL", label, result, time.Since(start))
}

// run drives a matched request through transforming and invoking.
func (d *Dispatcher) run(ctx context.Context, snap *snapshot, req *manifest.Request, result manifest.MatchResult, state *reqState) Outcome {
	store := d.provider.Sublevel(result.Sublevel.Path)

	if m := result.Method; m != nil {
		*state = stateTransforming
		if m.Kind == manifest.KindStore {
			return d.invokeStoreMethod(ctx, store, m, req, snap.reqT[m], state)
		}
		args, err := transform.ToArgs(m, req, snap.reqT[m])
		if err != nil {
			return Outcome{Err: err}
		}
		*state = stateInvoking
		value, err := snap.handlers[m](ctx, store, args)
		return Outcome{Value: value, Err: err}
	}

	*state = stateInvoking
	return d.invokeFallback(ctx, store, result, req)
}

// invokeStoreMethod binds a store-op method's call parameters, either
// from a custom request transform's tuple or straight off the request.
func (d *Dispatcher) invokeStoreMethod(ctx context.Context, store ports.Store, m *manifest.MethodDef, req *manifest.Request, custom transform.RequestFunc, state *reqState) Outcome {
	var call storeCall
	if custom != nil {
		args, err := transform.ToArgs(m, req, custom)
		if err != nil {
			return Outcome{Err: err}
		}
		call, err = storeCallFromArgs(m.Op, args)
		if err != nil {
			return Outcome{Err: err}
		}
	} else {
		var err error
		call, err = storeCallFromRequest(m, req)
		if err != nil {
			return Outcome{Err: err}
		}
	}

	*state = stateInvoking
	return d.storeOp(ctx, store, m.Op, call)
}

// invokeFallback executes a convention route against the store.
func (d *Dispatcher) invokeFallback(ctx context.Context, store ports.Store, result manifest.MatchResult, req *manifest.Request) Outcome {
	switch result.Fallback {
	case manifest.FallbackGet:
		return d.storeOp(ctx, store, manifest.OpGet, storeCall{key: result.Key})

	case manifest.FallbackPut:
		if !json.Valid(req.Body) {
			return Outcome{Err: &transform.ArgumentError{Method: "put", Reason: "body must be valid JSON"}}
		}
		return d.storeOp(ctx, store, manifest.OpPut, storeCall{key: result.Key, value: req.Body})

	case manifest.FallbackDel:
		return d.storeOp(ctx, store, manifest.OpDel, storeCall{key: result.Key})

	case manifest.FallbackCreate:
		if !json.Valid(req.Body) {
			return Outcome{Err: &transform.ArgumentError{Method: "create", Reason: "body must be valid JSON"}}
		}
		return d.storeOp(ctx, store, manifest.OpCreate, storeCall{value: req.Body})

	case manifest.FallbackReadStream:
		return d.storeOp(ctx, store, manifest.OpReadStream, storeCall{rng: req.Query})

	case manifest.FallbackLiveStream:
		return d.storeOp(ctx, store, manifest.OpLiveStream, storeCall{rng: req.Query})

	case manifest.FallbackDelRange:
		return d.delRange(ctx, store, req.Query)
	}
	return Outcome{Err: manifest.ErrRouteNotFound}
}

// delRange deletes every key the range produces, in key order.
func (d *Dispatcher) delRange(ctx context.Context, store ports.Store, rng query.Range) Outcome {
	it, err := store.KeyStream(ctx, rng)
	if err != nil {
		return Outcome{Err: err}
	}
	defer it.Close()

	deleted := 0
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return Outcome{Err: err}
		}
		if !ok {
			break
		}
		if err := store.Del(ctx, entry.Key); err != nil && !errors.Is(err, ports.ErrKeyNotFound) {
			return Outcome{Err: err}
		}
		deleted++
	}
	return Outcome{Value: map[string]any{"deleted": deleted}}
}

// storeCall is a typed store-primitive invocation.
type storeCall struct {
	key   string
	value json.RawMessage
	rng   query.Range
}

// storeCallFromRequest applies the default convention to a store-op
// method: key suffix, JSON body, decoded range query.
func storeCallFromRequest(m *manifest.MethodDef, req *manifest.Request) (storeCall, error) {
	switch m.Op {
	case manifest.OpGet, manifest.OpDel:
		key := req.Key()
		if key == "" {
			return storeCall{}, &transform.ArgumentError{Method: m.Name, Reason: "key is required"}
		}
		return storeCall{key: key}, nil

	case manifest.OpPut:
		key := req.Key()
		if key == "" {
			return storeCall{}, &transform.ArgumentError{Method: m.Name, Reason: "key is required"}
		}
		if !json.Valid(req.Body) {
			return storeCall{}, &transform.ArgumentError{Method: m.Name, Reason: "body must be valid JSON"}
		}
		return storeCall{key: key, value: req.Body}, nil

	case manifest.OpCreate, manifest.OpCreateKey:
		if !json.Valid(req.Body) {
			return storeCall{}, &transform.ArgumentError{Method: m.Name, Reason: "body must be valid JSON"}
		}
		return storeCall{value: req.Body}, nil

	default: // stream ops
		return storeCall{rng: req.Query}, nil
	}
}

// storeCallFromArgs interprets a tuple (from a custom transform or the
// procedure-call protocol) as store-primitive parameters.
func storeCallFromArgs(op manifest.StoreOp, args []any) (storeCall, error) {
	argString := func(i int) (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("store %s: missing argument %d", op, i)
		}
		s, ok := args[i].(string)
		if !ok {
			return "", fmt.Errorf("store %s: argument %d must be a string key", op, i)
		}
		return s, nil
	}
	argJSON := func(i int) (json.RawMessage, error) {
		if i >= len(args) {
			return nil, fmt.Errorf("store %s: missing argument %d", op, i)
		}
		raw, err := json.Marshal(args[i])
		if err != nil {
			return nil, fmt.Errorf("store %s: argument %d: %w", op, i, err)
		}
		return raw, nil
	}

	switch op {
	case manifest.OpGet, manifest.OpDel:
		key, err := argString(0)
		if err != nil {
			return storeCall{}, &transform.Error{Stage: "request", Err: err}
		}
		return storeCall{key: key}, nil

	case manifest.OpPut:
		key, err := argString(0)
		if err != nil {
			return storeCall{}, &transform.Error{Stage: "request", Err: err}
		}
		value, err := argJSON(1)
		if err != nil {
			return storeCall{}, &transform.Error{Stage: "request", Err: err}
		}
		return storeCall{key: key, value: value}, nil

	case manifest.OpCreate, manifest.OpCreateKey:
		value, err := argJSON(0)
		if err != nil {
			return storeCall{}, &transform.Error{Stage: "request", Err: err}
		}
		return storeCall{value: value}, nil

	default: // stream ops take an optional range object
		var raw any
		if len(args) > 0 {
			raw = args[0]
		}
		rng, err := query.FromValue(raw)
		if err != nil {
			return storeCall{}, &transform.Error{Stage: "request", Err: err}
		}
		return storeCall{rng: rng}, nil
	}
}

// storeOp calls one store primitive. Create falls back to createKey+put
// when the provider lacks the create extension; capability checks
// happened at bind time, so the assertions here cannot fail for bound
// methods.
func (d *Dispatcher) storeOp(ctx context.Context, store ports.Store, op manifest.StoreOp, call storeCall) Outcome {
	switch op {
	case manifest.OpGet:
		value, err := store.Get(ctx, call.key)
		return Outcome{Value: value, Err: err}

	case manifest.OpPut:
		if err := store.Put(ctx, call.key, call.value); err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Value: map[string]any{"ok": true, "key": call.key}}

	case manifest.OpDel:
		if err := store.Del(ctx, call.key); err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Value: map[string]any{"ok": true}}

	case manifest.OpCreate:
		key, err := d.create(ctx, store, call.value)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Value: map[string]any{"key": key}}

	case manifest.OpCreateKey:
		minter, ok := store.(ports.KeyMinter)
		if !ok {
			return Outcome{Err: errNotSupported}
		}
		key, err := minter.CreateKey(ctx, call.value)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Value: map[string]any{"key": key}}

	case manifest.OpReadStream:
		it, err := store.ReadStream(ctx, call.rng)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Scan: it}

	case manifest.OpKeyStream:
		it, err := store.KeyStream(ctx, call.rng)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Scan: it, KeysOnly: true}

	case manifest.OpLiveStream:
		sub, err := store.LiveStream(ctx, call.rng)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Live: sub}
	}
	return Outcome{Err: fmt.Errorf("dispatch: unknown store op %q", op)}
}

// create prefers the store's create extension and falls back to minting
// a key and writing the value.
func (d *Dispatcher) create(ctx context.Context, store ports.Store, value json.RawMessage) (string, error) {
	if d.caps.Create {
		creator, ok := store.(ports.Creator)
		if ok {
			return creator.Create(ctx, value)
		}
	}
	if d.caps.CreateKey {
		minter, ok := store.(ports.KeyMinter)
		if ok {
			key, err := minter.CreateKey(ctx, value)
			if err != nil {
				return "", err
			}
			if err := store.Put(ctx, key, value); err != nil {
				return "", err
			}
			return key, nil
		}
	}
	return "", errNotSupported
}

// respond drives an outcome to the sink and returns the wire status.
func (d *Dispatcher) respond(ctx context.Context, snap *snapshot, m *manifest.MethodDef, outcome Outcome, sink Sink) int {
	if outcome.Err == nil && outcome.Scan != nil {
		d.drainScan(ctx, outcome.Scan, outcome.KeysOnly, sink)
		return 200
	}
	if outcome.Err == nil && outcome.Live != nil {
		d.drainLive(ctx, outcome.Live, sink)
		return 200
	}

	if m != nil {
		if custom := snap.respT[m]; custom != nil {
			status, body, err := custom(m, outcome.Value, outcome.Err)
			if err == nil {
				writeJSON(sink, status, body)
				return status
			}
			outcome = Outcome{Err: err}
		}
	}

	if outcome.Err != nil {
		status, body := d.errorResponse(m, outcome.Err)
		writeJSON(sink, status, body)
		return status
	}

	body, err := transform.ValueBody(m, outcome.Value, d.strict)
	if err != nil {
		status, errBody := d.errorResponse(m, err)
		writeJSON(sink, status, errBody)
		return status
	}
	writeJSON(sink, 200, body)
	return 200
}

// errorResponse maps an invocation error to a wire status and body.
// Declared error schemas are consulted first, in declaration order;
// unmatched errors fall back to the taxonomy defaults.
func (d *Dispatcher) errorResponse(m *manifest.MethodDef, err error) (int, []byte) {
	value := transform.ErrorValue(err)
	body, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		return 500, []byte(`{"message":"internal error"}`)
	}

	if m != nil {
		if code, ok := transform.MatchError(m, value); ok {
			return code, body
		}
	}

	var argErr *transform.ArgumentError
	var tErr *transform.Error
	switch {
	case errors.Is(err, manifest.ErrRouteNotFound):
		return 404, body
	case errors.Is(err, ports.ErrKeyNotFound):
		return 404, body
	case errors.As(err, &argErr), errors.Is(err, schema.ErrMalformedSchema):
		return 400, body
	case errors.Is(err, errNotSupported):
		return 501, body
	case errors.As(err, &tErr):
		return 500, body
	}
	return 500, body // opaque store or handler failure
}

func (d *Dispatcher) logRequest(req *manifest.Request, label string, state reqState, status int) {
	d.log.Debug().
		Str("verb", req.Method).
		Strs("path", req.Path).
		Str("route", label).
		Str("state", state.String()).
		Int("status", status).
		Msg("dispatched")
}

func routeLabel(result manifest.MatchResult) string {
	if result.Method != nil {
		return qualifiedName(result.Sublevel.Path, result.Method.Name)
	}
	return "fallback:" + result.Fallback.String()
}

func stateStatus(state reqState) string {
	if state == stateDone {
		return "ok"
	}
	return "error"
}

func writeJSON(sink Sink, status int, body []byte) {
	sink.WriteHead(status, "application/json")
	_ = sink.Write(body)
	sink.Flush()
}
