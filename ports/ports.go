// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/artpar/levelgate/domain/query"
)

// ErrKeyNotFound is returned by Get and Del when the key is absent.
var ErrKeyNotFound = errors.New("store: key not found")

// ErrStreamOverflow is reported by a Subscription whose consumer fell
// behind far enough that a change could not be retained. Changes are
// never dropped silently; the subscription closes with this error.
var ErrStreamOverflow = errors.New("store: subscription overflow, change dropped")

// Entry is one record produced by a range scan. Key streams leave Value nil.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// ChangeType classifies a live change event.
type ChangeType string

const (
	ChangePut ChangeType = "put"
	ChangeDel ChangeType = "del"
)

// Change is one committed store mutation, delivered in commit order.
type Change struct {
	Type  ChangeType
	Key   string
	Value json.RawMessage // nil for ChangeDel
}

// Iterator is a pull-based finite sequence over a key range. Each Next
// call produces at most one element, so the consumer controls pacing.
type Iterator interface {
	// Next returns the next entry. ok is false when the range is
	// exhausted; err reports a store failure mid-scan.
	Next(ctx context.Context) (entry Entry, ok bool, err error)

	// Close releases the scan. Safe to call more than once.
	Close() error
}

// Subscription is a live change feed for a key range. The channel closes
// when the subscription is closed, the producing store shuts down, or an
// overflow occurs; Err distinguishes the overflow case.
type Subscription interface {
	Changes() <-chan Change

	// Err returns ErrStreamOverflow after an overflow close, nil otherwise.
	Err() error

	// Close cancels the subscription and releases it at the source.
	// Safe to call more than once.
	Close() error
}

// Store is the capability surface one sublevel exposes: the six primitives
// every backend must provide.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Del(ctx context.Context, key string) error
	ReadStream(ctx context.Context, rng query.Range) (Iterator, error)
	KeyStream(ctx context.Context, rng query.Range) (Iterator, error)
	LiveStream(ctx context.Context, rng query.Range) (Subscription, error)
}

// Creator is the optional create extension: the store assigns a key,
// writes the value, and returns the key.
type Creator interface {
	Create(ctx context.Context, value json.RawMessage) (string, error)
}

// KeyMinter is the optional createKey extension: mint a fresh key for a
// value without writing it.
type KeyMinter interface {
	CreateKey(ctx context.Context, value json.RawMessage) (string, error)
}

// Capabilities reports which optional extensions a provider supports.
// Checked once at startup so the dispatcher never probes per request.
type Capabilities struct {
	Create    bool
	CreateKey bool
}

// StoreProvider hands out namespaced stores, one per sublevel path.
type StoreProvider interface {
	// Sublevel returns the store for a sublevel path. The root store has
	// an empty path. Implementations must return a usable store for any
	// path; namespaces spring into existence on first write.
	Sublevel(path []string) Store

	Capabilities() Capabilities

	Close() error
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Metrics receives dispatch and stream lifecycle observations.
type Metrics interface {
	ObserveDispatch(verb, route, status string, elapsed time.Duration)
	StreamOpened(kind string)
	StreamClosed(kind string)
	StreamEvent(kind string)
	ManifestReload(ok bool)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ObserveDispatch(string, string, string, time.Duration) {}
func (NopMetrics) StreamOpened(string)                                   {}
func (NopMetrics) StreamClosed(string)                                   {}
func (NopMetrics) StreamEvent(string)                                    {}
func (NopMetrics) ManifestReload(bool)                                   {}
