// Package memory provides the in-memory store provider: sorted keys,
// snapshot range scans, and live change subscriptions. It backs tests
// and the default single-process deployment.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/artpar/levelgate/domain/query"
	"github.com/artpar/levelgate/ports"
)

// DefaultLiveBuffer is how many undelivered changes a subscription may
// hold before it overflows and closes with ports.ErrStreamOverflow.
const DefaultLiveBuffer = 64

// Options configures a Provider.
type Options struct {
	// LiveBuffer overrides DefaultLiveBuffer when positive.
	LiveBuffer int

	// IDs enables the createKey extension. Nil disables it.
	IDs ports.IDGenerator
}

// Provider hands out one Store per sublevel path.
type Provider struct {
	mu         sync.Mutex
	stores     map[string]*Store
	liveBuffer int
	ids        ports.IDGenerator
}

// NewProvider creates an empty in-memory provider.
func NewProvider(opts Options) *Provider {
	buffer := opts.LiveBuffer
	if buffer <= 0 {
		buffer = DefaultLiveBuffer
	}
	return &Provider{
		stores:     map[string]*Store{},
		liveBuffer: buffer,
		ids:        opts.IDs,
	}
}

// Sublevel implements ports.StoreProvider. Stores spring into existence
// on first access.
func (p *Provider) Sublevel(path []string) ports.Store {
	name := ""
	for i, seg := range path {
		if i > 0 {
			name += "/"
		}
		name += seg
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[name]
	if !ok {
		s = &Store{
			data:       map[string]json.RawMessage{},
			liveBuffer: p.liveBuffer,
			ids:        p.ids,
		}
		p.stores[name] = s
	}
	return s
}

// Capabilities implements ports.StoreProvider. The memory store has no
// native create; it mints keys when an ID generator is configured, so
// creates go through the createKey+put fallback.
func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Create: false, CreateKey: p.ids != nil}
}

// Close terminates every open subscription.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.stores {
		s.closeAll()
	}
	return nil
}

// Store is one sublevel's key-value namespace.
type Store struct {
	mu         sync.RWMutex
	data       map[string]json.RawMessage
	keys       []string // sorted ascending
	subs       []*subscription
	liveBuffer int
	ids        ports.IDGenerator
}

// Get implements ports.Store.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ports.ErrKeyNotFound
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, nil
}

// Put implements ports.Store. Subscribers observe puts in commit order:
// notification happens under the write lock.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	stored := make(json.RawMessage, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists {
		i := sort.SearchStrings(s.keys, key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.data[key] = stored
	s.notify(ports.Change{Type: ports.ChangePut, Key: key, Value: stored})
	return nil
}

// Del implements ports.Store.
func (s *Store) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists {
		return ports.ErrKeyNotFound
	}
	delete(s.data, key)
	i := sort.SearchStrings(s.keys, key)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	s.notify(ports.Change{Type: ports.ChangeDel, Key: key})
	return nil
}

// ReadStream implements ports.Store. The iterator sees a snapshot of the
// range taken at call time; a restart is a fresh call with the same query.
func (s *Store) ReadStream(ctx context.Context, rng query.Range) (ports.Iterator, error) {
	return &iterator{entries: s.snapshot(rng, true)}, nil
}

// KeyStream implements ports.Store.
func (s *Store) KeyStream(ctx context.Context, rng query.Range) (ports.Iterator, error) {
	return &iterator{entries: s.snapshot(rng, false)}, nil
}

// LiveStream implements ports.Store. Changes in the range are delivered
// in commit order until Close, provider shutdown, or overflow.
func (s *Store) LiveStream(ctx context.Context, rng query.Range) (ports.Subscription, error) {
	sub := &subscription{
		store: s,
		rng:   rng,
		ch:    make(chan ports.Change, s.liveBuffer),
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

// CreateKey implements ports.KeyMinter.
func (s *Store) CreateKey(ctx context.Context, value json.RawMessage) (string, error) {
	return s.ids.New(), nil
}

func (s *Store) snapshot(rng query.Range, withValues bool) []ports.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []ports.Entry
	for _, key := range s.keys {
		if !rng.Contains(key) {
			continue
		}
		entry := ports.Entry{Key: key}
		if withValues {
			value := s.data[key]
			entry.Value = make(json.RawMessage, len(value))
			copy(entry.Value, value)
		}
		entries = append(entries, entry)
	}

	if rng.Reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	if rng.Limit > 0 && len(entries) > rng.Limit {
		entries = entries[:rng.Limit]
	}
	return entries
}

// notify delivers a change to every matching subscriber. A subscriber
// whose buffer is full overflows: its channel closes with
// ports.ErrStreamOverflow instead of dropping the change silently.
// Callers hold s.mu.
func (s *Store) notify(change ports.Change) {
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if !sub.rng.Contains(change.Key) {
			kept = append(kept, sub)
			continue
		}
		select {
		case sub.ch <- change:
			kept = append(kept, sub)
		default:
			sub.fail(ports.ErrStreamOverflow)
		}
	}
	s.subs = kept
}

func (s *Store) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.fail(nil)
	}
	s.subs = nil
}

func (s *Store) drop(target *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

type iterator struct {
	entries []ports.Entry
	pos     int
	closed  bool
}

func (it *iterator) Next(ctx context.Context) (ports.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return ports.Entry{}, false, err
	}
	if it.closed || it.pos >= len(it.entries) {
		return ports.Entry{}, false, nil
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, true, nil
}

func (it *iterator) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}

type subscription struct {
	store *Store
	rng   query.Range
	ch    chan ports.Change

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (sub *subscription) Changes() <-chan ports.Change { return sub.ch }

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() error {
	sub.store.drop(sub)
	sub.closeCh(nil)
	return nil
}

// fail closes the subscription from the store side. Callers hold the
// store lock, which is what keeps close and send ordered.
func (sub *subscription) fail(err error) {
	sub.closeCh(err)
}

func (sub *subscription) closeCh(err error) {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.ch)
	})
}
