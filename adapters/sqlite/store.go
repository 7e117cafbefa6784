// Package sqlite provides the SQLite-backed store provider. Keys live in
// one table partitioned by sublevel; range scans stream straight off the
// underlying cursor. SQLite has no change notification, so live streams
// are fed by an in-process hub that observes writes made through this
// provider.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/levelgate/domain/query"
	"github.com/artpar/levelgate/ports"
)

// Options configures a Provider.
type Options struct {
	// IDs enables the create and createKey extensions. Nil disables both.
	IDs ports.IDGenerator

	// LiveBuffer is the per-subscription change buffer; a full buffer
	// overflows the subscription. Defaults to 64.
	LiveBuffer int
}

// Provider implements ports.StoreProvider over a single SQLite database.
type Provider struct {
	db         *sql.DB
	ids        ports.IDGenerator
	hub        *hub
	liveBuffer int
}

// Open creates the provider, its schema, and connection pragmas.
func Open(dsn string, opts Options) (*Provider, error) {
	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			sublevel TEXT NOT NULL,
			k        TEXT NOT NULL,
			v        TEXT NOT NULL,
			PRIMARY KEY (sublevel, k)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	buffer := opts.LiveBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Provider{
		db:         db,
		ids:        opts.IDs,
		hub:        newHub(),
		liveBuffer: buffer,
	}, nil
}

// Sublevel implements ports.StoreProvider.
func (p *Provider) Sublevel(path []string) ports.Store {
	return &Store{p: p, name: strings.Join(path, "/")}
}

// Capabilities implements ports.StoreProvider.
func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Create: p.ids != nil, CreateKey: p.ids != nil}
}

// Close closes every subscription and the database.
func (p *Provider) Close() error {
	p.hub.closeAll()
	return p.db.Close()
}

// Store is one sublevel's view of the shared kv table.
type Store struct {
	p    *Provider
	name string
}

// Get implements ports.Store.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.p.db.QueryRowContext(ctx,
		`SELECT v FROM kv WHERE sublevel = ? AND k = ?`, s.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return json.RawMessage(value), nil
}

// Put implements ports.Store. The hub lock spans the write and the
// notification so subscribers observe changes in commit order.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage) error {
	s.p.hub.mu.Lock()
	defer s.p.hub.mu.Unlock()

	_, err := s.p.db.ExecContext(ctx, `
		INSERT INTO kv (sublevel, k, v) VALUES (?, ?, ?)
		ON CONFLICT(sublevel, k) DO UPDATE SET v = excluded.v
	`, s.name, key, string(value))
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	s.p.hub.publish(s.name, ports.Change{Type: ports.ChangePut, Key: key, Value: value})
	return nil
}

// Del implements ports.Store.
func (s *Store) Del(ctx context.Context, key string) error {
	s.p.hub.mu.Lock()
	defer s.p.hub.mu.Unlock()

	result, err := s.p.db.ExecContext(ctx,
		`DELETE FROM kv WHERE sublevel = ? AND k = ?`, s.name, key)
	if err != nil {
		return fmt.Errorf("sqlite del: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite del: %w", err)
	}
	if affected == 0 {
		return ports.ErrKeyNotFound
	}
	s.p.hub.publish(s.name, ports.Change{Type: ports.ChangeDel, Key: key})
	return nil
}

// ReadStream implements ports.Store.
func (s *Store) ReadStream(ctx context.Context, rng query.Range) (ports.Iterator, error) {
	return s.scan(ctx, rng, true)
}

// KeyStream implements ports.Store.
func (s *Store) KeyStream(ctx context.Context, rng query.Range) (ports.Iterator, error) {
	return s.scan(ctx, rng, false)
}

func (s *Store) scan(ctx context.Context, rng query.Range, withValues bool) (ports.Iterator, error) {
	cols := "k"
	if withValues {
		cols = "k, v"
	}
	sqlQuery := "SELECT " + cols + " FROM kv WHERE sublevel = ?"
	args := []any{s.name}

	if rng.GT != "" {
		sqlQuery += " AND k > ?"
		args = append(args, rng.GT)
	}
	if rng.GTE != "" {
		sqlQuery += " AND k >= ?"
		args = append(args, rng.GTE)
	}
	if rng.LT != "" {
		sqlQuery += " AND k < ?"
		args = append(args, rng.LT)
	}
	if rng.LTE != "" {
		sqlQuery += " AND k <= ?"
		args = append(args, rng.LTE)
	}

	if rng.Reverse {
		sqlQuery += " ORDER BY k DESC"
	} else {
		sqlQuery += " ORDER BY k ASC"
	}
	if rng.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, rng.Limit)
	}

	rows, err := s.p.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan: %w", err)
	}
	return &iterator{rows: rows, withValues: withValues}, nil
}

// LiveStream implements ports.Store.
func (s *Store) LiveStream(ctx context.Context, rng query.Range) (ports.Subscription, error) {
	return s.p.hub.subscribe(s.name, rng, s.p.liveBuffer), nil
}

// Create implements ports.Creator.
func (s *Store) Create(ctx context.Context, value json.RawMessage) (string, error) {
	key := s.p.ids.New()
	if err := s.Put(ctx, key, value); err != nil {
		return "", err
	}
	return key, nil
}

// CreateKey implements ports.KeyMinter.
func (s *Store) CreateKey(ctx context.Context, value json.RawMessage) (string, error) {
	return s.p.ids.New(), nil
}

// iterator pulls rows one at a time off the SQL cursor, so the consumer
// paces the scan.
type iterator struct {
	rows       *sql.Rows
	withValues bool
}

func (it *iterator) Next(ctx context.Context) (ports.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return ports.Entry{}, false, err
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return ports.Entry{}, false, fmt.Errorf("sqlite scan: %w", err)
		}
		return ports.Entry{}, false, nil
	}

	var entry ports.Entry
	if it.withValues {
		var value string
		if err := it.rows.Scan(&entry.Key, &value); err != nil {
			return ports.Entry{}, false, fmt.Errorf("sqlite scan: %w", err)
		}
		entry.Value = json.RawMessage(value)
	} else {
		if err := it.rows.Scan(&entry.Key); err != nil {
			return ports.Entry{}, false, fmt.Errorf("sqlite scan: %w", err)
		}
	}
	return entry, true, nil
}

func (it *iterator) Close() error {
	return it.rows.Close()
}

// hub fans committed changes out to live subscriptions.
type hub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: map[*subscription]struct{}{}}
}

func (h *hub) subscribe(sublevel string, rng query.Range, buffer int) *subscription {
	sub := &subscription{
		hub:      h,
		sublevel: sublevel,
		rng:      rng,
		ch:       make(chan ports.Change, buffer),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// publish delivers a change to matching subscribers. Callers hold h.mu.
// A full subscriber overflows and closes rather than dropping silently.
func (h *hub) publish(sublevel string, change ports.Change) {
	for sub := range h.subs {
		if sub.sublevel != sublevel || !sub.rng.Contains(change.Key) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			delete(h.subs, sub)
			sub.closeCh(ports.ErrStreamOverflow)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.closeCh(nil)
	}
	h.subs = map[*subscription]struct{}{}
}

func (h *hub) drop(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

type subscription struct {
	hub      *hub
	sublevel string
	rng      query.Range
	ch       chan ports.Change

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
	sub.hub.drop(sub)
	sub.closeCh(nil)
	return nil
}

func (sub *subscription) closeCh(err error) {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.ch)
	})
}
