package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one pre-warmed context for one backing model.
type Entry struct {
	Model     string        `msgpack:"model" json:"model"`
	Handle    string        `msgpack:"handle" json:"handle"`
	CreatedAt time.Time     `msgpack:"created_at" json:"created_at"`
	TTL       time.Duration `msgpack:"ttl" json:"ttl"`
}

// Age returns how long ago the entry was created or last renewed.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// Expired reports whether the backend has dropped the context.
func (e Entry) Expired(now time.Time) bool { return e.Age(now) >= e.TTL }

// EntryStore persists cache entries keyed by model.
type EntryStore interface {
	Get(ctx context.Context, model string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, model string) error
	List(ctx context.Context) ([]Entry, error)
}

// MemoryStore is an in-process EntryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, model string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[model]
	return e, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Model] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, model)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

const entryPrefix = "context-cache/"

// BadgerStore persists entries in BadgerDB so a restarted server keeps using
// contexts that are still alive at the backend.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

// NewBadgerStore opens a BadgerStore.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("cache: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", opts.Dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(_ context.Context, model string) (Entry, bool, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entryPrefix + model))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get cache entry %s: %w", model, err)
	}
	return e, true, nil
}

func (s *BadgerStore) Put(_ context.Context, e Entry) error {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryPrefix+e.Model), data)
	})
}

func (s *BadgerStore) Delete(_ context.Context, model string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryPrefix + model))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *BadgerStore) List(_ context.Context) ([]Entry, error) {
	var out []Entry
	prefix := []byte(entryPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger output to slog, dropping debug and info noise.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error("badger", "message", fmt.Sprintf(f, v...))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn("badger", "message", fmt.Sprintf(f, v...))
}
func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
