package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for the stored record types.
const (
	prefixSummary = "f:"       // summary data, keyed by FunctionID key
	prefixFile    = "x:file:"  // file index: x:file:<path>\x00<key>
	prefixLevel   = "x:level:" // level index: x:level:<level>\x00<key>

	// indexSep separates the index value from the summary key. NUL cannot
	// appear in file paths or function names.
	indexSep = "\x00"
)

// ErrReadOnly is returned for writes against a read-only index.
var ErrReadOnly = errors.New("storage: index opened read-only")

// BadgerBackend is a BadgerDB-backed results index.
type BadgerBackend struct {
	mu       sync.RWMutex
	db       *badger.DB
	readOnly bool
}

// NewBadgerBackend creates an uninitialized Badger backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithLoggingLevel(badger.ERROR)
	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger index: %w", err)
	}
	b.db = db
	b.readOnly = readOnly
	return nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// ReplaceAll drops every stored summary and writes the given set.
func (b *BadgerBackend) ReplaceAll(ctx context.Context, summaries []FunctionSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readOnly {
		return ErrReadOnly
	}

	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	return b.writeBatch(ctx, summaries)
}

// Upsert inserts or overwrites the given summaries.
func (b *BadgerBackend) Upsert(ctx context.Context, summaries []FunctionSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readOnly {
		return ErrReadOnly
	}

	// Drop stale index entries for summaries being replaced; their level
	// may have changed.
	for _, s := range summaries {
		if err := b.deleteByKey(s.Key()); err != nil {
			return err
		}
	}
	return b.writeBatch(ctx, summaries)
}

func (b *BadgerBackend) writeBatch(ctx context.Context, summaries []FunctionSummary) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshaling summary %s: %w", s.Key(), err)
		}
		if err := wb.Set([]byte(prefixSummary+s.Key()), data); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
		if err := wb.Set([]byte(fileIndexKey(s.ID.File, s.Key())), nil); err != nil {
			return fmt.Errorf("writing file index: %w", err)
		}
		if err := wb.Set([]byte(levelIndexKey(s.Level, s.Key())), nil); err != nil {
			return fmt.Errorf("writing level index: %w", err)
		}
	}
	return wb.Flush()
}

// RemoveByFile deletes every summary defined in path.
func (b *BadgerBackend) RemoveByFile(ctx context.Context, path string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readOnly {
		return 0, ErrReadOnly
	}

	keys, err := b.indexedKeys(prefixFile + path + indexSep)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := b.deleteByKey(key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// deleteByKey removes one summary and its index entries.
func (b *BadgerBackend) deleteByKey(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSummary + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var s FunctionSummary
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
			return err
		}

		if err := txn.Delete([]byte(prefixSummary + key)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(fileIndexKey(s.ID.File, key))); err != nil {
			return err
		}
		return txn.Delete([]byte(levelIndexKey(s.Level, key)))
	})
}

// Get returns the summary stored under key, or nil.
func (b *BadgerBackend) Get(ctx context.Context, key string) (*FunctionSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var s *FunctionSummary
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSummary + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			s = &FunctionSummary{}
			return json.Unmarshal(val, s)
		})
	})
	return s, err
}

// ByFile returns the summaries defined in path.
func (b *BadgerBackend) ByFile(ctx context.Context, path string) ([]FunctionSummary, error) {
	return b.byIndex(prefixFile + path + indexSep)
}

// ByLevel returns the summaries with the given classification.
func (b *BadgerBackend) ByLevel(ctx context.Context, level string) ([]FunctionSummary, error) {
	return b.byIndex(prefixLevel + level + indexSep)
}

func (b *BadgerBackend) byIndex(indexPrefix string) ([]FunctionSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys, err := b.indexedKeys(indexPrefix)
	if err != nil {
		return nil, err
	}

	summaries := make([]FunctionSummary, 0, len(keys))
	err = b.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(prefixSummary + key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var s FunctionSummary
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			summaries = append(summaries, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(summaries)
	return summaries, nil
}

// indexedKeys collects the summary keys stored under an index prefix.
func (b *BadgerBackend) indexedKeys(indexPrefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(indexPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			full := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(full, indexPrefix))
		}
		return nil
	})
	return keys, err
}

// All returns every stored summary.
func (b *BadgerBackend) All(ctx context.Context) ([]FunctionSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var summaries []FunctionSummary
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSummary)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var s FunctionSummary
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
				return err
			}
			summaries = append(summaries, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Count returns the number of stored summaries.
func (b *BadgerBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSummary)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func fileIndexKey(path, key string) string {
	return prefixFile + path + indexSep + key
}

func levelIndexKey(level, key string) string {
	return prefixLevel + level + indexSep + key
}
