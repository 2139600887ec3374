// Package cache persists per-function purity results between runs.
//
// The cache is an explicit object acquired at the start of a run and saved
// at the end, never a process-wide singleton. A stored entry is served only
// when the function's content hash, its dependency-results hash, and the
// defining file's mtime all still match, which is what makes cached
// propagation results safe: a change anywhere in a function's dependency
// cone changes its dependency hash and silently misses.
package cache

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/puretrace/puretrace/internal/callgraph"
	"github.com/puretrace/puretrace/internal/purity"
)

const (
	// DirName is the project-relative hidden directory holding all
	// persisted analysis state.
	DirName = ".puretrace"

	// FileName is the cache file inside DirName.
	FileName = "results.bin"

	// fileVersion is bumped on any incompatible change to Entry or the
	// envelope. A mismatch on load discards the file.
	fileVersion uint32 = 1
)

// Entry is one persisted result together with the fingerprints it was
// computed under.
type Entry struct {
	ContentHash uint64
	DepsHash    uint64
	Mtime       int64
	Result      purity.PropertyResult
}

// envelope is the on-disk gob schema.
type envelope struct {
	Version uint32
	Entries map[callgraph.FunctionID]Entry
}

// Stats counts cache effectiveness over one run.
type Stats struct {
	Hits   int
	Misses int
	Size   int
}

// Cache is the in-memory working copy of the persisted result file.
type Cache struct {
	mu      sync.RWMutex
	path    string
	entries map[callgraph.FunctionID]Entry
	hits    int
	misses  int
	logger  *slog.Logger
}

// Load reads the cache file under root. A missing file, a version
// mismatch, or a corrupt file all yield an empty cache; none of them is an
// error. The degraded cases are logged and the next Save rewrites the file.
func Load(root string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		path:    filepath.Join(root, DirName, FileName),
		entries: make(map[callgraph.FunctionID]Entry),
		logger:  logger,
	}

	f, err := os.Open(c.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cache file unreadable, starting empty", "path", c.path, "error", err)
		}
		return c
	}
	defer f.Close()

	var env envelope
	if err := gob.NewDecoder(f).Decode(&env); err != nil {
		logger.Warn("cache file corrupt, starting empty", "path", c.path, "error", err)
		return c
	}
	if env.Version != fileVersion {
		logger.Warn("cache version mismatch, starting empty",
			"path", c.path, "found", env.Version, "want", fileVersion)
		return c
	}

	c.entries = env.Entries
	if c.entries == nil {
		c.entries = make(map[callgraph.FunctionID]Entry)
	}
	logger.Debug("cache loaded", "path", c.path, "entries", len(c.entries))
	return c
}

// Get returns the stored result for id when all three fingerprints match.
func (c *Cache) Get(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64) (purity.PropertyResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.ContentHash != contentHash || e.DepsHash != depsHash || e.Mtime != mtime {
		c.misses++
		return purity.PropertyResult{}, false
	}
	c.hits++
	return e.Result, true
}

// Put stores a freshly computed result, replacing any previous entry.
func (c *Cache) Put(id callgraph.FunctionID, contentHash, depsHash uint64, mtime int64, res purity.PropertyResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = Entry{
		ContentHash: contentHash,
		DepsHash:    depsHash,
		Mtime:       mtime,
		Result:      res,
	}
}

// InvalidateFile removes every entry whose function is defined in path and
// returns how many were dropped. Entries for other files are untouched;
// callers of the invalidated functions miss on their own through the
// dependency hash.
func (c *Cache) InvalidateFile(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id := range c.entries {
		if id.File == path {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache entries invalidated", "file", path, "removed", removed)
	}
	return removed
}

// Stats returns the hit/miss counters for this run and the current entry
// count.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// Save writes the cache atomically: the envelope goes to a temp file in
// the same directory, then rename replaces the old file, so a crash
// mid-write leaves the previous cache intact.
func (c *Cache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	env := envelope{Version: fileVersion, Entries: c.entries}
	if err := gob.NewEncoder(tmp).Encode(env); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}

	c.logger.Debug("cache saved", "path", c.path, "entries", len(c.entries))
	return nil
}
