package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jonboulle/clockwork"
)

// Default limits.
const (
	DefaultMaxBytes   = 5 << 30
	DefaultMaxEntries = 100_000
	DefaultTTL        = 30 * 24 * time.Hour
)

// ShortKeyLen is the key prefix exposed to clients.
const ShortKeyLen = 16

const (
	fileExt   = ".mp3"
	tmpPrefix = ".tmp-"
	keyLen    = sha256.Size * 2
)

// Request holds the parameters that determine the synthesized audio.
type Request struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Rate   string `json:"rate"`
	Pitch  string `json:"pitch"`
	Volume string `json:"volume"`
}

// Key returns the hex SHA-256 of the request parameters.
func Key(r Request) string {
	b, _ := json.Marshal(r)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ShortKey truncates key to ShortKeyLen characters.
func ShortKey(key string) string {
	if len(key) > ShortKeyLen {
		return key[:ShortKeyLen]
	}
	return key
}

// Config contains configuration for a Cache.
type Config struct {
	// Dir holds one file per entry. Empty keeps payloads in memory.
	Dir string

	// MaxBytes caps the total payload size. Default: 5 GiB
	MaxBytes int64

	// MaxEntries caps the number of entries. Default: 100000
	MaxEntries int

	// TTL is the age at which an entry stops being served. Default: 30 days
	TTL time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Backend   string  `json:"backend"`
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type entry struct {
	key      string
	size     int64
	storedAt time.Time

	// data is set in memory mode only.
	data []byte
}

// Cache is a size-bounded LRU of audio payloads. It is safe for concurrent
// use.
type Cache struct {
	dir      string
	maxBytes int64
	ttl      time.Duration
	clock    clockwork.Clock
	metrics  *Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	index     *simplelru.LRU
	bytes     int64
	hits      int64
	misses    int64
	evictions int64
}

// New creates a Cache. With a Dir, the directory is created if needed and
// existing entries are loaded oldest first.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "cache")
	}

	c := &Cache{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	index, err := simplelru.NewLRU(cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	c.index = index

	if c.dir != "" {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		if err := c.load(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the payload for key. Expired or unreadable entries are
// removed and reported as a miss. In memory mode the returned slice is
// shared and must not be modified.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	v, ok := c.index.Get(key)
	if !ok {
		c.countLocked(false)
		c.mu.Unlock()
		return nil, false
	}
	e := v.(*entry)
	if c.expired(e.storedAt, c.clock.Now()) {
		c.index.Remove(key)
		c.countLocked(false)
		c.mu.Unlock()
		return nil, false
	}
	if c.dir == "" {
		c.countLocked(true)
		c.mu.Unlock()
		return e.data, true
	}
	c.mu.Unlock()

	data, err := os.ReadFile(c.path(key))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Only drop the entry that was read; a concurrent Put may have
		// replaced it.
		if cur, ok := c.index.Peek(key); ok && cur == e {
			c.index.Remove(key)
		}
		c.logger.Warn("cached audio unreadable", "key", ShortKey(key), "error", err)
		c.countLocked(false)
		return nil, false
	}
	c.countLocked(true)
	return data, true
}

// Put stores audio under key. Empty payloads and payloads larger than
// MaxBytes are ignored.
func (c *Cache) Put(key string, audio []byte) error {
	size := int64(len(audio))
	if size == 0 || size > c.maxBytes {
		return nil
	}
	e := &entry{key: key, size: size, storedAt: c.clock.Now()}

	if c.dir == "" {
		e.data = append([]byte(nil), audio...)
		c.mu.Lock()
		c.addLocked(e)
		c.mu.Unlock()
		return nil
	}

	tmp, err := os.CreateTemp(c.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store cache file: %w", err)
	}
	c.addLocked(e)
	return nil
}

// PruneExpired removes entries older than TTL and returns how many were
// removed. The lock is taken once per entry.
func (c *Cache) PruneExpired() int {
	c.mu.Lock()
	keys := c.index.Keys()
	c.mu.Unlock()

	removed := 0
	for _, k := range keys {
		c.mu.Lock()
		if v, ok := c.index.Peek(k); ok && c.expired(v.(*entry).storedAt, c.clock.Now()) {
			c.index.Remove(k)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Backend:   "memory",
		Entries:   c.index.Len(),
		SizeBytes: c.bytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if c.dir != "" {
		st.Backend = "file"
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key+fileExt)
}

func (c *Cache) expired(storedAt, now time.Time) bool {
	return now.Sub(storedAt) >= c.ttl
}

func (c *Cache) countLocked(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.metrics.lookup(hit)
}

// addLocked inserts e and evicts until the size bound holds.
// Caller must hold the lock.
func (c *Cache) addLocked(e *entry) {
	if old, ok := c.index.Peek(e.key); ok {
		c.bytes -= old.(*entry).size
	}
	c.index.Add(e.key, e)
	c.bytes += e.size
	for c.bytes > c.maxBytes && c.index.Len() > 0 {
		c.index.RemoveOldest()
	}
	c.metrics.setBytes(c.bytes)
}

// onEvict runs under the lock for every removal from the index.
func (c *Cache) onEvict(key, value interface{}) {
	e := value.(*entry)
	c.bytes -= e.size
	c.evictions++
	c.metrics.evicted()
	c.metrics.setBytes(c.bytes)

	if c.dir == "" {
		return
	}
	if err := os.Remove(c.path(e.key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to remove cached audio", "key", ShortKey(e.key), "error", err)
	}
}

// load indexes files left by a previous process, dropping temporaries and
// expired entries.
func (c *Cache) load() error {
	type found struct {
		key     string
		path    string
		size    int64
		modTime time.Time
	}

	var files []found
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			os.Remove(path)
			return nil
		}
		key := strings.TrimSuffix(name, fileExt)
		if filepath.Ext(name) != fileExt || len(key) != keyLen {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, found{key: key, path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		if c.expired(f.modTime, now) {
			os.Remove(f.path)
			continue
		}
		c.addLocked(&entry{key: f.key, size: f.size, storedAt: f.modTime})
	}
	c.evictions = 0

	c.logger.Info("cache loaded", "dir", c.dir, "entries", c.index.Len(), "bytes", c.bytes)
	return nil
}
