package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/telemetry"
)

const (
	// DefaultCapacity is the number of conversations kept before eviction.
	DefaultCapacity = 20
	// DefaultTTL is the idle time after which an entry expires.
	DefaultTTL = 30 * time.Minute
	// DefaultSaveDelay coalesces bursts of writes into one save.
	DefaultSaveDelay = 500 * time.Millisecond
)

// Options configures a Cache.
type Options struct {
	Capacity  int
	TTL       time.Duration
	SaveDelay time.Duration
	Persister Persister
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

type record struct {
	entry      Entry
	lastAccess time.Time
}

// Cache is the sole writer of cache entries.
type Cache struct {
	capacity  int
	ttl       time.Duration
	saveDelay time.Duration
	persister Persister
	log       *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	mu       sync.Mutex
	records  map[string]*record
	versions map[string]uint64

	saveCh chan struct{}
}

// New constructs a Cache.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		capacity:  opts.Capacity,
		ttl:       opts.TTL,
		saveDelay: opts.SaveDelay,
		persister: opts.Persister,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		records:   make(map[string]*record),
		versions:  make(map[string]uint64),
		saveCh:    make(chan struct{}, 1),
	}
}

// Get returns the clean, unexpired entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[id]
	if ok && c.expiredLocked(r) {
		delete(c.records, id)
		c.metrics.CacheEvicted(1)
		ok = false
	}
	if !ok || r.entry.Status != StatusClean {
		c.metrics.CacheLookup(false)
		return Entry{}, false
	}
	r.lastAccess = c.now()
	c.metrics.CacheLookup(true)
	return cloneEntry(r.entry), true
}

// Peek returns the entry for id regardless of status. It does not touch the
// access time.
func (c *Cache) Peek(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.records[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(r.entry), true
}

// Put stores msgs for id and returns the new entry. The version always increases.
func (c *Cache) Put(id string, msgs []chat.Message, status Status) Entry {
	now := c.now()

	c.mu.Lock()
	c.versions[id]++
	e := Entry{
		Messages: chat.Clone(msgs),
		Metadata: MetadataOf(msgs),
		Status:   status,
		CachedAt: now,
		Version:  c.versions[id],
	}
	c.records[id] = &record{entry: e, lastAccess: now}
	evicted := c.evictLocked(id)
	c.mu.Unlock()

	if len(evicted) > 0 {
		c.metrics.CacheEvicted(len(evicted))
		c.log.Debug("cache.evict", "conversation_ids", evicted)
	}
	c.signalSave()
	return cloneEntry(e)
}

// SetStatus changes the status of an existing entry. It reports whether id was
// cached.
func (c *Cache) SetStatus(id string, status Status) bool {
	c.mu.Lock()
	r, ok := c.records[id]
	if ok && r.entry.Status != status {
		c.versions[id]++
		r.entry.Status = status
		r.entry.Version = c.versions[id]
	}
	c.mu.Unlock()

	if ok {
		c.signalSave()
	}
	return ok
}

// Validate reports whether the cached entry for id matches authoritative by
// count, last id and content hash. It never modifies the cache.
func (c *Cache) Validate(id string, authoritative []chat.Message) bool {
	c.mu.Lock()
	r, ok := c.records[id]
	var md Metadata
	if ok {
		md = r.entry.Metadata
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	want := MetadataOf(authoritative)
	return md.MessageCount == want.MessageCount &&
		md.LastMessageID == want.LastMessageID &&
		md.ContentHash == want.ContentHash
}

// Invalidate drops the entry for id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	_, ok := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()
	if ok {
		c.signalSave()
	}
}

// Len returns the number of tracked conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	n := 0
	for id, r := range c.records {
		if c.expiredLocked(r) {
			delete(c.records, id)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.metrics.CacheEvicted(n)
		c.log.Debug("cache.sweep", "expired", n)
		c.signalSave()
	}
	return n
}

// Run coalesces save requests and sweeps expired entries until ctx is done, then
// performs a final flush.
func (c *Cache) Run(ctx context.Context) error {
	sweep := time.NewTicker(c.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.Flush(flushCtx)
			cancel()
			return err
		case <-sweep.C:
			c.Sweep()
		case <-c.saveCh:
			timer := time.NewTimer(c.saveDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				continue
			case <-timer.C:
			}
			if err := c.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("cache.save.fail", "err", err)
			}
		}
	}
}

// Flush writes every clean entry to the persister.
func (c *Cache) Flush(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	blob, n, err := c.encode()
	if err != nil {
		return err
	}
	if err := c.persister.Save(ctx, blob); err != nil {
		return err
	}
	c.log.Debug("cache.save", "entries", n, "bytes", len(blob))
	return nil
}

// Load restores entries from the persister. A blob that does not decode or was
// written by another layout version is cleared, never migrated.
func (c *Cache) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	raw, err := c.persister.Load(ctx)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var blob Blob
	if err := json.Unmarshal(raw, &blob); err != nil || blob.Version != BlobVersion {
		c.log.Info("cache.blob.reset", "found_version", blob.Version, "want_version", BlobVersion, "err", err)
		return c.persister.Clear(ctx)
	}

	now := c.now()
	c.mu.Lock()
	for id, e := range blob.Entries {
		if e.Status != StatusClean {
			continue
		}
		if e.Version > c.versions[id] {
			c.versions[id] = e.Version
		}
		c.records[id] = &record{entry: e, lastAccess: now}
	}
	evicted := c.evictLocked("")
	n := len(c.records)
	c.mu.Unlock()

	c.metrics.CacheEvicted(len(evicted))
	c.log.Info("cache.load", "entries", n)
	return nil
}

func (c *Cache) encode() ([]byte, int, error) {
	c.mu.Lock()
	blob := Blob{Version: BlobVersion, Entries: make(map[string]Entry, len(c.records))}
	for id, r := range c.records {
		if r.entry.Status != StatusClean || c.expiredLocked(r) {
			continue
		}
		blob.Entries[id] = r.entry
	}
	c.mu.Unlock()

	raw, err := json.Marshal(blob)
	return raw, len(blob.Entries), err
}

// evictLocked removes the oldest CachedAt entries while over capacity. keep is
// never chosen.
func (c *Cache) evictLocked(keep string) []string {
	var out []string
	for len(c.records) > c.capacity {
		var (
			oldestID string
			oldestAt time.Time
		)
		for id, r := range c.records {
			if id == keep {
				continue
			}
			if oldestID == "" || r.entry.CachedAt.Before(oldestAt) || (r.entry.CachedAt.Equal(oldestAt) && id < oldestID) {
				oldestID, oldestAt = id, r.entry.CachedAt
			}
		}
		if oldestID == "" {
			break
		}
		delete(c.records, oldestID)
		out = append(out, oldestID)
	}
	return out
}

func (c *Cache) expiredLocked(r *record) bool {
	return c.now().Sub(r.lastAccess) > c.ttl
}

func (c *Cache) sweepInterval() time.Duration {
	d := c.ttl / 2
	if d < time.Second {
		d = time.Second
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (c *Cache) signalSave() {
	if c.persister == nil {
		return
	}
	select {
	case c.saveCh <- struct{}{}:
	default:
	}
}

func cloneEntry(e Entry) Entry {
	e.Messages = chat.Clone(e.Messages)
	return e
}
