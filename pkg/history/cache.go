package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/ledger"
)

const (
	slotCurrent = "current"
	slotPeak    = "peak"
)

// DefaultCacheTTL bounds staleness from writers in other processes, whose
// appends never reach OnAppend.
const DefaultCacheTTL = 5 * time.Second

// Cache holds current and peak points per bucket in a go-datastore.
//
// Entries are dropped by OnAppend, which the tracker calls after every
// append. A per-bucket generation counter keeps a lookup that raced with an
// append from writing its now-stale result back.
type Cache struct {
	ds  datastore.Datastore
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	gens map[string]uint64
}

type cacheEntry struct {
	Point    Point `json:"point"`
	CachedAt int64 `json:"cachedAt"`
}

// NewCache wraps ds, or an in-memory map when ds is nil. ttl <= 0 disables
// expiry.
func NewCache(ds datastore.Datastore, ttl time.Duration) *Cache {
	if ds == nil {
		ds = dssync.MutexWrap(datastore.NewMapDatastore())
	}
	return &Cache{
		ds:   ds,
		ttl:  ttl,
		now:  time.Now,
		gens: make(map[string]uint64),
	}
}

func cacheKey(slot, bucket string) datastore.Key {
	return datastore.KeyWithNamespaces([]string{slot, base64.RawURLEncoding.EncodeToString([]byte(bucket))})
}

// OnAppend invalidates the bucket. Its signature matches tracker.Observer.
func (c *Cache) OnAppend(ctx context.Context, rec ledger.SizeRecord) {
	c.Invalidate(ctx, rec.BucketID)
}

// Invalidate drops the bucket's cached points.
func (c *Cache) Invalidate(ctx context.Context, bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[bucket]++
	for _, slot := range []string{slotCurrent, slotPeak} {
		if err := c.ds.Delete(ctx, cacheKey(slot, bucket)); err != nil {
			lg := logctx.FromContext(ctx)
			lg.Warn().Err(err).
				Str(logctx.FieldBucket, bucket).
				Msg("drop cached size")
		}
	}
}

func (c *Cache) generation(bucket string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[bucket]
}

func (c *Cache) get(ctx context.Context, slot, bucket string) (Point, bool) {
	data, err := c.ds.Get(ctx, cacheKey(slot, bucket))
	if err != nil {
		return Point{}, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return Point{}, false
	}
	if c.ttl > 0 && c.now().UnixMilli()-e.CachedAt > c.ttl.Milliseconds() {
		return Point{}, false
	}
	return e.Point, true
}

// put stores p unless the bucket was invalidated since gen was read.
func (c *Cache) put(ctx context.Context, slot, bucket string, gen uint64, p Point) {
	data, err := json.Marshal(cacheEntry{Point: p, CachedAt: c.now().UnixMilli()})
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[bucket] != gen {
		return
	}
	_ = c.ds.Put(ctx, cacheKey(slot, bucket), data)
}

// Close closes the underlying datastore.
func (c *Cache) Close() error {
	return c.ds.Close()
}
