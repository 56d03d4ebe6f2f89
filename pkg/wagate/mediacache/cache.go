// Package mediacache keeps recently downloaded media in memory so repeated
// sends of the same attachment skip the network.
package mediacache

import (
	"container/list"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item is one cached attachment.
type Item struct {
	Data     []byte
	MimeType string
	Filename string
}

type entry struct {
	key      string
	item     Item
	storedAt time.Time
}

// Stats describes cache occupancy.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache is a bounded FIFO cache with per-entry TTL. Eviction removes the
// oldest entry regardless of access pattern.
type Cache struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
	bytes int64
	hits  int64
	miss  int64

	hitCounter  prometheus.Counter
	missCounter prometheus.Counter
}

// New builds a cache holding at most maxEntries items for at most ttl each.
// Metrics are registered on reg when non-nil.
func New(maxEntries int, ttl time.Duration, reg prometheus.Registerer) *Cache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		hitCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wagate_media_cache_hits_total",
			Help: "Media cache lookups served from memory.",
		}),
		missCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wagate_media_cache_misses_total",
			Help: "Media cache lookups that required a download.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.hitCounter, c.missCounter)
	}
	return c
}

// Key canonicalizes a media URL to scheme, host and path. Query strings and
// fragments do not participate, so signed URL variants share one entry.
func Key(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path
}

// Get returns the cached item for the URL. Expired entries count as misses
// and are removed on access.
func (c *Cache) Get(rawURL string) (Item, bool) {
	key := Key(rawURL)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.miss++
		c.missCounter.Inc()
		return Item{}, false
	}
	e := el.Value.(*entry)
	if now.Sub(e.storedAt) >= c.ttl {
		c.removeLocked(el)
		c.miss++
		c.missCounter.Inc()
		return Item{}, false
	}
	c.hits++
	c.hitCounter.Inc()
	return e.item, true
}

// Put stores the item, evicting the oldest entry when full. Storing an
// existing key refreshes its payload and TTL without changing its position.
func (c *Cache) Put(rawURL string, item Item) {
	key := Key(rawURL)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		c.bytes += int64(len(item.Data)) - int64(len(e.item.Data))
		e.item = item
		e.storedAt = now
		return
	}

	for c.order.Len() >= c.maxEntries {
		c.removeLocked(c.order.Front())
	}

	el := c.order.PushBack(&entry{key: key, item: item, storedAt: now})
	c.index[key] = el
	c.bytes += int64(len(item.Data))
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.index, e.key)
	c.bytes -= int64(len(e.item.Data))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	c.bytes = 0
	c.mu.Unlock()
}

// Stats snapshots occupancy and hit counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries: c.order.Len(),
		Bytes:   c.bytes,
		Hits:    c.hits,
		Misses:  c.miss,
	}
}
