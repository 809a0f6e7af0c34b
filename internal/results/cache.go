package results

import (
	"sort"

	"github.com/ent0n29/motiongate/internal/motion"
)

// DefaultCapacity matches the per-session motion limit used when none is
// configured.
const DefaultCapacity = 10

type entry struct {
	rec motion.Record
	seq uint64
}

// Cache holds one session's generated motions. When full, inserting drops the
// entry with the earliest CreatedAt (earlier insertion wins ties). Reads do
// not refresh an entry's position.
//
// Cache is not safe for concurrent use; the session store serializes access.
type Cache struct {
	capacity int
	entries  map[string]entry
	nextSeq  uint64
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]entry),
	}
}

// Insert stores rec, evicting the oldest entry first if the cache is full.
// Replacing an existing ID never evicts.
func (c *Cache) Insert(rec motion.Record) (evictedID string, evicted bool) {
	if _, exists := c.entries[rec.ID]; !exists && len(c.entries) >= c.capacity {
		evictedID, evicted = c.oldest()
		if evicted {
			delete(c.entries, evictedID)
		}
	}
	c.nextSeq++
	c.entries[rec.ID] = entry{rec: rec, seq: c.nextSeq}
	return evictedID, evicted
}

func (c *Cache) Get(id string) (motion.Record, bool) {
	e, ok := c.entries[id]
	return e.rec, ok
}

func (c *Cache) Delete(id string) bool {
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	return true
}

// Clear removes everything and returns how many entries were dropped.
func (c *Cache) Clear() int {
	n := len(c.entries)
	c.entries = make(map[string]entry)
	return n
}

func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) Capacity() int { return c.capacity }

// List returns all records, newest first.
func (c *Cache) List() []motion.Record {
	all := make([]entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return newer(all[i], all[j])
	})
	out := make([]motion.Record, len(all))
	for i, e := range all {
		out[i] = e.rec
	}
	return out
}

func (c *Cache) oldest() (string, bool) {
	var (
		found bool
		best  entry
	)
	for _, e := range c.entries {
		if !found || newer(best, e) {
			best = e
			found = true
		}
	}
	return best.rec.ID, found
}

func newer(a, b entry) bool {
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.After(b.rec.CreatedAt)
	}
	return a.seq > b.seq
}
