package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	ErrObjectTooLarge = errors.New("object too large for cache")
	ErrNoSpace        = errors.New("out of memory storing object")
)

// maxRelativeExptime is the memcached cutoff: larger exptimes are absolute Unix times.
const maxRelativeExptime = 60 * 60 * 24 * 30

// Item is a snapshot of a stored value. Mutating it does not affect the cache.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	CAS   uint64

	// ExpUnix is Unix seconds. 0 means no expiration.
	ExpUnix int64
}

type record struct {
	key     string
	value   []byte
	flags   uint32
	cas     uint64
	expUnix int64
	size    int64
}

func (r *record) expired(now int64) bool {
	return r.expUnix > 0 && r.expUnix <= now
}

type Cache struct {
	mu sync.Mutex

	maxBytes    int64
	targetBytes int64
	usedBytes   int64

	index map[string]*list.Element
	order *list.List

	entryOverhead int64
	maxEvictPerOp int

	nextCAS uint64
}

var nowUnix = func() int64 { return time.Now().Unix() }

func NewCache(maxBytes, targetBytes, entryOverhead int64, maxEvictPerOp int) *Cache {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	if targetBytes <= 0 || targetBytes > maxBytes {
		targetBytes = maxBytes * 95 / 100
	}
	if entryOverhead < 0 {
		entryOverhead = 0
	}
	if maxEvictPerOp <= 0 {
		maxEvictPerOp = 64
	}

	return &Cache{
		maxBytes:      maxBytes,
		targetBytes:   targetBytes,
		index:         make(map[string]*list.Element),
		order:         list.New(),
		entryOverhead: entryOverhead,
		maxEvictPerOp: maxEvictPerOp,
		nextCAS:       1,
	}
}

// Get returns a copy of the live item under key and marks it recently used.
func (c *Cache) Get(key string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookupLocked(key, nowUnix())
	if !ok {
		return Item{}, false
	}
	c.order.MoveToFront(elem)
	return snapshot(elem.Value.(*record)), true
}

// Set stores value under key. exptime follows memcached rules: 0 never
// expires, up to 30 days is relative seconds, anything larger is an absolute
// Unix time and a negative value expires the item immediately.
func (c *Cache) Set(key string, flags uint32, exptime int64, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := nowUnix()
	expUnix := resolveExptime(exptime, now)
	if expUnix < 0 {
		if elem, ok := c.index[key]; ok {
			c.dropLocked(elem)
		}
		return nil
	}
	return c.storeLocked(key, flags, value, expUnix, now)
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookupLocked(key, nowUnix())
	if !ok {
		return false
	}
	c.dropLocked(elem)
	return true
}

// Fits reports whether an item with the given key and value length could ever
// be stored, so callers can refuse it before buffering the value.
func (c *Cache) Fits(key string, valueLen int) bool {
	return int64(len(key))+int64(valueLen)+c.entryOverhead <= c.maxBytes
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// lookupLocked finds key and drops it if it has expired.
func (c *Cache) lookupLocked(key string, now int64) (*list.Element, bool) {
	elem, ok := c.index[key]
	if !ok {
		return nil, false
	}
	if elem.Value.(*record).expired(now) {
		c.dropLocked(elem)
		return nil, false
	}
	return elem, true
}

func (c *Cache) storeLocked(key string, flags uint32, value []byte, expUnix, now int64) error {
	if !c.Fits(key, len(value)) {
		return ErrObjectTooLarge
	}
	need := int64(len(key)+len(value)) + c.entryOverhead

	if elem, ok := c.lookupLocked(key, now); ok {
		rec := elem.Value.(*record)
		grow := need - rec.size
		if grow > 0 {
			c.makeRoomLocked(grow, key, now)
		}
		if c.usedBytes+grow > c.maxBytes {
			return ErrNoSpace
		}

		rec.value = append([]byte(nil), value...)
		rec.flags = flags
		rec.expUnix = expUnix
		rec.size = need
		rec.cas = c.takeCASLocked()
		c.usedBytes += grow
		c.order.MoveToFront(elem)
		c.trimLocked(key, now)
		return nil
	}

	c.makeRoomLocked(need, "", now)
	if c.usedBytes+need > c.maxBytes {
		return ErrNoSpace
	}

	rec := &record{
		key:     key,
		value:   append([]byte(nil), value...),
		flags:   flags,
		cas:     c.takeCASLocked(),
		expUnix: expUnix,
		size:    need,
	}
	c.index[key] = c.order.PushFront(rec)
	c.usedBytes += need
	c.trimLocked(key, now)
	return nil
}

// makeRoomLocked evicts until incoming bytes fit under maxBytes, then keeps
// going toward targetBytes. At most maxEvictPerOp items are evicted.
func (c *Cache) makeRoomLocked(incoming int64, protect string, now int64) {
	evicted := 0
	for _, limit := range []int64{c.maxBytes, c.targetBytes} {
		for c.usedBytes+incoming > limit && evicted < c.maxEvictPerOp {
			victim := c.victimLocked(protect, now)
			if victim == nil {
				return
			}
			c.dropLocked(victim)
			evicted++
		}
	}
}

func (c *Cache) trimLocked(protect string, now int64) {
	for evicted := 0; c.usedBytes > c.targetBytes && evicted < c.maxEvictPerOp; evicted++ {
		victim := c.victimLocked(protect, now)
		if victim == nil {
			return
		}
		c.dropLocked(victim)
	}
}

// victimLocked prefers the least recently used expired item and falls back
// to the least recently used live one.
func (c *Cache) victimLocked(protect string, now int64) *list.Element {
	var lru *list.Element
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		rec := elem.Value.(*record)
		if rec.key == protect {
			continue
		}
		if rec.expired(now) {
			return elem
		}
		if lru == nil {
			lru = elem
		}
	}
	return lru
}

func (c *Cache) dropLocked(elem *list.Element) {
	rec := elem.Value.(*record)
	delete(c.index, rec.key)
	c.order.Remove(elem)
	c.usedBytes -= rec.size
	if c.usedBytes < 0 {
		c.usedBytes = 0
	}
}

func (c *Cache) takeCASLocked() uint64 {
	v := c.nextCAS
	c.nextCAS++
	if c.nextCAS == 0 {
		c.nextCAS = 1
	}
	return v
}

// resolveExptime returns the absolute expiry, 0 for none, or -1 when the
// item is already expired.
func resolveExptime(exptime, now int64) int64 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return -1
	case exptime <= maxRelativeExptime:
		return now + exptime
	case exptime <= now:
		return -1
	default:
		return exptime
	}
}

func snapshot(rec *record) Item {
	return Item{
		Key:     rec.key,
		Value:   append([]byte{}, rec.value...),
		Flags:   rec.flags,
		CAS:     rec.cas,
		ExpUnix: rec.expUnix,
	}
}
