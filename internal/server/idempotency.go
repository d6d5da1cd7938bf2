package server

import (
	"container/list"
	"sync"

	"StakeVault/internal/observability"
)

// DBKeyStore is the durable second tier of request deduplication. Both
// tiers scope client keys by record type, so one key reused across
// operation types dedups each type independently.
type DBKeyStore interface {
	Lookup(recordType, clientKey string) (sequence int64, found bool, err error)
}

// RequestDeduper implements two-tier deduplication of client request keys:
// an in-memory LRU for the hot path and Postgres for keys that aged out.
// Unlike the engine it fronts, the deduper is called from concurrent HTTP
// handlers and guards its LRU with a mutex.
type RequestDeduper struct {
	mu      sync.Mutex
	lru     *keyLRU
	store   DBKeyStore
	metrics *observability.Metrics
}

func NewRequestDeduper(capacity int, store DBKeyStore, metrics *observability.Metrics) *RequestDeduper {
	return &RequestDeduper{
		lru:     newKeyLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

// Check returns the sequence of the operation previously committed under
// the client key, or found=false for a new key. A DB error on the cold
// path is treated as not-found so a database blip cannot block requests;
// the unique index on the operation log still prevents double-persisting.
func (d *RequestDeduper) Check(recordType, clientKey string) (sequence int64, found bool) {
	composite := recordType + ":" + clientKey

	d.mu.Lock()
	seq, ok := d.lru.Get(composite)
	d.mu.Unlock()
	if ok {
		if d.metrics != nil {
			d.metrics.IdempotencyDuplicates.WithLabelValues(recordType, "lru").Inc()
		}
		return seq, true
	}

	if d.store == nil {
		return 0, false
	}

	seq, ok, err := d.store.Lookup(recordType, clientKey)
	if err != nil || !ok {
		return 0, false
	}

	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(recordType, "postgres").Inc()
	}
	d.mu.Lock()
	d.lru.Add(composite, seq)
	d.mu.Unlock()
	return seq, true
}

// Mark records a client key after its operation committed.
func (d *RequestDeduper) Mark(recordType, clientKey string, sequence int64) {
	d.mu.Lock()
	before := d.lru.Evictions()
	d.lru.Add(recordType+":"+clientKey, sequence)
	size := d.lru.Len()
	evicted := d.lru.Evictions() - before
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(size))
		if evicted > 0 {
			d.metrics.DedupLRUEvictions.Add(float64(evicted))
		}
	}
}

// --- LRU ---

type keyLRU struct {
	capacity  int
	cache     map[string]*list.Element
	order     *list.List
	evictions int64
}

type keyEntry struct {
	key      string
	sequence int64
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *keyLRU) Get(key string) (int64, bool) {
	elem, ok := l.cache[key]
	if !ok {
		return 0, false
	}
	l.order.MoveToFront(elem)
	return elem.Value.(*keyEntry).sequence, true
}

func (l *keyLRU) Add(key string, sequence int64) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		elem.Value.(*keyEntry).sequence = sequence
		return
	}

	elem := l.order.PushFront(&keyEntry{key: key, sequence: sequence})
	l.cache[key] = elem

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.cache, oldest.Value.(*keyEntry).key)
			l.evictions++
		}
	}
}

func (l *keyLRU) Len() int { return l.order.Len() }

func (l *keyLRU) Evictions() int64 { return l.evictions }
