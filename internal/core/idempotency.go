package core

import (
	"container/list"
	"fmt"

	"PoolLedger/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication. Unlike a plain
// seen-set it remembers the outcome so a redelivery gets the same answer.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
// Only committed operations are durable, so a hit is always accepted.
type DBIdempotencyChecker interface {
	LookupOutcome(op string, idempotencyKey string) (Outcome, bool, error)
}

// IdempotencyRecord is one remembered (key, outcome) pair.
type IdempotencyRecord struct {
	Key     string
	Outcome Outcome
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// CompositeKey is the LRU key for (op, request id).
func CompositeKey(op, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", op, idempotencyKey)
}

// Lookup returns the recorded outcome for (op, key), checking the LRU first
// and Postgres second. A tier-2 error is returned rather than read as "not
// seen": the caller cannot tell a new command from an evicted duplicate.
func (ic *IdempotencyChecker) Lookup(op string, idempotencyKey string) (Outcome, bool, error) {
	key := CompositeKey(op, idempotencyKey)

	if out, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(op, "lru")
		return out, true, nil
	}

	if ic.dbChecker != nil {
		out, found, err := ic.dbChecker.LookupOutcome(op, idempotencyKey)
		if err != nil {
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return Outcome{}, false, fmt.Errorf("dedup lookup %s: %w", key, err)
		}
		if found {
			ic.recordDuplicate(op, "postgres")
			ic.lru.Add(key, out)
			return out, true, nil
		}
	}

	return Outcome{}, false, nil
}

// Record stores the outcome of a processed command.
func (ic *IdempotencyChecker) Record(op string, idempotencyKey string, out Outcome) {
	evicted := ic.lru.Add(CompositeKey(op, idempotencyKey), out)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(op, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(op, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache of command outcomes.
// Not thread-safe; only accessed under the engine lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key     string
	outcome Outcome
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, min(capacity, 1<<16)),
		lruList:  list.New(),
	}
}

// Get returns the outcome for key and promotes it.
func (lru *IdempotencyLRU) Get(key string) (Outcome, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return Outcome{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).outcome, true
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Add inserts or refreshes key. Reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string, out Outcome) bool {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).outcome = out
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, outcome: out})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Warm loads records oldest-first so the most recent end up at the front.
func (lru *IdempotencyLRU) Warm(records []IdempotencyRecord) {
	for _, r := range records {
		lru.Add(r.Key, r.Outcome)
	}
}

// Records returns all entries oldest-first, the order Warm expects.
func (lru *IdempotencyLRU) Records() []IdempotencyRecord {
	out := make([]IdempotencyRecord, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*lruEntry)
		out = append(out, IdempotencyRecord{Key: entry.key, Outcome: entry.outcome})
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
