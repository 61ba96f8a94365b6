package storage

import "github.com/cespare/xxhash/v2"

const (
	// initialBuckets sizes a fresh table. Must be a power of two.
	initialBuckets = 16

	// maxLoadFactor triggers growth once the table averages this many
	// chained entries per bucket.
	maxLoadFactor = 8

	// defaultRehashBudget bounds the old-table buckets drained per
	// operation while a migration is in flight.
	defaultRehashBudget = 128
)

// bucketTable is one backing array of hash chains.
type bucketTable struct {
	slots []*Entry
	mask  uint64
	size  int
}

func newBucketTable(n int) bucketTable {
	return bucketTable{
		slots: make([]*Entry, n),
		mask:  uint64(n - 1),
	}
}

func (t *bucketTable) insert(e *Entry) {
	slot := e.hash & t.mask
	e.hnext = t.slots[slot]
	t.slots[slot] = e
	t.size++
}

func (t *bucketTable) lookup(key string, hash uint64) *Entry {
	if t.slots == nil {
		return nil
	}
	for e := t.slots[hash&t.mask]; e != nil; e = e.hnext {
		if e.hash == hash && e.key == key {
			return e
		}
	}
	return nil
}

func (t *bucketTable) remove(key string, hash uint64) *Entry {
	if t.slots == nil {
		return nil
	}
	slot := hash & t.mask
	for pe := &t.slots[slot]; *pe != nil; pe = &(*pe).hnext {
		e := *pe
		if e.hash == hash && e.key == key {
			*pe = e.hnext
			e.hnext = nil
			t.size--
			return e
		}
	}
	return nil
}

// Dict is a chaining hash table with incremental rehash. While a migration
// is in flight two backing tables coexist: lookups consult both, inserts go
// to the newer one, and every operation drains a bounded number of buckets
// from the older table before serving. An entry is never present in both
// tables at once because buckets move whole.
type Dict struct {
	newer bucketTable
	older bucketTable

	// Next older-table bucket to migrate.
	migratePos uint64

	// Buckets drained per operation.
	rehashBudget int
}

// NewDict creates an empty table with the default per-op rehash budget.
func NewDict() *Dict {
	return NewDictBudget(defaultRehashBudget)
}

// NewDictBudget creates an empty table draining at most budget old-table
// buckets per operation.
func NewDictBudget(budget int) *Dict {
	if budget < 1 {
		budget = 1
	}
	return &Dict{
		newer:        newBucketTable(initialBuckets),
		rehashBudget: budget,
	}
}

// hashKey is the stable hash used for dict placement. Not keyed: the server
// does not defend against adversarial key sets.
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Len returns the number of live entries across both tables.
func (d *Dict) Len() int {
	return d.newer.size + d.older.size
}

// Get returns the entry for key, or nil.
func (d *Dict) Get(key string) *Entry {
	d.advanceRehash()
	hash := hashKey(key)
	if e := d.newer.lookup(key, hash); e != nil {
		return e
	}
	return d.older.lookup(key, hash)
}

// Insert adds an entry whose key must not already be present.
func (d *Dict) Insert(e *Entry) {
	d.advanceRehash()
	d.newer.insert(e)
	d.maybeGrow()
}

// Delete removes and returns the entry for key, or nil.
func (d *Dict) Delete(key string) *Entry {
	d.advanceRehash()
	hash := hashKey(key)
	if e := d.newer.remove(key, hash); e != nil {
		return e
	}
	return d.older.remove(key, hash)
}

// ForEach visits every live entry exactly once, including mid-migration.
// Iteration stops early when fn returns false. Order is unspecified.
func (d *Dict) ForEach(fn func(*Entry) bool) {
	for _, t := range []*bucketTable{&d.newer, &d.older} {
		for _, head := range t.slots {
			for e := head; e != nil; e = e.hnext {
				if !fn(e) {
					return
				}
			}
		}
	}
}

// Keys returns every live key in unspecified order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.Len())
	d.ForEach(func(e *Entry) bool {
		keys = append(keys, e.key)
		return true
	})
	return keys
}

// Rehashing reports whether a migration is in flight.
func (d *Dict) Rehashing() bool {
	return d.older.slots != nil
}

func (d *Dict) maybeGrow() {
	if d.Rehashing() {
		return
	}
	if d.newer.size < len(d.newer.slots)*maxLoadFactor {
		return
	}
	d.older = d.newer
	d.newer = newBucketTable(len(d.older.slots) * 2)
	d.migratePos = 0
}

// advanceRehash migrates up to rehashBudget buckets from the older table,
// then retires it once drained.
func (d *Dict) advanceRehash() {
	if !d.Rehashing() {
		return
	}
	for budget := d.rehashBudget; budget > 0 && d.older.size > 0; budget-- {
		if d.migratePos >= uint64(len(d.older.slots)) {
			break
		}
		e := d.older.slots[d.migratePos]
		for e != nil {
			next := e.hnext
			d.older.size--
			d.newer.insert(e)
			e = next
		}
		d.older.slots[d.migratePos] = nil
		d.migratePos++
	}
	if d.older.size == 0 {
		d.older = bucketTable{}
	}
}
