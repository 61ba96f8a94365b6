package storage

import (
	"errors"
	"time"
)

// ErrWrongType is returned when an operation targets an entry holding the
// other value variant.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// TTL query results for keys without a TTL or without an entry.
const (
	TTLNone    int64 = -1
	TTLMissing int64 = -2
)

const (
	// defaultAsyncThreshold is the sorted-set size past which destruction
	// is handed to a background worker.
	defaultAsyncThreshold = 1000

	// defaultDestroyWorkers sizes the destruction pool.
	defaultDestroyWorkers = 4
)

var bootTime = time.Now()

// monotonicNow returns nanoseconds on the process-local monotonic clock.
func monotonicNow() int64 {
	return int64(time.Since(bootTime))
}

// Keyspace owns every entry, the TTL heap, and the destruction pool. It is
// not safe for concurrent use: exactly one goroutine may call its methods,
// which is how the event loop runs it.
type Keyspace struct {
	dict *Dict
	heap TTLHeap

	clock          func() int64
	asyncThreshold int
	destroyer      *destroyer

	expiredTotal int64
}

// KeyspaceOption configures a Keyspace.
type KeyspaceOption func(*Keyspace)

// WithClock substitutes the monotonic clock, primarily for tests.
func WithClock(clock func() int64) KeyspaceOption {
	return func(ks *Keyspace) {
		ks.clock = clock
	}
}

// WithRehashBudget bounds the old-table buckets migrated per operation.
func WithRehashBudget(buckets int) KeyspaceOption {
	return func(ks *Keyspace) {
		ks.dict = NewDictBudget(buckets)
	}
}

// WithAsyncThreshold sets the sorted-set size past which destruction moves
// to a background worker. Zero disables async destruction.
func WithAsyncThreshold(members int) KeyspaceOption {
	return func(ks *Keyspace) {
		ks.asyncThreshold = members
	}
}

// WithDestroyWorkers sizes the destruction pool.
func WithDestroyWorkers(n int) KeyspaceOption {
	return func(ks *Keyspace) {
		if n > 0 {
			ks.destroyer = newDestroyer(n)
		}
	}
}

// NewKeyspace creates an empty keyspace.
func NewKeyspace(opts ...KeyspaceOption) *Keyspace {
	ks := &Keyspace{
		dict:           NewDict(),
		clock:          monotonicNow,
		asyncThreshold: defaultAsyncThreshold,
	}
	for _, opt := range opts {
		opt(ks)
	}
	if ks.destroyer == nil {
		ks.destroyer = newDestroyer(defaultDestroyWorkers)
	}
	return ks
}

// Close stops the destruction pool after it drains.
func (ks *Keyspace) Close() {
	ks.destroyer.close()
}

// Len returns the number of live keys.
func (ks *Keyspace) Len() int {
	return ks.dict.Len()
}

// Now returns the current reading of the keyspace clock.
func (ks *Keyspace) Now() int64 {
	return ks.clock()
}

// ExpiredTotal returns the number of keys removed by expiration so far.
func (ks *Keyspace) ExpiredTotal() int64 {
	return ks.expiredTotal
}

// Get returns the string stored at key. The second result is false when the
// key does not exist; ErrWrongType is returned for sorted-set keys.
func (ks *Keyspace) Get(key string) ([]byte, bool, error) {
	e := ks.dict.Get(key)
	if e == nil {
		return nil, false, nil
	}
	if e.value.Kind != KindString {
		return nil, true, ErrWrongType
	}
	return e.value.Str, true, nil
}

// Set stores a string at key, replacing any existing value of either kind.
// Any TTL the key carried is cleared.
func (ks *Keyspace) Set(key string, val []byte) {
	if e := ks.dict.Get(key); e != nil {
		ks.heap.Remove(e)
		ks.disposeValue(&e.value)
		e.value = Value{Kind: KindString, Str: val}
		return
	}
	ks.dict.Insert(newStringEntry(key, hashKey(key), val))
}

// Del removes the given keys and returns how many existed.
func (ks *Keyspace) Del(keys ...string) int64 {
	var removed int64
	for _, key := range keys {
		if e := ks.dict.Delete(key); e != nil {
			ks.dropEntry(e)
			removed++
		}
	}
	return removed
}

// Keys returns every live key in unspecified order.
func (ks *Keyspace) Keys() []string {
	return ks.dict.Keys()
}

// Type returns the kind of the value at key.
func (ks *Keyspace) Type(key string) (Kind, bool) {
	e := ks.dict.Get(key)
	if e == nil {
		return 0, false
	}
	return e.value.Kind, true
}

// ZAdd inserts or re-scores members of the sorted set at key, creating the
// set when the key is absent. Returns the number of newly added members.
func (ks *Keyspace) ZAdd(key string, members []Member) (int64, error) {
	e := ks.dict.Get(key)
	if e == nil {
		e = newZSetEntry(key, hashKey(key))
		ks.dict.Insert(e)
	} else if e.value.Kind != KindZSet {
		return 0, ErrWrongType
	}
	var added int64
	for _, m := range members {
		if e.value.Set.Add(m.Name, m.Score) {
			added++
		}
	}
	return added, nil
}

// ZRem removes members from the sorted set at key and returns how many were
// present. A set left empty removes its key.
func (ks *Keyspace) ZRem(key string, names []string) (int64, error) {
	e := ks.dict.Get(key)
	if e == nil {
		return 0, nil
	}
	if e.value.Kind != KindZSet {
		return 0, ErrWrongType
	}
	var removed int64
	for _, name := range names {
		if e.value.Set.Remove(name) {
			removed++
		}
	}
	if e.value.Set.Len() == 0 {
		if d := ks.dict.Delete(key); d != nil {
			ks.heap.Remove(d)
		}
	}
	return removed, nil
}

// ZQuery runs a rank-offset window query against the sorted set at key. The
// second result is false when the key does not exist.
func (ks *Keyspace) ZQuery(key string, score float64, name string, offset, limit int64) ([]Member, bool, error) {
	e := ks.dict.Get(key)
	if e == nil {
		return nil, false, nil
	}
	if e.value.Kind != KindZSet {
		return nil, true, ErrWrongType
	}
	return e.value.Set.Query(score, name, offset, limit), true, nil
}

// Expire arms a TTL of the given seconds on key. Returns 1 when the key
// exists, 0 otherwise. Zero or negative seconds delete the key immediately.
func (ks *Keyspace) Expire(key string, seconds int64) int64 {
	e := ks.dict.Get(key)
	if e == nil {
		return 0
	}
	if seconds <= 0 {
		ks.dict.Delete(key)
		ks.dropEntry(e)
		return 1
	}
	ks.heap.Upsert(e, ks.clock()+seconds*int64(time.Second))
	return 1
}

// TTL returns the remaining lifetime of key in milliseconds, TTLNone when no
// TTL is armed, or TTLMissing when the key does not exist. A key whose
// deadline has passed but has not been drained yet reports TTLMissing.
func (ks *Keyspace) TTL(key string) int64 {
	e := ks.dict.Get(key)
	if e == nil {
		return TTLMissing
	}
	deadline, ok := ks.heap.Deadline(e)
	if !ok {
		return TTLNone
	}
	remaining := deadline - ks.clock()
	if remaining <= 0 {
		return TTLMissing
	}
	return remaining / int64(time.Millisecond)
}

// Persist disarms the TTL on key. Returns 1 when a TTL was removed.
func (ks *Keyspace) Persist(key string) int64 {
	e := ks.dict.Get(key)
	if e == nil || e.heapIdx == noHeapIdx {
		return 0
	}
	ks.heap.Remove(e)
	return 1
}

// NextDeadline returns the nearest armed TTL deadline.
func (ks *Keyspace) NextDeadline() (int64, bool) {
	_, deadline, ok := ks.heap.Min()
	return deadline, ok
}

// DrainExpired removes keys whose deadlines are at or before now, up to
// budget of them, and returns how many were removed. The budget keeps a
// pathological burst of expirations from starving I/O.
func (ks *Keyspace) DrainExpired(now int64, budget int) int {
	drained := 0
	for drained < budget {
		e, deadline, ok := ks.heap.Min()
		if !ok || deadline > now {
			break
		}
		ks.heap.Remove(e)
		ks.dict.Delete(e.key)
		ks.disposeValue(&e.value)
		drained++
		ks.expiredTotal++
	}
	return drained
}

// dropEntry disarms the entry's TTL and releases its value.
func (ks *Keyspace) dropEntry(e *Entry) {
	ks.heap.Remove(e)
	ks.disposeValue(&e.value)
}

// disposeValue releases a detached value, handing large sorted sets to the
// destruction pool. The keyspace is already consistent at hand-off and never
// observes the payload again.
func (ks *Keyspace) disposeValue(v *Value) {
	if v.Kind != KindZSet || v.Set == nil {
		return
	}
	set := v.Set
	v.Set = nil
	if ks.asyncThreshold > 0 && set.Len() > ks.asyncThreshold {
		ks.destroyer.submit(set)
		return
	}
	set.teardown()
}
