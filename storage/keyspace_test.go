package storage_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gfmonteiro/verto/storage"
)

// fakeClock drives keyspace time by hand.
type fakeClock struct {
	now int64
}

func (c *fakeClock) fn() int64 {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now += int64(d)
}

func newTestKeyspace(t *testing.T) (*storage.Keyspace, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: int64(time.Hour)}
	ks := storage.NewKeyspace(storage.WithClock(clock.fn))
	t.Cleanup(ks.Close)
	return ks, clock
}

func TestKeyspaceSetGetDel(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.Set("foo", []byte("bar"))
	val, ok, err := ks.Get("foo")
	if err != nil || !ok || string(val) != "bar" {
		t.Fatalf("Get(foo) = (%q, %v, %v)", val, ok, err)
	}

	if removed := ks.Del("foo"); removed != 1 {
		t.Fatalf("Del(foo) = %d, want 1", removed)
	}
	if _, ok, _ := ks.Get("foo"); ok {
		t.Fatal("key survived Del")
	}
	if removed := ks.Del("foo", "other"); removed != 0 {
		t.Fatalf("Del of absent keys = %d, want 0", removed)
	}
}

func TestKeyspaceWrongType(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.Set("s", []byte("v"))
	if _, err := ks.ZAdd("s", []storage.Member{{Name: "m", Score: 1}}); !errors.Is(err, storage.ErrWrongType) {
		t.Fatalf("ZAdd against string = %v, want ErrWrongType", err)
	}
	if _, err := ks.ZRem("s", []string{"m"}); !errors.Is(err, storage.ErrWrongType) {
		t.Fatalf("ZRem against string = %v, want ErrWrongType", err)
	}

	ks.ZAdd("z", []storage.Member{{Name: "m", Score: 1}})
	if _, _, err := ks.Get("z"); !errors.Is(err, storage.ErrWrongType) {
		t.Fatalf("Get against zset = %v, want ErrWrongType", err)
	}
}

func TestKeyspaceSetReplacesZSet(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.ZAdd("k", []storage.Member{{Name: "m", Score: 1}})
	ks.Set("k", []byte("now a string"))
	val, ok, err := ks.Get("k")
	if err != nil || !ok || string(val) != "now a string" {
		t.Fatalf("Get after replacing zset = (%q, %v, %v)", val, ok, err)
	}
}

func TestKeyspaceZRemDropsEmptySet(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.ZAdd("z", []storage.Member{{Name: "a", Score: 1}, {Name: "b", Score: 2}})
	removed, err := ks.ZRem("z", []string{"a", "b", "ghost"})
	if err != nil || removed != 2 {
		t.Fatalf("ZRem = (%d, %v), want (2, nil)", removed, err)
	}
	if _, ok := ks.Type("z"); ok {
		t.Fatal("empty sorted set kept its key")
	}
}

func TestKeyspaceZQuery(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	members, ok, err := ks.ZQuery("missing", 0, "", 0, 10)
	if err != nil || ok || members != nil {
		t.Fatalf("ZQuery on missing key = (%v, %v, %v)", members, ok, err)
	}

	ks.ZAdd("z", []storage.Member{{Name: "a", Score: 1}, {Name: "b", Score: 2}})
	members, ok, err = ks.ZQuery("z", 0, "", 0, 10)
	if err != nil || !ok || len(members) != 2 {
		t.Fatalf("ZQuery = (%v, %v, %v)", members, ok, err)
	}
}

func TestKeyspaceExpireTTLPersist(t *testing.T) {
	ks, clock := newTestKeyspace(t)

	if ks.Expire("missing", 10) != 0 {
		t.Fatal("Expire on missing key != 0")
	}
	if ks.TTL("missing") != storage.TTLMissing {
		t.Fatal("TTL on missing key != TTLMissing")
	}

	ks.Set("k", []byte("v"))
	if ks.TTL("k") != storage.TTLNone {
		t.Fatal("TTL without expiry != TTLNone")
	}
	if ks.Expire("k", 100) != 1 {
		t.Fatal("Expire != 1")
	}

	ttl := ks.TTL("k")
	if ttl <= 0 || ttl > 100_000 {
		t.Fatalf("TTL = %d ms, want in (0, 100000]", ttl)
	}

	clock.advance(30 * time.Second)
	ttl = ks.TTL("k")
	if ttl <= 0 || ttl > 70_000 {
		t.Fatalf("TTL after 30s = %d ms, want in (0, 70000]", ttl)
	}

	if ks.Persist("k") != 1 {
		t.Fatal("Persist != 1")
	}
	if ks.TTL("k") != storage.TTLNone {
		t.Fatal("TTL after Persist != TTLNone")
	}
	if ks.Persist("k") != 0 {
		t.Fatal("second Persist != 0")
	}
}

func TestKeyspaceExpireNonPositiveDeletes(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.Set("k", []byte("v"))
	if ks.Expire("k", 0) != 1 {
		t.Fatal("Expire(k, 0) != 1")
	}
	if _, ok, _ := ks.Get("k"); ok {
		t.Fatal("key survived Expire with zero seconds")
	}

	ks.Set("k2", []byte("v"))
	ks.Expire("k2", -5)
	if _, ok, _ := ks.Get("k2"); ok {
		t.Fatal("key survived Expire with negative seconds")
	}
}

func TestKeyspaceSetClearsTTL(t *testing.T) {
	ks, _ := newTestKeyspace(t)

	ks.Set("k", []byte("v"))
	ks.Expire("k", 100)
	ks.Set("k", []byte("v2"))
	if got := ks.TTL("k"); got != storage.TTLNone {
		t.Fatalf("TTL after SET = %d, want TTLNone", got)
	}
	if _, ok := ks.NextDeadline(); ok {
		t.Fatal("heap still armed after SET cleared the TTL")
	}
}

func TestKeyspaceDrainExpired(t *testing.T) {
	ks, clock := newTestKeyspace(t)

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		ks.Set(key, []byte("v"))
		ks.Expire(key, int64(i+1))
	}
	ks.Set("keeper", []byte("v"))

	clock.advance(5500 * time.Millisecond)

	// Budget bounds the work per call.
	if drained := ks.DrainExpired(ks.Now(), 2); drained != 2 {
		t.Fatalf("DrainExpired(budget 2) = %d", drained)
	}
	if drained := ks.DrainExpired(ks.Now(), 100); drained != 3 {
		t.Fatalf("second DrainExpired = %d, want 3", drained)
	}

	for i := 0; i < 5; i++ {
		if _, ok, _ := ks.Get(fmt.Sprintf("k%d", i)); ok {
			t.Errorf("k%d survived its deadline", i)
		}
	}
	for i := 5; i < 10; i++ {
		if _, ok, _ := ks.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Errorf("k%d expired early", i)
		}
	}
	if _, ok, _ := ks.Get("keeper"); !ok {
		t.Error("key without TTL was drained")
	}
	if ks.ExpiredTotal() != 5 {
		t.Errorf("ExpiredTotal() = %d, want 5", ks.ExpiredTotal())
	}
}

// TestKeyspaceHeapInvariant runs a mixed workload and checks after every
// operation that exactly the keys with a TTL are represented in the heap.
func TestKeyspaceHeapInvariant(t *testing.T) {
	ks, clock := newTestKeyspace(t)
	withTTL := map[string]bool{}

	check := func(op string) {
		t.Helper()
		armed := 0
		for key, has := range withTTL {
			got := ks.TTL(key)
			if has && got <= 0 {
				t.Fatalf("%s: key %q should carry a TTL, TTL() = %d", op, key, got)
			}
			if !has && got != storage.TTLNone {
				t.Fatalf("%s: key %q should not carry a TTL, TTL() = %d", op, key, got)
			}
			if has {
				armed++
			}
		}
		if _, ok := ks.NextDeadline(); ok != (armed > 0) {
			t.Fatalf("%s: NextDeadline armed=%v, want %v", op, ok, armed > 0)
		}
	}

	for round := 0; round < 50; round++ {
		key := fmt.Sprintf("k%d", round%7)

		ks.Set(key, []byte("v"))
		withTTL[key] = false // SET clears any TTL
		check("SET")

		if round%2 == 0 {
			ks.Expire(key, 1000)
			withTTL[key] = true
			check("EXPIRE")
		}
		if round%3 == 0 {
			ks.Persist(key)
			withTTL[key] = false
			check("PERSIST")
		}
		if round%5 == 0 {
			ks.Del(key)
			delete(withTTL, key)
			check("DEL")
		}
	}
	clock.advance(time.Second)
}

func TestKeyspaceLargeSetAsyncDestroy(t *testing.T) {
	clock := &fakeClock{}
	ks := storage.NewKeyspace(
		storage.WithClock(clock.fn),
		storage.WithAsyncThreshold(100),
		storage.WithDestroyWorkers(2),
	)
	defer ks.Close()

	members := make([]storage.Member, 500)
	for i := range members {
		members[i] = storage.Member{Name: fmt.Sprintf("m%d", i), Score: float64(i)}
	}
	if added, err := ks.ZAdd("big", members); err != nil || added != 500 {
		t.Fatalf("ZAdd = (%d, %v)", added, err)
	}

	if removed := ks.Del("big"); removed != 1 {
		t.Fatalf("Del(big) = %d", removed)
	}
	// The keyspace is consistent immediately, regardless of when the
	// worker finishes tearing the set down.
	if _, ok := ks.Type("big"); ok {
		t.Fatal("big still visible after Del")
	}
	ks.Set("big", []byte("reborn"))
	if val, ok, err := ks.Get("big"); err != nil || !ok || string(val) != "reborn" {
		t.Fatalf("Get(big) after rebirth = (%q, %v, %v)", val, ok, err)
	}
}
