package l1

import (
	"testing"
	"time"
)

func TestGetMiss(t *testing.T) {
	c := New(10)
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestPutThenGet(t *testing.T) {
	c := New(10)
	c.Put("k1", map[string]int{"a": 1}, time.Minute)

	v, ok := c.Get("k1")
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	got := v.(map[string]int)
	if got["a"] != 1 {
		t.Fatalf("expected value {a:1}, got %v", got)
	}
}

func TestGetExpiresLazily(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	if c.Size() != 0 {
		t.Fatalf("expected expired entry to be evicted on Get, size=%d", c.Size())
	}
}

func TestDelete(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Minute)

	if !c.Delete("k1") {
		t.Fatalf("expected Delete to report existing key")
	}
	if c.Delete("k1") {
		t.Fatalf("expected second Delete to report absence")
	}
	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected k1 to be gone")
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(10)
	for i := 0; i < 10; i++ {
		c.Put(keyFor(i), i, time.Hour)
	}
	if c.Size() != 10 {
		t.Fatalf("expected size 10, got %d", c.Size())
	}

	// One more insert should trigger eviction of the oldest ~10%.
	c.Put("overflow", "x", time.Hour)
	if c.Size() > 10 {
		t.Fatalf("expected size to stay at or below capacity, got %d", c.Size())
	}
}

func TestCapacityEvictionPrefersSoonestExpiry(t *testing.T) {
	c := New(10)
	// k0 expires soonest; the rest expire far in the future.
	c.Put("k0", "soonest", time.Millisecond)
	for i := 1; i < 10; i++ {
		c.Put(keyFor(i), i, time.Hour)
	}
	time.Sleep(5 * time.Millisecond)

	c.Put("overflow", "x", time.Hour)

	if _, ok := c.entries["k0"]; ok {
		t.Fatalf("expected soonest-to-expire entry to be evicted first")
	}
}

func TestIsUnchanged(t *testing.T) {
	c := New(10)
	c.Put("k1", map[string]int{"a": 1}, time.Minute)

	if !c.IsUnchanged("k1", map[string]int{"a": 1}) {
		t.Fatalf("expected IsUnchanged true for identical value")
	}
	if c.IsUnchanged("k1", map[string]int{"a": 2}) {
		t.Fatalf("expected IsUnchanged false for different value")
	}
	if c.IsUnchanged("missing", map[string]int{"a": 1}) {
		t.Fatalf("expected IsUnchanged false for missing key")
	}
}

func TestIsUnchangedSideEffectFree(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Minute)

	before := c.Size()
	c.IsUnchanged("k1", "v1")
	c.IsUnchanged("k1", "v2")
	if c.Size() != before {
		t.Fatalf("expected IsUnchanged not to alter size")
	}
}

func TestDeletePatternPrefix(t *testing.T) {
	c := New(10)
	c.Put("user:1", "a", time.Minute)
	c.Put("user:2", "b", time.Minute)
	c.Put("session:1", "c", time.Minute)

	n, err := c.DeletePattern("user:*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if _, ok := c.Get("session:1"); !ok {
		t.Fatalf("expected session:1 to survive")
	}
}

func TestClear(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Minute)
	c.Put("k2", "v2", time.Minute)

	c.Clear()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache after Clear, got size %d", c.Size())
	}
}

func TestCleanupExpired(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Millisecond)
	c.Put("k2", "v2", time.Hour)
	time.Sleep(5 * time.Millisecond)

	n := c.CleanupExpired()
	if n != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", n)
	}
	if c.Size() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Size())
	}
}

func TestPutReplacesExisting(t *testing.T) {
	c := New(10)
	c.Put("k1", "v1", time.Minute)
	c.Put("k1", "v2", time.Minute)

	if c.Size() != 1 {
		t.Fatalf("expected replace not to grow size, got %d", c.Size())
	}
	v, ok := c.Get("k1")
	if !ok || v != "v2" {
		t.Fatalf("expected updated value v2, got %v ok=%v", v, ok)
	}
}

func keyFor(i int) string {
	return "k" + string(rune('a'+i))
}
