package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mudworks/weaver"
)

func pairs(kvs ...int) []weaver.KeyValuePair[int, string] {
	out := make([]weaver.KeyValuePair[int, string], 0, len(kvs))
	for _, k := range kvs {
		out = append(out, weaver.KeyValuePair[int, string]{Key: k, Value: string(rune('a' + k))})
	}
	return out
}

func TestCacheSetGetDelete(t *testing.T) {
	c := NewCache[int, string](2, 10)
	c.Set(pairs(1, 2, 3))
	if c.Count() != 3 {
		t.Fatalf("count = %d, want 3", c.Count())
	}
	got := c.Get([]int{1, 3, 9})
	if got[0] != "b" || got[1] != "d" || got[2] != "" {
		t.Errorf("get = %v", got)
	}
	c.Delete([]int{2, 9})
	if c.Count() != 2 {
		t.Errorf("count after delete = %d, want 2", c.Count())
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[int, string](2, 4)
	c.Set(pairs(1, 2, 3))
	// Touch 1 so 2 becomes the eviction candidate.
	c.Get([]int{1})
	c.Set(pairs(4))

	if got := c.Get([]int{2}); got[0] != "" {
		t.Error("2 should have been evicted as least recently used")
	}
	if got := c.Get([]int{1}); got[0] != "b" {
		t.Error("recently used 1 should survive eviction")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache[int, string](2, 10)
	c.Set(pairs(1, 2))
	c.Clear()
	if c.Count() != 0 {
		t.Errorf("count after clear = %d", c.Count())
	}
	if got := c.Get([]int{1}); got[0] != "" {
		t.Error("cleared cache still serves values")
	}
}

func TestInMemorySharedRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryShared()
	if err := s.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	found, v, err := s.Get(ctx, "k")
	if err != nil || !found || v != "v" {
		t.Errorf("get = (%v, %q, %v)", found, v, err)
	}

	if found, _, _ := s.Get(ctx, "missing"); found {
		t.Error("missing key reported found")
	}

	type view struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	if err := s.SetStruct(ctx, "obj", view{Name: "lobby", N: 7}, time.Minute); err != nil {
		t.Fatal(err)
	}
	var got view
	found, err = s.GetStruct(ctx, "obj", &got)
	if err != nil || !found || got.Name != "lobby" || got.N != 7 {
		t.Errorf("getstruct = (%v, %+v, %v)", found, got, err)
	}

	if err := s.Delete(ctx, []string{"k", "obj"}); err != nil {
		t.Fatal(err)
	}
	if found, _, _ := s.Get(ctx, "k"); found {
		t.Error("deleted key still present")
	}
}

func TestInMemorySharedExpiration(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryShared()
	if err := s.Set(ctx, "ttl", "v", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if found, _, _ := s.Get(ctx, "ttl"); found {
		t.Error("expired key still served")
	}

	// Negative expiration means "do not cache".
	if err := s.Set(ctx, "skip", "v", -1); err != nil {
		t.Fatal(err)
	}
	if found, _, _ := s.Get(ctx, "skip"); found {
		t.Error("negative-expiration key was cached")
	}
}
