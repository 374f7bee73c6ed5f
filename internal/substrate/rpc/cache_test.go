package rpc

import "testing"

func TestHashCacheGetMiss(t *testing.T) {
	c := newHashCache(4)
	if _, ok := c.get(10); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestHashCachePutGet(t *testing.T) {
	c := newHashCache(4)
	c.put(10, "0xabc")
	hash, ok := c.get(10)
	if !ok || hash != "0xabc" {
		t.Fatalf("expected hit 0xabc, got %q ok=%v", hash, ok)
	}
}

func TestHashCacheEvictsOldest(t *testing.T) {
	c := newHashCache(2)
	c.put(1, "0x1")
	c.put(2, "0x2")
	c.put(3, "0x3") // evicts height 1

	if _, ok := c.get(1); ok {
		t.Fatalf("expected height 1 to be evicted")
	}
	if hash, ok := c.get(2); !ok || hash != "0x2" {
		t.Fatalf("expected height 2 to survive")
	}
	if hash, ok := c.get(3); !ok || hash != "0x3" {
		t.Fatalf("expected height 3 present")
	}
}

func TestHashCacheOverwriteDoesNotEvict(t *testing.T) {
	c := newHashCache(2)
	c.put(1, "0x1")
	c.put(2, "0x2")
	c.put(1, "0x1-updated")

	if hash, ok := c.get(1); !ok || hash != "0x1-updated" {
		t.Fatalf("expected updated value, got %q ok=%v", hash, ok)
	}
	if _, ok := c.get(2); !ok {
		t.Fatalf("expected height 2 to still be present after overwrite of height 1")
	}
}

func TestHashCacheDefaultCapacity(t *testing.T) {
	c := newHashCache(0)
	if c.capacity != 4096 {
		t.Fatalf("expected default capacity 4096, got %d", c.capacity)
	}
}
