package embedding

import (
	"testing"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c := NewEmbeddingCache(2)
	if v, ok := c.Get("m", "a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("m", "a", []float32{1, 2, 3})
	v, ok := c.Get("m", "a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("m", "b", []float32{4, 5})
	c.Set("m", "c", []float32{6}) // evicts a
	if _, ok := c.Get("m", "a"); ok {
		t.Error("expected a to be evicted")
	}
	if _, ok := c.Get("m", "b"); !ok {
		t.Error("expected b to remain")
	}
	if _, ok := c.Get("m", "c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestEmbeddingCache_modelScoped(t *testing.T) {
	c := NewEmbeddingCache(4)
	c.Set("small", "보험료", []float32{1})
	if _, ok := c.Get("large", "보험료"); ok {
		t.Error("entries must not leak across models")
	}
}

func TestEmbeddingCache_disabled(t *testing.T) {
	c := NewEmbeddingCache(0)
	c.Set("m", "a", []float32{1})
	if c.Len() != 0 {
		t.Error("zero capacity should not store")
	}
}
