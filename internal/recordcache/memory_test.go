package recordcache

import (
	"bytes"
	"testing"
	"time"
)

func TestMemorySetGetDelete(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory() failed: %v", err)
	}
	defer m.Close()

	ctx := t.Context()

	if _, ok, err := m.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("Get(absent) = ok=%v err=%v, want miss", ok, err)
	}

	if err := m.Set(ctx, "models", []byte(`{"res.partner":{}}`), 0); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	value, ok, err := m.Get(ctx, "models")
	if err != nil || !ok {
		t.Fatalf("Get() = ok=%v err=%v, want hit", ok, err)
	}
	if !bytes.Equal(value, []byte(`{"res.partner":{}}`)) {
		t.Fatalf("Get() = %q, want stored value", value)
	}

	if err := m.Delete(ctx, "models"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "models"); ok {
		t.Fatal("Get() after Delete() still hits")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory() failed: %v", err)
	}
	defer m.Close()

	ctx := t.Context()
	if err := m.Set(ctx, "fields", []byte("v"), 30*time.Millisecond); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if _, ok, _ := m.Get(ctx, "fields"); !ok {
		t.Fatal("Get() before expiry misses")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "fields"); ok {
		t.Fatal("Get() after expiry still hits")
	}
}

func TestMemoryPurge(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory() failed: %v", err)
	}
	defer m.Close()

	ctx := t.Context()
	for _, key := range []string{"a", "b", "c"} {
		if err := m.Set(ctx, key, []byte(key), 0); err != nil {
			t.Fatalf("Set(%q) failed: %v", key, err)
		}
	}
	if err := m.Purge(ctx); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if _, ok, _ := m.Get(ctx, key); ok {
			t.Fatalf("Get(%q) after Purge() still hits", key)
		}
	}
}

func TestMemoryEvictsAtCapacity(t *testing.T) {
	t.Parallel()

	m, err := NewMemory(2)
	if err != nil {
		t.Fatalf("NewMemory() failed: %v", err)
	}
	defer m.Close()

	ctx := t.Context()
	for _, key := range []string{"a", "b", "c"} {
		if err := m.Set(ctx, key, []byte(key), 0); err != nil {
			t.Fatalf("Set(%q) failed: %v", key, err)
		}
	}
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("oldest entry survived past capacity")
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Fatal("newest entry evicted")
	}
}
