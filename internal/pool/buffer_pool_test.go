package pool

import "testing"

func TestBufferPoolGetPut(t *testing.T) {
	bp := NewBufferPool(1024)

	buf := bp.Get()
	if len(buf) != 1024 {
		t.Fatalf("Expected buffer of 1024 bytes, got %d", len(buf))
	}
	bp.Put(buf)
	bp.Put(make([]byte, 10))

	stats := bp.GetStats()
	if stats.Gets != 1 {
		t.Errorf("Expected 1 get, got %d", stats.Gets)
	}
	if stats.Puts != 1 {
		t.Errorf("Expected 1 put, got %d", stats.Puts)
	}
	if stats.Rejected != 1 {
		t.Errorf("Expected 1 rejected buffer, got %d", stats.Rejected)
	}
}

func TestBufferPoolDefaultSize(t *testing.T) {
	if got := NewBufferPool(0).Size(); got != CopyBufferSize {
		t.Errorf("Expected default size %d, got %d", CopyBufferSize, got)
	}
}
