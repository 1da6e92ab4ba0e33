package secrets

import (
	"bytes"
	"context"
	"testing"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestFileSinkPutGetRoundTrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), testMasterKey())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	ctx := context.Background()

	handle, err := sink.Put(ctx, "ca_private_key", []byte("super-secret-key-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := sink.Get(ctx, handle)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "super-secret-key-bytes" {
		t.Fatalf("round-trip mismatch: %q", got)
	}
}

func TestFileSinkGetMissingHandle(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), testMasterKey())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	if _, err := sink.Get(context.Background(), "nonexistent-0000000000000001"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileSinkDeleteRemovesSecret(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), testMasterKey())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	ctx := context.Background()

	handle, err := sink.Put(ctx, "client_cert_key", []byte("key-material"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := sink.Delete(ctx, handle); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sink.Get(ctx, handle); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileSinkDistinctHandlesDoNotCollide(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), testMasterKey())
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	ctx := context.Background()

	h1, err := sink.Put(ctx, "ca_private_key", []byte("first"))
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}
	h2, err := sink.Put(ctx, "ca_private_key", []byte("second"))
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected distinct handles, got %q twice", h1)
	}

	v1, _ := sink.Get(ctx, h1)
	v2, _ := sink.Get(ctx, h2)
	if string(v1) != "first" || string(v2) != "second" {
		t.Fatalf("values crossed between handles: %q %q", v1, v2)
	}
}
