package runner

import (
	"strings"
	"testing"
)

func TestCappedBufferUnderLimit(t *testing.T) {
	b := newCappedBuffer(16)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if b.String() != "hello" {
		t.Fatalf("unexpected content %q", b.String())
	}
	if b.Truncated() {
		t.Fatal("buffer under limit must not be truncated")
	}
}

func TestCappedBufferTruncates(t *testing.T) {
	b := newCappedBuffer(8)
	if _, err := b.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.String() != "01234567" {
		t.Fatalf("expected first 8 bytes kept, got %q", b.String())
	}
	if !b.Truncated() {
		t.Fatal("expected truncation flag")
	}
}

// Writes past the cap must report full length so the pipe keeps
// draining instead of stalling the child.
func TestCappedBufferSwallowsOverflow(t *testing.T) {
	b := newCappedBuffer(4)
	if n, err := b.Write([]byte("abcd")); err != nil || n != 4 {
		t.Fatalf("write = %d, %v", n, err)
	}
	payload := strings.Repeat("x", 1<<16)
	n, err := b.Write([]byte(payload))
	if err != nil {
		t.Fatalf("overflow write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected full length accepted, got %d", n)
	}
	if b.String() != "abcd" {
		t.Fatalf("expected capped content kept, got %q", b.String())
	}
	if !b.Truncated() {
		t.Fatal("expected truncation flag")
	}
}

func TestCappedBufferDefaultCap(t *testing.T) {
	b := newCappedBuffer(0)
	payload := strings.Repeat("y", int(defaultCaptureBytes)+100)
	if _, err := b.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if int64(len(b.String())) != defaultCaptureBytes {
		t.Fatalf("expected default cap %d, got %d", defaultCaptureBytes, len(b.String()))
	}
	if !b.Truncated() {
		t.Fatal("expected truncation flag")
	}
}
