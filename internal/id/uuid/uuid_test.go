// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, valid, and version 7.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	parsed, err := goUUID.Parse(id1)
	if err != nil {
		t.Fatalf("id1 not valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if _, err := goUUID.Parse(id2); err != nil {
		t.Fatalf("id2 not valid UUID: %v", err)
	}
}

// TestNewRawIDOrdered checks raw IDs sort by creation time.
func TestNewRawIDOrdered(t *testing.T) {
	t.Parallel()

	first, err := NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	second, err := NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if first.String() >= second.String() {
		t.Fatalf("expected %s < %s", first, second)
	}
}
