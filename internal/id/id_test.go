package id

import (
	"sort"
	"testing"
)

func TestNewLength(t *testing.T) {
	for i := 0; i < 1000; i++ {
		got := New()
		if len(got) != idLength {
			t.Fatalf("New() length = %d, want %d (value %q)", len(got), idLength, got)
		}
	}
}

func TestNewMonotonic(t *testing.T) {
	const n = 2000
	ids := make([]string, n)
	for i := range ids {
		ids[i] = New()
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not in lexicographically ascending order at index %d: %q != %q", i, ids[i], sorted[i])
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5000; i++ {
		got := New()
		if seen[got] {
			t.Fatalf("duplicate id generated: %q", got)
		}
		seen[got] = true
	}
}
