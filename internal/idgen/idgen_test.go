package idgen

import (
	"strings"
	"testing"
)

func TestNew_FormatAndUniqueness(t *testing.T) {
	id := New()
	if len(id) != 36 {
		t.Errorf("len = %d, want 36: %q", len(id), id)
	}
	if strings.Count(id, "-") != 4 {
		t.Errorf("dashes = %d, want 4: %q", strings.Count(id, "-"), id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := New()
		if seen[v] {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("rt_")
	if !strings.HasPrefix(id, "rt_") {
		t.Errorf("id = %q, want rt_ prefix", id)
	}
	if len(id) != 3+24 {
		t.Errorf("len = %d, want 27", len(id))
	}
}

func TestHex(t *testing.T) {
	if got := Hex(8); len(got) != 16 {
		t.Errorf("len = %d, want 16", len(got))
	}
}
