package registry

import (
	"testing"

	"github.com/skyfeed/aggregator/pkg/model"
)

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"A1B2C3", "a1b2c3"},
		{" a1b2c3 ", "a1b2c3"},
		{"a1b2c3", "a1b2c3"},
	}

	for _, tt := range tests {
		if got := normalizeHex(tt.input); got != tt.want {
			t.Errorf("normalizeHex(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIndexColumns(t *testing.T) {
	t.Run("full header resolves every column", func(t *testing.T) {
		header := []string{"icao24", "registration", "manufacturer", "model", "typecode", "operator", "owner", "icaoaircrafttype"}
		idx, err := indexColumns(header)
		if err != nil {
			t.Fatalf("indexColumns() error: %v", err)
		}
		if idx["icao24"] != 0 {
			t.Errorf("icao24 index = %d, want 0", idx["icao24"])
		}
		if idx["icaoaircrafttype"] != 7 {
			t.Errorf("icaoaircrafttype index = %d, want 7", idx["icaoaircrafttype"])
		}
	})

	t.Run("missing required column errors", func(t *testing.T) {
		header := []string{"registration", "manufacturer"}
		if _, err := indexColumns(header); err == nil {
			t.Fatal("expected error for missing icao24 column, got nil")
		}
	})

	t.Run("missing optional column is tolerated", func(t *testing.T) {
		header := []string{"icao24", "registration"}
		idx, err := indexColumns(header)
		if err != nil {
			t.Fatalf("indexColumns() error: %v", err)
		}
		if idx["owner"] != -1 {
			t.Errorf("owner index = %d, want -1 (absent)", idx["owner"])
		}
	})
}

func TestRowToEntry(t *testing.T) {
	idx := map[string]int{
		"icao24": 0, "registration": 1, "manufacturer": 2, "model": 3,
		"typecode": 4, "operator": 5, "owner": 6, "icaoaircrafttype": 7,
	}

	t.Run("valid row", func(t *testing.T) {
		record := []string{"A1B2C3", "N12345", "Boeing", "737-800", "B738", "United", "United", "L2J"}
		entry, ok := rowToEntry(record, idx)
		if !ok {
			t.Fatal("expected ok=true for valid row")
		}
		if entry.Hex != "a1b2c3" {
			t.Errorf("Hex = %q, want a1b2c3", entry.Hex)
		}
		if entry.Registration != "N12345" {
			t.Errorf("Registration = %q, want N12345", entry.Registration)
		}
	})

	t.Run("malformed hex is rejected", func(t *testing.T) {
		record := []string{"not-hex", "N12345"}
		if _, ok := rowToEntry(record, idx); ok {
			t.Fatal("expected ok=false for malformed hex")
		}
	})

	t.Run("short hex is rejected", func(t *testing.T) {
		record := []string{"a1b2"}
		if _, ok := rowToEntry(record, idx); ok {
			t.Fatal("expected ok=false for short hex")
		}
	})
}

func TestIsHelicopterFromRegistryClass(t *testing.T) {
	tests := []struct {
		class string
		want  bool
	}{
		{"H2T", true},
		{"h1p", true},
		{"L2J", false},
		{"", false},
	}

	for _, tt := range tests {
		entry := model.RegistryEntry{ICAOAircraftClass: tt.class}
		if got := entry.IsHelicopter(); got != tt.want {
			t.Errorf("IsHelicopter() for class %q = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newLRUCache(2)

	c.put("a1b2c3", model.RegistryEntry{Hex: "a1b2c3"})
	c.put("b2c3d4", model.RegistryEntry{Hex: "b2c3d4"})

	// Touch "a1b2c3" so it becomes the most recently used.
	if _, ok := c.get("a1b2c3"); !ok {
		t.Fatal("expected a1b2c3 to be present")
	}

	// Inserting a third entry should evict "b2c3d4", the least recently used.
	c.put("c3d4e5", model.RegistryEntry{Hex: "c3d4e5"})

	if _, ok := c.get("b2c3d4"); ok {
		t.Error("expected b2c3d4 to have been evicted")
	}
	if _, ok := c.get("a1b2c3"); !ok {
		t.Error("expected a1b2c3 to still be present")
	}
	if _, ok := c.get("c3d4e5"); !ok {
		t.Error("expected c3d4e5 to be present")
	}
}

func TestLRUCacheUpdatesExistingKey(t *testing.T) {
	c := newLRUCache(2)
	c.put("a1b2c3", model.RegistryEntry{Hex: "a1b2c3", Model: "737"})
	c.put("a1b2c3", model.RegistryEntry{Hex: "a1b2c3", Model: "787"})

	entry, ok := c.get("a1b2c3")
	if !ok {
		t.Fatal("expected a1b2c3 to be present")
	}
	if entry.Model != "787" {
		t.Errorf("Model = %q, want 787 (updated value)", entry.Model)
	}
}
