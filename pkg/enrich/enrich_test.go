package enrich

import (
	"context"
	"testing"

	"github.com/skyfeed/aggregator/pkg/model"
)

type fakeLookup struct {
	entries map[string]model.RegistryEntry
}

func (f fakeLookup) BatchLookup(_ context.Context, hexes []string) (map[string]model.RegistryEntry, error) {
	result := make(map[string]model.RegistryEntry, len(hexes))
	for _, h := range hexes {
		if e, ok := f.entries[h]; ok {
			result[h] = e
		}
	}
	return result, nil
}

func TestEnrichMergesRegistryFields(t *testing.T) {
	lookup := fakeLookup{entries: map[string]model.RegistryEntry{
		"a1b2c3": {Hex: "a1b2c3", Registration: "N12345", Model: "737-800", ICAOAircraftClass: "L2J"},
	}}

	result, err := Enrich(context.Background(), lookup, []model.Report{{Hex: "a1b2c3"}})
	if err != nil {
		t.Fatalf("Enrich() error: %v", err)
	}
	if len(result.Reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(result.Reports))
	}
	if result.Reports[0].Registration != "N12345" {
		t.Errorf("Registration = %q, want N12345", result.Reports[0].Registration)
	}
	if result.Reports[0].IsHelicopter {
		t.Error("expected IsHelicopter = false for an L2J class")
	}
	if result.HitCount != 1 || result.MissCount != 0 {
		t.Errorf("HitCount=%d MissCount=%d, want 1/0", result.HitCount, result.MissCount)
	}
}

func TestEnrichS6MarksHelicopter(t *testing.T) {
	lookup := fakeLookup{entries: map[string]model.RegistryEntry{
		"a1b2c3": {Hex: "a1b2c3", ICAOAircraftClass: "H2T"},
	}}

	result, err := Enrich(context.Background(), lookup, []model.Report{{Hex: "a1b2c3"}})
	if err != nil {
		t.Fatalf("Enrich() error: %v", err)
	}
	if !result.Reports[0].IsHelicopter {
		t.Error("expected IsHelicopter = true for an H2T class")
	}
	if len(result.Choppers) != 1 {
		t.Fatalf("expected 1 chopper, got %d", len(result.Choppers))
	}
}

func TestEnrichMissingEntryCannotBeHelicopter(t *testing.T) {
	lookup := fakeLookup{entries: map[string]model.RegistryEntry{}}

	result, err := Enrich(context.Background(), lookup, []model.Report{{Hex: "a1b2c3"}})
	if err != nil {
		t.Fatalf("Enrich() error: %v", err)
	}
	if result.Reports[0].IsHelicopter {
		t.Error("expected IsHelicopter = false when no registry entry exists")
	}
	if result.MissCount != 1 {
		t.Errorf("MissCount = %d, want 1", result.MissCount)
	}
	if len(result.Choppers) != 0 {
		t.Errorf("expected no choppers, got %d", len(result.Choppers))
	}
}

func TestEnrichPreservesBlendedOrderInChoppers(t *testing.T) {
	lookup := fakeLookup{entries: map[string]model.RegistryEntry{
		"a1b2c3": {Hex: "a1b2c3", ICAOAircraftClass: "H1P"},
		"b2c3d4": {Hex: "b2c3d4", ICAOAircraftClass: "L2J"},
		"c3d4e5": {Hex: "c3d4e5", ICAOAircraftClass: "H2T"},
	}}

	result, err := Enrich(context.Background(), lookup, []model.Report{
		{Hex: "a1b2c3"}, {Hex: "b2c3d4"}, {Hex: "c3d4e5"},
	})
	if err != nil {
		t.Fatalf("Enrich() error: %v", err)
	}
	if len(result.Choppers) != 2 {
		t.Fatalf("expected 2 choppers, got %d", len(result.Choppers))
	}
	if result.Choppers[0].Hex != "a1b2c3" || result.Choppers[1].Hex != "c3d4e5" {
		t.Errorf("choppers not in blended order: %+v", result.Choppers)
	}
}
